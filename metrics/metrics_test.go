package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/types"
)

type fakeWindow struct {
	len    int
	target uint64
	ok     bool
}

func (w fakeWindow) Len() int                   { return w.len }
func (w fakeWindow) TargetSlot() (uint64, bool) { return w.target, w.ok }

func TestObserveCountsAppliedAndDropped(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	start := time.UnixMilli(1_000)
	timing := types.SlotTiming{FirstShred: start}

	r.Observe(types.FirstShredReceived{SlotEvent: types.SlotEvent{Slot: 1, Timestamp: start}}, timing, true)
	r.Observe(types.Rooted{SlotEvent: types.SlotEvent{Slot: 1, Timestamp: start.Add(12 * time.Second)}}, timing, true)
	r.Observe(types.Rooted{SlotEvent: types.SlotEvent{Slot: 1, Timestamp: start.Add(13 * time.Second)}}, timing, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifications.WithLabelValues(types.KindFirstShredReceived)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifications.WithLabelValues(types.KindRoot)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dropped.WithLabelValues(types.KindRoot)))

	// First shred has no stage of its own.
	assert.Equal(t, 1, testutil.CollectAndCount(r.stageLatency))
}

func TestObserveStageLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	start := time.UnixMilli(5_000)
	timing := types.SlotTiming{FirstShred: start}

	r.Observe(types.ShredsFull{SlotEvent: types.SlotEvent{Slot: 2, Timestamp: start.Add(400 * time.Millisecond)}}, timing, true)

	expected := `
# HELP slotwatch_slot_stage_seconds Time from first shred received to each slot stage
# TYPE slotwatch_slot_stage_seconds histogram
slotwatch_slot_stage_seconds_bucket{stage="full",le="0.05"} 0
slotwatch_slot_stage_seconds_bucket{stage="full",le="0.1"} 0
slotwatch_slot_stage_seconds_bucket{stage="full",le="0.2"} 0
slotwatch_slot_stage_seconds_bucket{stage="full",le="0.4"} 1
slotwatch_slot_stage_seconds_bucket{stage="full",le="0.8"} 1
slotwatch_slot_stage_seconds_bucket{stage="full",le="1.6"} 1
slotwatch_slot_stage_seconds_bucket{stage="full",le="3.2"} 1
slotwatch_slot_stage_seconds_bucket{stage="full",le="6.4"} 1
slotwatch_slot_stage_seconds_bucket{stage="full",le="12.8"} 1
slotwatch_slot_stage_seconds_bucket{stage="full",le="25.6"} 1
slotwatch_slot_stage_seconds_bucket{stage="full",le="+Inf"} 1
slotwatch_slot_stage_seconds_sum{stage="full"} 0.4
slotwatch_slot_stage_seconds_count{stage="full"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "slotwatch_slot_stage_seconds"))
}

func TestRefresh(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.Refresh(fakeWindow{len: 3, target: 120, ok: true})
	assert.Equal(t, 3.0, testutil.ToFloat64(r.windowSize))
	assert.Equal(t, 120.0, testutil.ToFloat64(r.targetSlot))

	// Without a target the last value stays.
	r.Refresh(fakeWindow{len: 0})
	assert.Equal(t, 0.0, testutil.ToFloat64(r.windowSize))
	assert.Equal(t, 120.0, testutil.ToFloat64(r.targetSlot))
}

func TestSetLeaderSchedule(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.SetLeaderSchedule(types.NewLeaderSchedule(100, map[string][]uint64{"A": {0, 1}, "B": {2}}))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.leaderSlots))

	r.SetLeaderSchedule(nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.leaderSlots))
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.Refresh(fakeWindow{len: 2, target: 7, ok: true})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, body, "slotwatch_target_slot 7")

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
