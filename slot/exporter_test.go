package slot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/types"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]*types.SlotTimingRow
	err     error
}

func (s *fakeStore) InsertSlotTimings(rows []*types.SlotTimingRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]*types.SlotTimingRow(nil), rows...))
	return nil
}

func (s *fakeStore) rows() []*types.SlotTimingRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*types.SlotTimingRow
	for _, b := range s.batches {
		res = append(res, b...)
	}
	return res
}

type nopReporter struct{}

func (nopReporter) Report(error, string) {}

func rooted(slot uint64, ms int) (types.Notification, types.SlotTiming) {
	ts := at(ms)
	return types.Rooted{SlotEvent: types.SlotEvent{Slot: slot, Timestamp: ts}},
		types.SlotTiming{FirstShred: at(0), Rooted: &ts}
}

func TestExporterQueuesFinishedSlotsOnce(t *testing.T) {
	store := &fakeStore{}
	e := NewExporter(store, leaderMap{10: "Leader10"}, testLogger())

	// Unfinished and dropped events are ignored.
	e.Observe(types.FirstShredReceived{SlotEvent: ev(10, 0)}, types.SlotTiming{FirstShred: at(0)}, true)
	n, timing := rooted(10, 100)
	e.Observe(n, timing, false)
	assert.Zero(t, e.Pending())

	e.Observe(n, timing, true)
	e.Observe(n, timing, true)
	assert.Equal(t, 1, e.Pending())

	require.NoError(t, e.Flush())
	rows := store.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(10), rows[0].Slot)
	assert.Equal(t, "Leader10", rows[0].Leader)
	assert.Equal(t, at(100), *rows[0].Rooted)
	assert.Zero(t, e.Pending())
}

func TestExporterExportsDeadSlots(t *testing.T) {
	store := &fakeStore{}
	e := NewExporter(store, nil, testLogger())

	dead := at(50)
	timing := types.SlotTiming{FirstShred: at(0), Dead: &dead, Err: "invalid block"}
	e.Observe(types.ReplayFailed{SlotEvent: ev(4, 50), Err: "invalid block"}, timing, true)

	require.NoError(t, e.Flush())
	rows := store.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "invalid block", rows[0].Err)
	assert.Equal(t, "", rows[0].Leader)
}

func TestExporterFlushBatches(t *testing.T) {
	store := &fakeStore{}
	e := NewExporter(store, nil, testLogger())
	e.batchSize = 2

	for s := uint64(0); s < 5; s++ {
		n, timing := rooted(s, int(s))
		e.Observe(n, timing, true)
	}
	require.NoError(t, e.Flush())
	require.Len(t, store.batches, 3)
	assert.Len(t, store.batches[2], 1)
}

func TestExporterRequeuesOnFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	e := NewExporter(store, nil, testLogger())
	e.batchSize = 2

	for s := uint64(0); s < 3; s++ {
		n, timing := rooted(s, int(s))
		e.Observe(n, timing, true)
	}
	require.Error(t, e.Flush())
	assert.Equal(t, 3, e.Pending())

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	require.NoError(t, e.Flush())
	assert.Len(t, store.rows(), 3)
}

func TestExporterDropsOldestWhenQueueFull(t *testing.T) {
	store := &fakeStore{err: errors.New("down")}
	e := NewExporter(store, nil, testLogger())
	e.batchSize = 1

	for s := uint64(0); s < 15; s++ {
		n, timing := rooted(s, int(s))
		e.Observe(n, timing, true)
	}
	require.Error(t, e.Flush())
	assert.Equal(t, 10, e.Pending())

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	require.NoError(t, e.Flush())
	rows := store.rows()
	require.Len(t, rows, 10)
	assert.Equal(t, uint64(5), rows[0].Slot)
}

func TestExporterRunFlushesOnTickAndExit(t *testing.T) {
	store := &fakeStore{}
	e := NewExporter(store, nil, testLogger())
	ticks := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, ticks, nopReporter{})
		close(done)
	}()

	n, timing := rooted(1, 1)
	e.Observe(n, timing, true)
	ticks <- time.Now()
	require.Eventually(t, func() bool { return len(store.rows()) == 1 }, waitFor, 5*time.Millisecond)

	n, timing = rooted(2, 2)
	e.Observe(n, timing, true)
	cancel()
	<-done
	assert.Len(t, store.rows(), 2)
}

func TestExporterFlushesWhenRunStops(t *testing.T) {
	c, _, seen := newTestController(t)
	store := &fakeStore{}
	e := NewExporter(store, nil, testLogger())
	c.OnApply(e.Observe)

	ticks, unregister := c.Ticks()
	defer unregister()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, ticks, nopReporter{})

	conn := &fakeConn{}
	require.NoError(t, c.SetConnection(ctx, conn))
	conn.lastRich().ch <- types.FirstShredReceived{SlotEvent: ev(8, 0)}
	conn.lastRich().ch <- types.Rooted{SlotEvent: ev(8, 400)}
	nextApplied(t, seen)
	nextApplied(t, seen)

	// No tick fired during the run, stopping flushes the queue.
	c.Stop()
	require.Eventually(t, func() bool { return len(store.rows()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(8), store.rows()[0].Slot)
}
