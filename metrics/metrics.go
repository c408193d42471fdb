// Package metrics exposes slot latencies and watcher state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotwatch/types"
)

// Stage names, each measured from the slot's first shred
const (
	StageFull        = "full"
	StageBankCreated = "bank_created"
	StageFrozen      = "frozen"
	StageDead        = "dead"
	StageConfirmed   = "confirmed"
	StageRooted      = "rooted"
)

// Recorder turns applied notifications into metrics. Observe is an
// ApplyHook; Refresh is meant to run on ticks.
type Recorder struct {
	notifications *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec
	targetSlot    prometheus.Gauge
	windowSize    prometheus.Gauge
	leaderSlots   prometheus.Gauge
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotwatch",
			Name:      "notifications_total",
			Help:      "Slot update notifications applied to the window, by type",
		}, []string{"type"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotwatch",
			Name:      "notifications_dropped_total",
			Help:      "Slot update notifications that changed nothing (unknown slot or duplicate root), by type",
		}, []string{"type"}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slotwatch",
			Name:      "slot_stage_seconds",
			Help:      "Time from first shred received to each slot stage",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		targetSlot: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotwatch",
			Name:      "target_slot",
			Help:      "Highest slot seen in the current run",
		}),
		windowSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotwatch",
			Name:      "window_slots",
			Help:      "Slots held in the current window",
		}),
		leaderSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotwatch",
			Name:      "leader_schedule_slots",
			Help:      "Slots covered by the loaded leader schedule",
		}),
	}
}

func (r *Recorder) Observe(n types.Notification, timing types.SlotTiming, applied bool) {
	if !applied {
		r.dropped.WithLabelValues(n.Kind()).Inc()
		return
	}
	r.notifications.WithLabelValues(n.Kind()).Inc()

	var stage string
	switch n.(type) {
	case types.ShredsFull:
		stage = StageFull
	case types.BankCreated:
		stage = StageBankCreated
	case types.ReplayFrozen:
		stage = StageFrozen
	case types.ReplayFailed:
		stage = StageDead
	case types.OptimisticConfirmation:
		stage = StageConfirmed
	case types.Rooted:
		stage = StageRooted
	default:
		return
	}
	elapsed := types.Elapsed(timing.FirstShred, n.NotificationTime())
	r.stageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// WindowSource is the part of the aggregator Refresh reads.
type WindowSource interface {
	Len() int
	TargetSlot() (uint64, bool)
}

func (r *Recorder) Refresh(window WindowSource) {
	r.windowSize.Set(float64(window.Len()))
	if target, ok := window.TargetSlot(); ok {
		r.targetSlot.Set(float64(target))
	}
}

func (r *Recorder) SetLeaderSchedule(schedule *types.LeaderSchedule) {
	if schedule == nil {
		r.leaderSlots.Set(0)
		return
	}
	r.leaderSlots.Set(float64(schedule.NumSlots()))
}

// Serve serves /metrics from gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	svr := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svr.Shutdown(shutdownCtx)
	}()

	if err := svr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
