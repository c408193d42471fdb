package slot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slotwatch/config"
	"slotwatch/types"
	"slotwatch/utils"
)

// TimingStore receives exported slot rows.
type TimingStore interface {
	InsertSlotTimings(rows []*types.SlotTimingRow) error
}

// Exporter queues a row for every slot that becomes rooted or dead and
// writes the queue to a TimingStore on each tick. A slot is exported once,
// even when it shows up again in a later run.
type Exporter struct {
	store     TimingStore
	leaders   LeaderLookup
	logger    *slog.Logger
	batchSize int

	mu      sync.Mutex
	pending []*types.SlotTimingRow
	seen    *utils.SeenCache[uint64]
}

func NewExporter(store TimingStore, leaders LeaderLookup, logger *slog.Logger) *Exporter {
	return &Exporter{
		store:     store,
		leaders:   leaders,
		logger:    logger,
		batchSize: config.EXPORT_BATCH_SIZE,
		seen:      utils.NewSeenCache[uint64](config.EXPORT_CACHE_CAPACITY),
	}
}

// Observe is an ApplyHook.
func (e *Exporter) Observe(n types.Notification, timing types.SlotTiming, applied bool) {
	if !applied || !timing.IsFinished() {
		return
	}
	slot := n.NotificationSlot()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seen.Add(slot) {
		return
	}
	var leader string
	if e.leaders != nil {
		leader, _ = e.leaders.Leader(slot)
	}
	e.pending = append(e.pending, types.NewSlotTimingRow(slot, leader, timing))
}

// Pending returns the number of queued rows.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush writes queued rows in batches. Rows of a failed batch stay queued,
// capped at ten batches; the oldest are dropped beyond that.
func (e *Exporter) Flush() error {
	e.mu.Lock()
	rows := e.pending
	e.pending = nil
	e.mu.Unlock()

	for len(rows) > 0 {
		n := min(len(rows), e.batchSize)
		if err := e.store.InsertSlotTimings(rows[:n]); err != nil {
			e.requeue(rows)
			return fmt.Errorf("failed to insert slot timings: %w", err)
		}
		e.logger.Info("Inserted slot timings", "count", n, "first_slot", rows[0].Slot, "last_slot", rows[n-1].Slot)
		rows = rows[n:]
	}
	return nil
}

func (e *Exporter) requeue(rows []*types.SlotTimingRow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(rows, e.pending...)
	if limit := 10 * e.batchSize; len(e.pending) > limit {
		dropped := len(e.pending) - limit
		e.pending = e.pending[dropped:]
		e.logger.Warn("Export queue full, dropped oldest slot timings", "dropped", dropped)
	}
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (e *Exporter) Run(ctx context.Context, ticks <-chan time.Time, reporter utils.Reporter) {
	for {
		select {
		case <-ctx.Done():
			if err := e.Flush(); err != nil {
				reporter.Report(err, "Final slot timing export failed")
			}
			return
		case <-ticks:
			if err := e.Flush(); err != nil {
				reporter.Report(err, "Slot timing export failed, retrying next tick")
			}
		}
	}
}
