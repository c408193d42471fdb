package slot

import (
	"sync"
	"time"

	"slotwatch/types"
)

// Aggregator owns the window of slot timings for one run. Apply, RaiseTarget
// and Reset are called from the controller's run loop only; every read
// method is safe to call from other goroutines and returns copies.
type Aggregator struct {
	mu      sync.RWMutex
	timings map[uint64]*types.SlotTiming

	targetSlot      uint64
	hasTarget       bool
	latestTimestamp time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		timings: make(map[uint64]*types.SlotTiming),
	}
}

// Reset drops every record and the target slot. The latest timestamp is
// process wide and survives.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timings = make(map[uint64]*types.SlotTiming)
	a.targetSlot = 0
	a.hasTarget = false
}

// RaiseTarget moves the target slot up to slot.
func (a *Aggregator) RaiseTarget(slot uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raiseTargetLocked(slot)
}

func (a *Aggregator) raiseTargetLocked(slot uint64) {
	if !a.hasTarget || slot > a.targetSlot {
		a.targetSlot = slot
		a.hasTarget = true
	}
}

// Apply folds one notification into the window and returns a copy of the
// resulting record. applied is false when the event changed nothing: its
// slot has no record yet, the slot was already rooted, or the variant is
// unknown.
func (a *Aggregator) Apply(n types.Notification) (timing types.SlotTiming, applied bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ts := n.NotificationSlot(), n.NotificationTime()
	a.latestTimestamp = ts

	if _, ok := n.(types.FirstShredReceived); ok {
		// A restarted slot starts over, nothing of the old record is kept.
		t := &types.SlotTiming{FirstShred: ts}
		a.timings[slot] = t
		a.raiseTargetLocked(slot)
		return t.Clone(), true
	}

	t, ok := a.timings[slot]
	if !ok {
		return types.SlotTiming{}, false
	}

	switch ev := n.(type) {
	case types.ShredsFull:
		t.FullSlot = &ts
	case types.BankCreated:
		parent := ev.Parent
		t.Parent = &parent
		t.CreatedBank = &ts
	case types.ReplayFailed:
		t.Dead = &ts
		t.Err = ev.Err
	case types.ReplayFrozen:
		stats := ev.Stats
		t.Frozen = &ts
		t.Stats = &stats
	case types.OptimisticConfirmation:
		t.Confirmed = &ts
	case types.Rooted:
		// Root notifications may be delivered twice, the first one wins.
		if t.Rooted != nil {
			return t.Clone(), false
		}
		t.Rooted = &ts
	default:
		return t.Clone(), false
	}
	return t.Clone(), true
}

// Snapshot returns a copy of the whole window.
func (a *Aggregator) Snapshot() map[uint64]types.SlotTiming {
	a.mu.RLock()
	defer a.mu.RUnlock()
	res := make(map[uint64]types.SlotTiming, len(a.timings))
	for slot, t := range a.timings {
		res[slot] = t.Clone()
	}
	return res
}

// Get returns a copy of one record.
func (a *Aggregator) Get(slot uint64) (types.SlotTiming, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.timings[slot]
	if !ok {
		return types.SlotTiming{}, false
	}
	return t.Clone(), true
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.timings)
}

// SlotRange returns the lowest and highest slot in the window.
func (a *Aggregator) SlotRange() (lo, hi uint64, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for slot := range a.timings {
		if !ok || slot < lo {
			lo = slot
		}
		if !ok || slot > hi {
			hi = slot
		}
		ok = true
	}
	return lo, hi, ok
}

// TargetSlot returns the highest slot seen on either channel this run.
func (a *Aggregator) TargetSlot() (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.targetSlot, a.hasTarget
}

// LatestTimestamp returns the timestamp of the last notification applied.
func (a *Aggregator) LatestTimestamp() (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latestTimestamp, !a.latestTimestamp.IsZero()
}
