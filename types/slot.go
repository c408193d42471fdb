package types

import "time"

// SlotStats are the replay counters a node attaches to a frozen bank
type SlotStats struct {
	NumTransactionEntries     uint64 `json:"numTransactionEntries" ch:"numTransactionEntries"`
	NumSuccessfulTransactions uint64 `json:"numSuccessfulTransactions" ch:"numSuccessfulTransactions"`
	NumFailedTransactions     uint64 `json:"numFailedTransactions" ch:"numFailedTransactions"`
	MaxTransactionsPerEntry   uint64 `json:"maxTransactionsPerEntry" ch:"maxTransactionsPerEntry"`
}

// SlotTiming is the timeline of one slot, as observed by this process.
// FirstShred is always set, every other field is filled in as the matching
// notification arrives.
type SlotTiming struct {
	FirstShred  time.Time  // first shred received
	Parent      *uint64    // parent slot, set with CreatedBank
	FullSlot    *time.Time // all shreds received
	CreatedBank *time.Time // bank created, replay starts
	Frozen      *time.Time // replay finished successfully
	Stats       *SlotStats // set with Frozen
	Dead        *time.Time // replay failed
	Err         string     // set with Dead
	Confirmed   *time.Time // optimistically confirmed
	Rooted      *time.Time // rooted, first notification wins
}

// Clone returns a deep copy, so callers can keep it after the window changes.
func (t SlotTiming) Clone() SlotTiming {
	c := t
	c.Parent = clonePtr(t.Parent)
	c.FullSlot = clonePtr(t.FullSlot)
	c.CreatedBank = clonePtr(t.CreatedBank)
	c.Frozen = clonePtr(t.Frozen)
	c.Stats = clonePtr(t.Stats)
	c.Dead = clonePtr(t.Dead)
	c.Confirmed = clonePtr(t.Confirmed)
	c.Rooted = clonePtr(t.Rooted)
	return c
}

// IsDead reports whether replay of the slot failed.
func (t SlotTiming) IsDead() bool {
	return t.Dead != nil
}

// IsFinished reports whether the slot will not change any more in normal
// operation: it is either rooted or dead.
func (t SlotTiming) IsFinished() bool {
	return t.Rooted != nil || t.Dead != nil
}

// Since returns the time from the first shred to at, or false if at is unset.
func (t SlotTiming) Since(at *time.Time) (time.Duration, bool) {
	if at == nil {
		return 0, false
	}
	return Elapsed(t.FirstShred, *at), true
}

// Elapsed returns to - from, clamped at zero. Timestamps come from the node's
// wall clock and can be slightly out of order.
func Elapsed(from, to time.Time) time.Duration {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
