package slot

import (
	"slotwatch/config"
	"slotwatch/types"
)

// LeaderLookup answers which validator leads a slot.
type LeaderLookup interface {
	Leader(slot uint64) (string, bool)
}

// Row is one line of the slot table. Timing is nil for a slot between two
// observed slots that never sent a first shred.
type Row struct {
	Slot   uint64
	Leader string
	Timing *types.SlotTiming
}

// Rows lists every slot from the lowest to the highest in the window, gaps
// included. With limit > 0 only the newest limit slots are listed; at most
// MAX_SLOT_ROWS are listed either way.
func Rows(agg *Aggregator, leaders LeaderLookup, limit int) []Row {
	snapshot := agg.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	var lo, hi uint64
	first := true
	for slot := range snapshot {
		if first || slot < lo {
			lo = slot
		}
		if first || slot > hi {
			hi = slot
		}
		first = false
	}
	if limit <= 0 || limit > config.MAX_SLOT_ROWS {
		limit = config.MAX_SLOT_ROWS
	}
	if hi-lo+1 > uint64(limit) {
		lo = hi - uint64(limit) + 1
	}

	rows := make([]Row, 0, hi-lo+1)
	for s := lo; ; s++ {
		row := Row{Slot: s}
		if t, ok := snapshot[s]; ok {
			row.Timing = &t
		}
		if leaders != nil {
			row.Leader, _ = leaders.Leader(s)
		}
		rows = append(rows, row)
		if s == hi {
			break
		}
	}
	return rows
}
