package types

import (
	MapSet "github.com/deckarep/golang-set/v2"
)

// SlotLeader represents a mapping of a slot to its leader (validator)
type SlotLeader struct {
	Slot   uint64 `ch:"slot"`
	Leader string `ch:"leader"`
}

type SlotLeaders []*SlotLeader

// LeaderSchedule is the leader schedule of one epoch. Leaders maps a
// validator identity to the epoch-relative indices of the slots it leads;
// SlotOffset is the absolute slot of index 0.
type LeaderSchedule struct {
	SlotOffset uint64
	Leaders    map[string]MapSet.Set[uint64]
}

// NewLeaderSchedule builds a schedule from the getLeaderSchedule response
// shape (identity -> slot indices).
func NewLeaderSchedule(slotOffset uint64, schedule map[string][]uint64) *LeaderSchedule {
	leaders := make(map[string]MapSet.Set[uint64], len(schedule))
	for identity, indices := range schedule {
		leaders[identity] = MapSet.NewThreadUnsafeSet(indices...)
	}
	return &LeaderSchedule{
		SlotOffset: slotOffset,
		Leaders:    leaders,
	}
}

// NumSlots returns the number of scheduled slots.
func (s *LeaderSchedule) NumSlots() int {
	n := 0
	for _, indices := range s.Leaders {
		n += indices.Cardinality()
	}
	return n
}

// SlotLeaders flattens the schedule into absolute slot rows.
func (s *LeaderSchedule) SlotLeaders() SlotLeaders {
	res := make(SlotLeaders, 0, s.NumSlots())
	for identity, indices := range s.Leaders {
		for idx := range indices.Iter() {
			res = append(res, &SlotLeader{Slot: s.SlotOffset + idx, Leader: identity})
		}
	}
	return res
}
