package types

import "time"

// Slot update kinds as named by the node's slotsUpdatesSubscribe
const (
	KindFirstShredReceived     = "firstShredReceived"
	KindCompleted              = "completed"
	KindShredsFull             = "shredsFull"
	KindCreatedBank            = "createdBank"
	KindDead                   = "dead"
	KindFrozen                 = "frozen"
	KindOptimisticConfirmation = "optimisticConfirmation"
	KindRoot                   = "root"
)

// Notification is one slot lifecycle event from the rich slot-update channel.
// The concrete type is one of the variants below.
type Notification interface {
	NotificationSlot() uint64
	NotificationTime() time.Time
	Kind() string

	notification()
}

// SlotEvent carries the fields every notification has. Timestamp is the
// node's receipt time of the event, not chain time.
type SlotEvent struct {
	Slot      uint64
	Timestamp time.Time
}

func (e SlotEvent) NotificationSlot() uint64    { return e.Slot }
func (e SlotEvent) NotificationTime() time.Time { return e.Timestamp }
func (SlotEvent) notification()                 {}

// FirstShredReceived opens the slot's record
type FirstShredReceived struct{ SlotEvent }

// ShredsFull means all shreds of the slot were received
type ShredsFull struct{ SlotEvent }

// BankCreated means replay of the slot starts on top of Parent
type BankCreated struct {
	SlotEvent
	Parent uint64
}

// ReplayFailed means the slot was marked dead
type ReplayFailed struct {
	SlotEvent
	Err string
}

// ReplayFrozen means replay finished and the bank was frozen
type ReplayFrozen struct {
	SlotEvent
	Stats SlotStats
}

// OptimisticConfirmation means the slot reached optimistic confirmation
type OptimisticConfirmation struct{ SlotEvent }

// Rooted means the slot was rooted. May be delivered more than once.
type Rooted struct{ SlotEvent }

func (FirstShredReceived) Kind() string     { return KindFirstShredReceived }
func (ShredsFull) Kind() string             { return KindCompleted }
func (BankCreated) Kind() string            { return KindCreatedBank }
func (ReplayFailed) Kind() string           { return KindDead }
func (ReplayFrozen) Kind() string           { return KindFrozen }
func (OptimisticConfirmation) Kind() string { return KindOptimisticConfirmation }
func (Rooted) Kind() string                 { return KindRoot }

// SlotChange is an event of the legacy slotSubscribe channel. It only
// tells the current head.
type SlotChange struct {
	Slot   uint64 `json:"slot"`
	Parent uint64 `json:"parent"`
	Root   uint64 `json:"root"`
}

// SlotUpdate is the wire form of a slotsUpdatesNotification result
type SlotUpdate struct {
	Slot      uint64     `json:"slot"`
	Timestamp int64      `json:"timestamp"` // unix millis
	Type      string     `json:"type"`
	Parent    *uint64    `json:"parent,omitempty"`
	Err       string     `json:"err,omitempty"`
	Stats     *SlotStats `json:"stats,omitempty"`
}

// Notification converts the wire form into its variant. Unknown types
// return false and are meant to be ignored.
func (u SlotUpdate) Notification() (Notification, bool) {
	ev := SlotEvent{Slot: u.Slot, Timestamp: time.UnixMilli(u.Timestamp)}
	switch u.Type {
	case KindFirstShredReceived:
		return FirstShredReceived{ev}, true
	case KindCompleted, KindShredsFull:
		return ShredsFull{ev}, true
	case KindCreatedBank:
		var parent uint64
		if u.Parent != nil {
			parent = *u.Parent
		}
		return BankCreated{SlotEvent: ev, Parent: parent}, true
	case KindDead:
		return ReplayFailed{SlotEvent: ev, Err: u.Err}, true
	case KindFrozen:
		var stats SlotStats
		if u.Stats != nil {
			stats = *u.Stats
		}
		return ReplayFrozen{SlotEvent: ev, Stats: stats}, true
	case KindOptimisticConfirmation:
		return OptimisticConfirmation{ev}, true
	case KindRoot:
		return Rooted{ev}, true
	}
	return nil, false
}
