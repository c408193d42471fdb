package db

import (
	"slotwatch/types"
)

// Database is the export sink. The watcher only ever writes to it.
type Database interface {
	Close() error
	EnsureDatabaseExists() error
	CreateTables() error
	DropTables() error

	InsertSlotTimings(rows []*types.SlotTimingRow) error
	InsertSlotLeaders(leaders types.SlotLeaders) error

	QueryLastSlotLeader() (uint64, error)
}
