package types

import "time"

// SlotTimingRow is the flattened, exported form of a finished slot
type SlotTimingRow struct {
	Slot        uint64     `ch:"slot"`
	Leader      string     `ch:"leader"`
	Parent      *uint64    `ch:"parent"`
	FirstShred  time.Time  `ch:"firstShred"`
	FullSlot    *time.Time `ch:"fullSlot"`
	CreatedBank *time.Time `ch:"createdBank"`
	Frozen      *time.Time `ch:"frozen"`
	Dead        *time.Time `ch:"dead"`
	Err         string     `ch:"err"`
	Confirmed   *time.Time `ch:"confirmed"`
	Rooted      *time.Time `ch:"rooted"`

	NumTransactionEntries     uint64 `ch:"numTransactionEntries"`
	NumSuccessfulTransactions uint64 `ch:"numSuccessfulTransactions"`
	NumFailedTransactions     uint64 `ch:"numFailedTransactions"`
	MaxTransactionsPerEntry   uint64 `ch:"maxTransactionsPerEntry"`
}

func NewSlotTimingRow(slot uint64, leader string, t SlotTiming) *SlotTimingRow {
	t = t.Clone()
	row := &SlotTimingRow{
		Slot:        slot,
		Leader:      leader,
		Parent:      t.Parent,
		FirstShred:  t.FirstShred,
		FullSlot:    t.FullSlot,
		CreatedBank: t.CreatedBank,
		Frozen:      t.Frozen,
		Dead:        t.Dead,
		Err:         t.Err,
		Confirmed:   t.Confirmed,
		Rooted:      t.Rooted,
	}
	if t.Stats != nil {
		row.NumTransactionEntries = t.Stats.NumTransactionEntries
		row.NumSuccessfulTransactions = t.Stats.NumSuccessfulTransactions
		row.NumFailedTransactions = t.Stats.NumFailedTransactions
		row.MaxTransactionsPerEntry = t.Stats.MaxTransactionsPerEntry
	}
	return row
}
