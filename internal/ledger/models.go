package ledger

import "gorm.io/gorm"

// Balance is a holder's live unit position in one instrument.
type Balance struct {
	gorm.Model   `json:"-"`
	InstrumentID string `gorm:"index:idx_holder_balance,unique,priority:1" json:"instrument_id"`
	HolderID     string `gorm:"index:idx_holder_balance,unique,priority:2" json:"holder_id"`
	Units        int64  `json:"units"`
}

// Snapshot is a frozen per-holder balance taken at a coupon or amortization
// record date. Claims compute pro-rata shares against these rows, never the
// live balances, so units bought after the record date carry no entitlement.
type Snapshot struct {
	gorm.Model   `json:"-"`
	InstrumentID string `gorm:"index:idx_snapshot,unique,priority:1" json:"instrument_id"`
	SnapshotKey  string `gorm:"index:idx_snapshot,unique,priority:2" json:"snapshot_key"`
	HolderID     string `gorm:"index:idx_snapshot,unique,priority:3" json:"holder_id"`
	Units        int64  `json:"units"`
	TotalUnits   int64  `json:"total_units"` // instrument supply at snapshot time
}
