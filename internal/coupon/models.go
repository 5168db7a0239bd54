package coupon

import (
	"time"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"gorm.io/gorm"
)

// Coupon is one recorded interest event. Once funded the amounts are
// immutable; claims draw against the escrow until every snapshot holder has
// been paid.
type Coupon struct {
	gorm.Model    `json:"-"`
	CouponID      string         `gorm:"uniqueIndex" json:"coupon_id"`
	InstrumentID  string         `gorm:"index:idx_coupon_seq,unique,priority:1" json:"instrument_id"`
	Sequence      int            `gorm:"index:idx_coupon_seq,unique,priority:2" json:"sequence"`
	RecordDate    time.Time      `json:"record_date"`
	PerUnitAmount fixedpoint.Dec `gorm:"type:text" json:"per_unit_amount"` // MoneyScale
	TotalAmount   fixedpoint.Dec `gorm:"type:text" json:"total_amount"`    // MoneyScale
	Funded        bool           `json:"funded"`
	FundedAt      *time.Time     `json:"funded_at,omitempty"`
}

// Claim marks a (coupon, holder) payout. The unique index is the double-claim
// guard of last resort; the service rejects duplicates before writing.
type Claim struct {
	gorm.Model   `json:"-"`
	InstrumentID string         `gorm:"index:idx_claim,unique,priority:1" json:"instrument_id"`
	Sequence     int            `gorm:"index:idx_claim,unique,priority:2" json:"sequence"`
	HolderID     string         `gorm:"index:idx_claim,unique,priority:3" json:"holder_id"`
	Amount       fixedpoint.Dec `gorm:"type:text" json:"amount"` // MoneyScale
	ClaimedAt    time.Time      `json:"claimed_at"`
}

// State tracks the coupon cadence per instrument.
type State struct {
	gorm.Model   `json:"-"`
	InstrumentID string    `gorm:"uniqueIndex" json:"instrument_id"`
	NextDueDate  time.Time `json:"next_due_date"`
	NextSequence int       `json:"next_sequence"`
}

// ClaimResponse reports one executed payout.
type ClaimResponse struct {
	InstrumentID string         `json:"instrument_id"`
	HolderID     string         `json:"holder_id"`
	Sequences    []int          `json:"sequences"`
	Amount       fixedpoint.Dec `json:"amount"`
	ClaimedAt    time.Time      `json:"claimed_at"`
}
