package amortization

import (
	"time"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"gorm.io/gorm"
)

// PercentFull is the basis-point sum a complete schedule must reach.
const PercentFull = 10_000

// Entry is one scheduled principal repayment. Percentages are basis points
// of the original face value; a valid schedule sums to exactly PercentFull.
type Entry struct {
	gorm.Model   `json:"-"`
	InstrumentID string     `gorm:"index:idx_amort_seq,unique,priority:1" json:"instrument_id"`
	Sequence     int        `gorm:"index:idx_amort_seq,unique,priority:2" json:"sequence"`
	DueDate      time.Time  `json:"due_date"`
	PercentBps   int64      `json:"percent_bps"`
	Executed     bool       `json:"executed"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

// ScheduleRequest carries a full schedule to register in one call.
type ScheduleRequest struct {
	Entries []ScheduleEntry `json:"entries" binding:"required"`
}

// ScheduleEntry is one (date, percentage) pair of a schedule request.
type ScheduleEntry struct {
	DueDate    time.Time `json:"due_date" binding:"required"`
	PercentBps int64     `json:"percent_bps" binding:"required"`
}

// ExecutionResponse reports one executed amortization.
type ExecutionResponse struct {
	InstrumentID     string         `json:"instrument_id"`
	Sequence         int            `json:"sequence"`
	PercentBps       int64          `json:"percent_bps"`
	PerUnitReduction fixedpoint.Dec `json:"per_unit_reduction"` // MoneyScale, face
	PerUnitPayment   fixedpoint.Dec `json:"per_unit_payment"`   // MoneyScale, indexed
	TotalPayment     fixedpoint.Dec `json:"total_payment"`      // MoneyScale
	OutstandingFace  fixedpoint.Dec `json:"outstanding_face"`   // per unit after execution
	ExecutedAt       time.Time      `json:"executed_at"`
}
