package instrument

import (
	"time"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"gorm.io/gorm"
)

// Instrument status values. MATURED, DEFAULTED and EARLY_REDEEMED are
// terminal; REPACTUATED is the one non-terminal state and returns to ACTIVE
// within the repactuation operation.
const (
	StatusActive        = "ACTIVE"
	StatusMatured       = "MATURED"
	StatusDefaulted     = "DEFAULTED"
	StatusEarlyRedeemed = "EARLY_REDEEMED"
	StatusRepactuated   = "REPACTUATED"
)

// Rate indexation types.
const (
	IndexationFixed      = "FIXED"       // fixed annual rate only
	IndexationDISpread   = "DI_SPREAD"   // CDI plus a fixed spread
	IndexationDIPercent  = "DI_PERCENT"  // a percentage of CDI
	IndexationIPCASpread = "IPCA_SPREAD" // IPCA index plus a fixed spread
)

// Amortization bases.
const (
	AmortBullet    = "BULLET"
	AmortScheduled = "SCHEDULED"
)

// Instrument holds the issuance terms and current lifecycle status of one
// indexed debt instrument. Terms are immutable after creation except the
// spread/percent fields, which a repactuation rewrites exactly once per
// re-entry to ACTIVE.
type Instrument struct {
	gorm.Model             `json:"-"`
	InstrumentID           string         `gorm:"uniqueIndex" json:"instrument_id"`
	Name                   string         `json:"name"`
	Symbol                 string         `json:"symbol"`
	ISINCode               string         `gorm:"uniqueIndex" json:"isin_code"`
	CETIPCode              string         `json:"cetip_code"`
	Series                 string         `json:"series"`
	IssuerID               string         `json:"issuer_id"`
	TrusteeID              string         `json:"trustee_id"`
	FaceValue              fixedpoint.Dec `gorm:"type:text" json:"face_value"` // per unit, MoneyScale
	UnitCount              int64          `json:"unit_count"`
	IssueDate              time.Time      `json:"issue_date"`
	MaturityDate           time.Time      `json:"maturity_date"`
	AnniversaryDay         int            `json:"anniversary_day"`
	LockUpEndDate          time.Time      `json:"lock_up_end_date"`
	IndexationType         string         `json:"indexation_type"`
	SpreadRate             fixedpoint.Dec `gorm:"type:text" json:"spread_rate"` // SpreadScale, annual
	PercentDI              fixedpoint.Dec `gorm:"type:text" json:"percent_di"`  // multiplier at SpreadScale, 1.10x is 11000
	CouponFrequencyDays    int            `json:"coupon_frequency_days"`
	AmortizationBasis      string         `json:"amortization_basis"`
	RepactuationAllowed    bool           `json:"repactuation_allowed"`
	EarlyRedemptionAllowed bool           `json:"early_redemption_allowed"`
	Status                 string         `json:"status"`
	RepactuationCount      int            `json:"repactuation_count"`
}

// AccrualState tracks the compounding position of an instrument. Mutated only
// by the accrual engine and the amortization executor (outstanding face).
// The factor carries FactorScale precision; money values carry MoneyScale.
type AccrualState struct {
	gorm.Model         `json:"-"`
	InstrumentID       string         `gorm:"uniqueIndex" json:"instrument_id"`
	AccumulatedFactor  fixedpoint.Dec `gorm:"type:text" json:"accumulated_factor"`
	FactorAtLastCoupon fixedpoint.Dec `gorm:"type:text" json:"factor_at_last_coupon"`
	OutstandingFace    fixedpoint.Dec `gorm:"type:text" json:"outstanding_face"` // per unit, MoneyScale
	CurrentValue       fixedpoint.Dec `gorm:"type:text" json:"current_value"`    // per unit, MoneyScale
	LastIndexValue     fixedpoint.Dec `gorm:"type:text" json:"last_index_value"` // RateScale
	LastUpdateDate     time.Time      `json:"last_update_date"`
}

// StatusChange is one row of the lifecycle audit trail.
type StatusChange struct {
	gorm.Model   `json:"-"`
	InstrumentID string    `gorm:"index" json:"instrument_id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	Authority    string    `json:"authority"`
	Note         string    `json:"note"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// CreateRequest carries the issuance terms for a new instrument.
type CreateRequest struct {
	Name                   string    `json:"name" binding:"required"`
	Symbol                 string    `json:"symbol" binding:"required"`
	ISINCode               string    `json:"isin_code" binding:"required"`
	CETIPCode              string    `json:"cetip_code"`
	Series                 string    `json:"series"`
	IssuerID               string    `json:"issuer_id" binding:"required"`
	TrusteeID              string    `json:"trustee_id" binding:"required"`
	FaceValue              int64     `json:"face_value" binding:"required"` // MoneyScale
	UnitCount              int64     `json:"unit_count" binding:"required"`
	IssueDate              time.Time `json:"issue_date" binding:"required"`
	MaturityDate           time.Time `json:"maturity_date" binding:"required"`
	AnniversaryDay         int       `json:"anniversary_day"`
	LockUpEndDate          time.Time `json:"lock_up_end_date"`
	IndexationType         string    `json:"indexation_type" binding:"required"`
	SpreadRate             int64     `json:"spread_rate"` // SpreadScale
	PercentDI              int64     `json:"percent_di"`  // multiplier at SpreadScale, 1.10x is 11000
	CouponFrequencyDays    int       `json:"coupon_frequency_days" binding:"required"`
	AmortizationBasis      string    `json:"amortization_basis"`
	RepactuationAllowed    bool      `json:"repactuation_allowed"`
	EarlyRedemptionAllowed bool      `json:"early_redemption_allowed"`
}

// ValueResponse is the read surface for an instrument's accrual position.
type ValueResponse struct {
	InstrumentID      string         `json:"instrument_id"`
	CurrentValue      fixedpoint.Dec `json:"current_value"`
	ParValue          fixedpoint.Dec `json:"par_value"`
	AccumulatedFactor fixedpoint.Dec `json:"accumulated_factor"`
	OutstandingFace   fixedpoint.Dec `json:"outstanding_face"`
	LastUpdateDate    time.Time      `json:"last_update_date"`
}
