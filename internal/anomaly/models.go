package anomaly

import (
	"time"

	"gorm.io/gorm"
)

// Finding kinds.
const (
	KindValueSpike = "VALUE_SPIKE"
	KindStaleData  = "STALE_DATA"
	KindVelocity   = "VELOCITY"
)

// Severity levels, ordered by score.
const (
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Finding is one persisted detection. Findings are advisory: they never block
// oracle updates or accrual runs.
type Finding struct {
	gorm.Model `json:"-"`
	RateID     string    `gorm:"index" json:"rate_id"`
	RoundID    uint64    `json:"round_id"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	Score      float64   `json:"score"` // z-score, heartbeat ratio or velocity ratio
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// Params tunes the detector thresholds.
type Params struct {
	StdThreshold      float64 // z-score above which a value is a spike
	VelocityThreshold float64 // max daily relative change, 0.5 = 50%
	MinHistorySize    int     // observations needed for statistics
	LookbackRounds    int     // history window per scan
}

// DefaultParams are the conventional detector thresholds.
func DefaultParams() Params {
	return Params{
		StdThreshold:      3.0,
		VelocityThreshold: 0.5,
		MinHistorySize:    5,
		LookbackRounds:    30,
	}
}
