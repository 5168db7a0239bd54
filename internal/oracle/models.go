package oracle

import (
	"time"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"gorm.io/gorm"
)

// Rate holds the registration metadata for a named macro rate. Created once by
// AddRate; bounds and the active flag are the only admin-mutable fields. Rows
// are never deleted.
type Rate struct {
	gorm.Model       `json:"-"`
	RateID           string         `gorm:"uniqueIndex" json:"rate_id"`
	Description      string         `json:"description"`
	Decimals         int            `json:"decimals"`
	HeartbeatSeconds int64          `json:"heartbeat_seconds"`
	MinAnswer        fixedpoint.Dec `gorm:"type:text" json:"min_answer"`
	MaxAnswer        fixedpoint.Dec `gorm:"type:text" json:"max_answer"`
	Active           bool           `json:"active"`
	LatestRound      uint64         `json:"latest_round"`
}

// Observation is one accepted rate update. Rounds are monotonically increasing
// per rate and the observed real-world date never decreases across rounds.
type Observation struct {
	gorm.Model   `json:"-"`
	RateID       string         `gorm:"index:idx_rate_round,unique,priority:1" json:"rate_id"`
	RoundID      uint64         `gorm:"index:idx_rate_round,unique,priority:2" json:"round_id"`
	Answer       fixedpoint.Dec `gorm:"type:text" json:"answer"`
	ObservedDate int            `json:"observed_date"` // integer YYYYMMDD
	Source       string         `json:"source"`
	IngestedAt   time.Time      `json:"ingested_at"`
}

// RateResponse is the latest-value read surface for a rate.
type RateResponse struct {
	RateID       string         `json:"rate_id"`
	Answer       fixedpoint.Dec `json:"answer"`
	ObservedDate int            `json:"observed_date"`
	Source       string         `json:"source"`
	RoundID      uint64         `json:"round_id"`
	IngestedAt   time.Time      `json:"ingested_at"`
	Stale        bool           `json:"stale"`
}

// RoundData is the round-indexed view kept shape-compatible with external
// rate-consumer conventions.
type RoundData struct {
	RoundID         uint64         `json:"round_id"`
	Answer          fixedpoint.Dec `json:"answer"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	AnsweredInRound uint64         `json:"answered_in_round"`
}

// UpdateEntry is one element of a batch ingestion request.
type UpdateEntry struct {
	RateID       string         `json:"rate_id" binding:"required"`
	Answer       fixedpoint.Dec `json:"answer"`
	ObservedDate int            `json:"observed_date" binding:"required"`
	Source       string         `json:"source"`
}

// SkippedEntry reports why a batch entry was not applied.
type SkippedEntry struct {
	RateID string `json:"rate_id"`
	Reason string `json:"reason"`
}

// BatchResult summarizes a best-effort batch ingestion.
type BatchResult struct {
	Applied int            `json:"applied"`
	Skipped []SkippedEntry `json:"skipped"`
}

// RateConfig seeds a rate registration with the conventional heartbeat and
// circuit-breaker bounds for that family.
type RateConfig struct {
	RateID           string
	Description      string
	HeartbeatSeconds int64
	MinAnswer        int64
	MaxAnswer        int64
}

// DefaultRateConfigs lists the Brazilian macro rate families the platform
// tracks, with bounds scaled by fixedpoint.RateScale (8 decimals).
var DefaultRateConfigs = []RateConfig{
	{RateID: "IPCA", Description: "IPCA - Consumer Price Index (Monthly YoY %)", HeartbeatSeconds: 35 * 24 * 3600, MinAnswer: -10_00000000, MaxAnswer: 100_00000000},
	{RateID: "CDI", Description: "CDI - Interbank Deposit Rate (Annualized %)", HeartbeatSeconds: 2 * 24 * 3600, MinAnswer: 0, MaxAnswer: 50_00000000},
	{RateID: "SELIC", Description: "SELIC - Central Bank Target Rate (%)", HeartbeatSeconds: 2 * 24 * 3600, MinAnswer: 0, MaxAnswer: 50_00000000},
	{RateID: "PTAX", Description: "PTAX - Official USD/BRL Exchange Rate", HeartbeatSeconds: 2 * 24 * 3600, MinAnswer: 1_00000000, MaxAnswer: 15_00000000},
	{RateID: "IGPM", Description: "IGP-M - General Market Price Index (Monthly %)", HeartbeatSeconds: 35 * 24 * 3600, MinAnswer: -10_00000000, MaxAnswer: 100_00000000},
	{RateID: "TR", Description: "TR - Reference Rate (%)", HeartbeatSeconds: 2 * 24 * 3600, MinAnswer: 0, MaxAnswer: 50_00000000},
}
