package compliance

import (
	"time"

	"gorm.io/gorm"
)

// List membership kinds. Whitelist and blacklist are independent sets; an
// address can sit on both, and the blacklist is always checked.
const (
	ListWhitelist = "WHITELIST"
	ListBlacklist = "BLACKLIST"
)

// Registry holds the per-instrument compliance state evaluated by the
// transfer gate.
type Registry struct {
	gorm.Model    `json:"-"`
	InstrumentID  string    `gorm:"uniqueIndex" json:"instrument_id"`
	Paused        bool      `json:"paused"`
	LockUpEndDate time.Time `json:"lock_up_end_date"`
}

// ListEntry is one whitelist or blacklist membership row.
type ListEntry struct {
	gorm.Model   `json:"-"`
	InstrumentID string `gorm:"index:idx_list_member,unique,priority:1" json:"instrument_id"`
	ListType     string `gorm:"index:idx_list_member,unique,priority:2" json:"list_type"`
	HolderID     string `gorm:"index:idx_list_member,unique,priority:3" json:"holder_id"`
}

// Decision is the outcome of a transfer evaluation.
type Decision string

const (
	DecisionAllowed        Decision = "ALLOWED"
	DecisionPaused         Decision = "PAUSED"
	DecisionBlacklisted    Decision = "BLACKLISTED"
	DecisionNotWhitelisted Decision = "NOT_WHITELISTED"
	DecisionLockedUp       Decision = "LOCK_UP"
)

// TransferCheck carries the inputs for one gate evaluation. SenderExempt is
// set by the caller for issuer/trustee parties, which are not bound by the
// lock-up window.
type TransferCheck struct {
	From         string
	To           string
	Now          time.Time
	SenderExempt bool
}
