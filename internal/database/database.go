package database

import (
	"github.com/delosfi/debenture-api/internal/amortization"
	"github.com/delosfi/debenture-api/internal/anomaly"
	"github.com/delosfi/debenture-api/internal/auth"
	"github.com/delosfi/debenture-api/internal/compliance"
	"github.com/delosfi/debenture-api/internal/coupon"
	"github.com/delosfi/debenture-api/internal/instrument"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/internal/payment"
	"github.com/delosfi/debenture-api/internal/scheduler"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection with every
// schema migrated.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs the schema migrations on an existing connection. Split out so
// tests can migrate an in-memory database.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&auth.Participant{},
		&oracle.Rate{},
		&oracle.Observation{},
		&instrument.Instrument{},
		&instrument.AccrualState{},
		&instrument.StatusChange{},
		&ledger.Balance{},
		&ledger.Snapshot{},
		&coupon.Coupon{},
		&coupon.Claim{},
		&coupon.State{},
		&amortization.Entry{},
		&compliance.Registry{},
		&compliance.ListEntry{},
		&payment.Account{},
		&anomaly.Finding{},
		&scheduler.RunRecord{},
	)
}
