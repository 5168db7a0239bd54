package instrument

import (
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying connection for cross-service transactions.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) GetInstrument(instrumentID string) (*Instrument, error) {
	var inst Instrument
	if err := d.db.Where("instrument_id = ?", instrumentID).First(&inst).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

func (d *Database) GetInstrumentByISIN(isin string) (*Instrument, error) {
	var inst Instrument
	if err := d.db.Where("isin_code = ?", isin).First(&inst).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

func (d *Database) ListInstruments() ([]Instrument, error) {
	var instruments []Instrument
	if err := d.db.Order("instrument_id").Find(&instruments).Error; err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	return instruments, nil
}

func (d *Database) GetAccrualState(instrumentID string) (*AccrualState, error) {
	var state AccrualState
	if err := d.db.Where("instrument_id = ?", instrumentID).First(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

func (d *Database) UpdateAccrualState(state *AccrualState) error {
	return d.db.Save(state).Error
}

// CreateInstrument persists the terms and initial accrual state atomically.
func (d *Database) CreateInstrument(inst *Instrument, state *AccrualState) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inst).Error; err != nil {
			return fmt.Errorf("failed to create instrument: %w", err)
		}
		if err := tx.Create(state).Error; err != nil {
			return fmt.Errorf("failed to seed accrual state: %w", err)
		}
		return nil
	})
}

// SaveTransition persists a status change and its audit row atomically.
func (d *Database) SaveTransition(inst *Instrument, changes []StatusChange) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(inst).Error; err != nil {
			return fmt.Errorf("failed to update instrument status: %w", err)
		}
		for i := range changes {
			if err := tx.Create(&changes[i]).Error; err != nil {
				return fmt.Errorf("failed to record status change: %w", err)
			}
		}
		return nil
	})
}

// GetStatusHistory returns the lifecycle audit trail, oldest first.
func (d *Database) GetStatusHistory(instrumentID string) ([]StatusChange, error) {
	var history []StatusChange
	if err := d.db.Where("instrument_id = ?", instrumentID).
		Order("id").
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch status history: %w", err)
	}
	return history, nil
}
