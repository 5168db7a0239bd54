package oracle

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

// CreateRate registers new rate metadata.
func (d *Database) CreateRate(rate *Rate) error {
	return d.db.Create(rate).Error
}

// GetRate retrieves rate metadata by its id.
func (d *Database) GetRate(rateID string) (*Rate, error) {
	var rate Rate
	if err := d.db.Where("rate_id = ?", rateID).First(&rate).Error; err != nil {
		return nil, err
	}
	return &rate, nil
}

// UpdateRate persists mutated rate metadata.
func (d *Database) UpdateRate(rate *Rate) error {
	return d.db.Save(rate).Error
}

// ListRates returns all registered rates.
func (d *Database) ListRates() ([]Rate, error) {
	var rates []Rate
	if err := d.db.Order("rate_id").Find(&rates).Error; err != nil {
		return nil, fmt.Errorf("failed to list rates: %w", err)
	}
	return rates, nil
}

// GetLatestObservation returns the highest-round observation for a rate.
func (d *Database) GetLatestObservation(rateID string) (*Observation, error) {
	var obs Observation
	if err := d.db.Where("rate_id = ?", rateID).
		Order("round_id DESC").
		First(&obs).Error; err != nil {
		return nil, err
	}
	return &obs, nil
}

// GetObservationByRound returns the observation stored for a specific round.
func (d *Database) GetObservationByRound(rateID string, roundID uint64) (*Observation, error) {
	var obs Observation
	if err := d.db.Where("rate_id = ? AND round_id = ?", rateID, roundID).
		First(&obs).Error; err != nil {
		return nil, err
	}
	return &obs, nil
}

// GetHistory returns up to limit observations, most recent first.
func (d *Database) GetHistory(rateID string, limit int) ([]Observation, error) {
	var history []Observation
	if err := d.db.Where("rate_id = ?", rateID).
		Order("round_id DESC").
		Limit(limit).
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch rate history: %w", err)
	}
	return history, nil
}

// ApplyUpdate stores an accepted observation and the advanced round counter in
// one transaction so a failure leaves prior state untouched.
func (d *Database) ApplyUpdate(rate *Rate, obs *Observation) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(obs).Error; err != nil {
			return fmt.Errorf("failed to store observation: %w", err)
		}
		if err := tx.Save(rate).Error; err != nil {
			return fmt.Errorf("failed to advance rate round: %w", err)
		}
		return nil
	})
}
