package amortization

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

// DB exposes the underlying connection for transactional execution writes.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// ListEntries returns the full schedule for an instrument in sequence order.
func (d *Database) ListEntries(instrumentID string) ([]Entry, error) {
	var entries []Entry
	if err := d.db.Where("instrument_id = ?", instrumentID).
		Order("sequence").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list amortization entries: %w", err)
	}
	return entries, nil
}

func (d *Database) GetEntry(instrumentID string, sequence int) (*Entry, error) {
	var entry Entry
	if err := d.db.Where("instrument_id = ? AND sequence = ?", instrumentID, sequence).
		First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// CreateEntries writes a whole schedule in one transaction.
func (d *Database) CreateEntries(entries []Entry) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for i := range entries {
			if err := tx.Create(&entries[i]).Error; err != nil {
				return fmt.Errorf("failed to create amortization entry: %w", err)
			}
		}
		return nil
	})
}
