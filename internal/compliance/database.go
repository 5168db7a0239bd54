package compliance

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateRegistry(registry *Registry) error {
	return d.db.Create(registry).Error
}

func (d *Database) GetRegistry(instrumentID string) (*Registry, error) {
	var registry Registry
	if err := d.db.Where("instrument_id = ?", instrumentID).First(&registry).Error; err != nil {
		return nil, err
	}
	return &registry, nil
}

func (d *Database) UpdateRegistry(registry *Registry) error {
	return d.db.Save(registry).Error
}

// IsMember reports whether a holder is on the given list.
func (d *Database) IsMember(instrumentID, listType, holderID string) (bool, error) {
	var entry ListEntry
	err := d.db.Where("instrument_id = ? AND list_type = ? AND holder_id = ?",
		instrumentID, listType, holderID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check list membership: %w", err)
	}
	return true, nil
}

// AddMembers inserts memberships, skipping holders already present so re-adds
// stay idempotent.
func (d *Database) AddMembers(instrumentID, listType string, holderIDs []string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for _, holderID := range holderIDs {
			var existing ListEntry
			err := tx.Where("instrument_id = ? AND list_type = ? AND holder_id = ?",
				instrumentID, listType, holderID).First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to check list membership: %w", err)
			}
			entry := ListEntry{InstrumentID: instrumentID, ListType: listType, HolderID: holderID}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("failed to add list member: %w", err)
			}
		}
		return nil
	})
}

// RemoveMembers deletes memberships; absent holders are a no-op.
func (d *Database) RemoveMembers(instrumentID, listType string, holderIDs []string) error {
	return d.db.Where("instrument_id = ? AND list_type = ? AND holder_id IN ?",
		instrumentID, listType, holderIDs).Delete(&ListEntry{}).Error
}

// ListMembers returns every holder on the given list.
func (d *Database) ListMembers(instrumentID, listType string) ([]string, error) {
	var entries []ListEntry
	if err := d.db.Where("instrument_id = ? AND list_type = ?", instrumentID, listType).
		Order("holder_id").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	holders := make([]string, 0, len(entries))
	for _, entry := range entries {
		holders = append(holders, entry.HolderID)
	}
	return holders, nil
}
