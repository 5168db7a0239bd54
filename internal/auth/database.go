package auth

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

func (d *Database) CreateParticipant(participant *Participant) error {
	if err := d.db.Create(participant).Error; err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

// GetParticipantByAPIKey returns nil without an error when no participant
// carries the key, so credential misses map to ErrInvalidCredentials upstream.
func (d *Database) GetParticipantByAPIKey(apiKey string) (*Participant, error) {
	var participant Participant
	err := d.db.Where("api_key = ?", apiKey).First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up participant: %w", err)
	}
	return &participant, nil
}

func (d *Database) GetParticipant(participantID string) (*Participant, error) {
	var participant Participant
	if err := d.db.Where("participant_id = ?", participantID).First(&participant).Error; err != nil {
		return nil, err
	}
	return &participant, nil
}
