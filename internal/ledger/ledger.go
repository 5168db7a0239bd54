// Package ledger tracks unit positions per instrument and the balance
// snapshots that fix pro-rata entitlements at record dates. It carries no
// compliance or lifecycle knowledge; callers gate transfers before moving
// units.
package ledger

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrInsufficientUnits = errors.New("insufficient unit balance")
	ErrInvalidAmount     = errors.New("unit amount must be positive")
)

// Service owns the unit balance table.
type Service struct {
	db *gorm.DB
}

// NewService creates a new ledger service with the given database connection.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Seed credits the full unit supply to the issuer for a freshly created
// instrument.
func (s *Service) Seed(instrumentID, issuerID string, units int64) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	balance := Balance{InstrumentID: instrumentID, HolderID: issuerID, Units: units}
	if err := s.db.Create(&balance).Error; err != nil {
		return fmt.Errorf("failed to seed issuer balance: %w", err)
	}
	return nil
}

// BalanceOf returns a holder's live unit position. Unknown holders hold zero.
func (s *Service) BalanceOf(instrumentID, holderID string) (int64, error) {
	var balance Balance
	err := s.db.Where("instrument_id = ? AND holder_id = ?", instrumentID, holderID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return balance.Units, nil
}

// Move debits units from one holder and credits another inside a single
// transaction. Validation runs before any write.
func (s *Service) Move(instrumentID, from, to string, units int64) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var sender Balance
		if err := tx.Where("instrument_id = ? AND holder_id = ?", instrumentID, from).
			First(&sender).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInsufficientUnits
			}
			return err
		}
		if sender.Units < units {
			return ErrInsufficientUnits
		}

		var receiver Balance
		err := tx.Where("instrument_id = ? AND holder_id = ?", instrumentID, to).
			First(&receiver).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			receiver = Balance{InstrumentID: instrumentID, HolderID: to}
			if err := tx.Create(&receiver).Error; err != nil {
				return fmt.Errorf("failed to create receiver balance: %w", err)
			}
		case err != nil:
			return err
		}

		sender.Units -= units
		receiver.Units += units
		if err := tx.Save(&sender).Error; err != nil {
			return fmt.Errorf("failed to debit sender: %w", err)
		}
		if err := tx.Save(&receiver).Error; err != nil {
			return fmt.Errorf("failed to credit receiver: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("instrument_id", instrumentID).
		Str("from", from).
		Str("to", to).
		Int64("units", units).
		Str("service", "ledger").
		Msg("units moved")
	return nil
}

// WriteSnapshot freezes every current holder balance under the given key
// using the caller's transaction, so a record operation and its snapshot
// commit together. The frozen rows are returned for payout computations
// against the same view.
func (s *Service) WriteSnapshot(tx *gorm.DB, instrumentID, key string, totalUnits int64) ([]Snapshot, error) {
	var balances []Balance
	if err := tx.Where("instrument_id = ? AND units > 0", instrumentID).
		Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("failed to read balances for snapshot: %w", err)
	}
	snaps := make([]Snapshot, 0, len(balances))
	for _, balance := range balances {
		snap := Snapshot{
			InstrumentID: instrumentID,
			SnapshotKey:  key,
			HolderID:     balance.HolderID,
			Units:        balance.Units,
			TotalUnits:   totalUnits,
		}
		if err := tx.Create(&snap).Error; err != nil {
			return nil, fmt.Errorf("failed to write snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// BalanceAt returns a holder's frozen units under a snapshot key. Holders
// absent from the snapshot held zero at record time.
func (s *Service) BalanceAt(instrumentID, key, holderID string) (int64, error) {
	var snap Snapshot
	err := s.db.Where("instrument_id = ? AND snapshot_key = ? AND holder_id = ?",
		instrumentID, key, holderID).First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return snap.Units, nil
}

// SnapshotTotal returns the instrument supply recorded under a snapshot key.
func (s *Service) SnapshotTotal(instrumentID, key string) (int64, error) {
	var snap Snapshot
	err := s.db.Where("instrument_id = ? AND snapshot_key = ?", instrumentID, key).
		First(&snap).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot total: %w", err)
	}
	return snap.TotalUnits, nil
}

// Holders returns every live position for an instrument.
func (s *Service) Holders(instrumentID string) ([]Balance, error) {
	var balances []Balance
	if err := s.db.Where("instrument_id = ? AND units > 0", instrumentID).
		Order("holder_id").
		Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	return balances, nil
}
