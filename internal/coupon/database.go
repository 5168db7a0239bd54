package coupon

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

// DB exposes the underlying connection for transactional record operations.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) GetState(instrumentID string) (*State, error) {
	var state State
	if err := d.db.Where("instrument_id = ?", instrumentID).First(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

func (d *Database) CreateState(state *State) error {
	return d.db.Create(state).Error
}

func (d *Database) GetCoupon(instrumentID string, sequence int) (*Coupon, error) {
	var c Coupon
	if err := d.db.Where("instrument_id = ? AND sequence = ?", instrumentID, sequence).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCoupons returns every coupon for an instrument in sequence order.
func (d *Database) ListCoupons(instrumentID string) ([]Coupon, error) {
	var coupons []Coupon
	if err := d.db.Where("instrument_id = ?", instrumentID).
		Order("sequence").
		Find(&coupons).Error; err != nil {
		return nil, fmt.Errorf("failed to list coupons: %w", err)
	}
	return coupons, nil
}

// ListFundedCoupons returns the funded coupons for an instrument.
func (d *Database) ListFundedCoupons(instrumentID string) ([]Coupon, error) {
	var coupons []Coupon
	if err := d.db.Where("instrument_id = ? AND funded = ?", instrumentID, true).
		Order("sequence").
		Find(&coupons).Error; err != nil {
		return nil, fmt.Errorf("failed to list funded coupons: %w", err)
	}
	return coupons, nil
}

func (d *Database) GetClaim(instrumentID string, sequence int, holderID string) (*Claim, error) {
	var claim Claim
	if err := d.db.Where("instrument_id = ? AND sequence = ? AND holder_id = ?",
		instrumentID, sequence, holderID).First(&claim).Error; err != nil {
		return nil, err
	}
	return &claim, nil
}

// ListClaims returns every claim against one coupon.
func (d *Database) ListClaims(instrumentID string, sequence int) ([]Claim, error) {
	var claims []Claim
	if err := d.db.Where("instrument_id = ? AND sequence = ?", instrumentID, sequence).
		Order("holder_id").
		Find(&claims).Error; err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	return claims, nil
}
