// Package payment is a minimal fungible cash asset used to settle coupon and
// amortization payouts. It exists so the core has a concrete settlement leg
// in development and tests; production deployments swap in an adapter to the
// real cash rail behind the same interface.
package payment

import (
	"errors"
	"fmt"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Account is one cash balance at MoneyScale.
type Account struct {
	gorm.Model `json:"-"`
	AccountID  string         `gorm:"uniqueIndex" json:"account_id"`
	Balance    fixedpoint.Dec `gorm:"type:text" json:"balance"`
}

// Service implements the payment-asset interface over a gorm table.
type Service struct {
	db *gorm.DB
}

// NewService creates a new payment service with the given database connection.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Mint credits an account out of thin air. Development and test seeding only.
func (s *Service) Mint(account string, amount fixedpoint.Dec) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		acc, err := getOrCreate(tx, account)
		if err != nil {
			return err
		}
		acc.Balance = acc.Balance.Add(amount)
		return tx.Save(acc).Error
	})
}

// TransferTx moves cash between two accounts inside the caller's
// transaction, so payouts commit or roll back together with the state rows
// that record them.
func (s *Service) TransferTx(tx *gorm.DB, from, to string, amount fixedpoint.Dec) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	sender, err := getOrCreate(tx, from)
	if err != nil {
		return err
	}
	if sender.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account %s", ErrInsufficientFunds, from)
	}
	receiver, err := getOrCreate(tx, to)
	if err != nil {
		return err
	}
	sender.Balance = sender.Balance.Sub(amount)
	receiver.Balance = receiver.Balance.Add(amount)
	if err := tx.Save(sender).Error; err != nil {
		return fmt.Errorf("failed to debit sender: %w", err)
	}
	if err := tx.Save(receiver).Error; err != nil {
		return fmt.Errorf("failed to credit receiver: %w", err)
	}
	return nil
}

// Transfer moves cash between two accounts atomically.
func (s *Service) Transfer(from, to string, amount fixedpoint.Dec) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.TransferTx(tx, from, to, amount)
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("from", from).
		Str("to", to).
		Str("amount", amount.String()).
		Str("service", "payment").
		Msg("cash transferred")
	return nil
}

// BalanceOf returns an account's cash balance. Unknown accounts hold zero.
func (s *Service) BalanceOf(account string) (fixedpoint.Dec, error) {
	var acc Account
	err := s.db.Where("account_id = ?", account).First(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fixedpoint.Zero(), nil
		}
		return fixedpoint.Dec{}, err
	}
	return acc.Balance, nil
}

func getOrCreate(tx *gorm.DB, account string) (*Account, error) {
	var acc Account
	err := tx.Where("account_id = ?", account).First(&acc).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		acc = Account{AccountID: account, Balance: fixedpoint.Zero()}
		if err := tx.Create(&acc).Error; err != nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
	case err != nil:
		return nil, err
	}
	return &acc, nil
}

// GinHandlers contains HTTP handlers for payment endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for payment endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetBalanceHandler handles GET requests for the caller's cash balance
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := h.service.BalanceOf(c.GetString("participantID"))
		response.Handle(c, gin.H{"balance": balance}, err)
	}
}
