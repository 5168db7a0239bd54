package coupon

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/delosfi/debenture-api/internal/instrument"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrNotYetDue         = errors.New("coupon period not yet due")
	ErrAlreadyRecorded   = errors.New("coupon already recorded for this period")
	ErrCouponNotFound    = errors.New("coupon not found")
	ErrAlreadyFunded     = errors.New("coupon already funded")
	ErrAmountMismatch    = errors.New("funding amount does not match coupon total")
	ErrNotFunded         = errors.New("coupon not funded")
	ErrNoEligibleBalance = errors.New("holder had no balance at the record date")
	ErrAlreadyClaimed    = errors.New("coupon already claimed by holder")
	ErrNothingToClaim    = errors.New("no payable coupons for holder")
	ErrNotIssuer         = errors.New("only the issuer may fund coupons")
)

// PaymentAsset is the external fungible asset collaborator payouts settle
// through. Transfers take the caller's transaction so a payout and the state
// row recording it commit or roll back as one.
type PaymentAsset interface {
	TransferTx(tx *gorm.DB, from, to string, amount fixedpoint.Dec) error
}

// EscrowAccount derives the per-instrument escrow account funds sit in
// between funding and claims.
func EscrowAccount(instrumentID string) string {
	return "ESCROW:" + instrumentID
}

// Service records coupon events and tracks per-holder payment state.
type Service struct {
	db          *Database
	instruments *instrument.Service
	ledger      *ledger.Service
	payment     PaymentAsset
}

// NewService creates a new coupon service. The instrument service supplies
// accrual values, status gating and the shared per-instrument locks.
func NewService(gormDB *gorm.DB, instruments *instrument.Service, ledgerSvc *ledger.Service, payment PaymentAsset) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		instruments: instruments,
		ledger:      ledgerSvc,
		payment:     payment,
	}
}

func snapshotKey(sequence int) string {
	return "COUPON:" + strconv.Itoa(sequence)
}

// loadOrSeedState returns the cadence state, creating it on first use with
// the first due date one frequency after issuance.
func (s *Service) loadOrSeedState(inst *instrument.Instrument) (*State, error) {
	state, err := s.db.GetState(inst.InstrumentID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	state = &State{
		InstrumentID: inst.InstrumentID,
		NextDueDate:  inst.IssueDate.AddDate(0, 0, inst.CouponFrequencyDays),
		NextSequence: 1,
	}
	if err := s.db.CreateState(state); err != nil {
		return nil, fmt.Errorf("failed to seed coupon state: %w", err)
	}
	return state, nil
}

// RecordCoupon appends an unfunded coupon for the period due at asOf. The
// per-unit amount is the instrument's updated value times the period
// compounding rate; holder balances are snapshotted in the same transaction
// so later purchases carry no entitlement to this coupon.
func (s *Service) RecordCoupon(instrumentID string, asOf time.Time) (*Coupon, error) {
	release := s.instruments.Locks().Acquire(instrumentID)
	defer release()

	inst, err := s.instruments.RequireActive(instrumentID)
	if err != nil {
		return nil, err
	}
	state, err := s.loadOrSeedState(inst)
	if err != nil {
		return nil, err
	}
	if asOf.Before(state.NextDueDate) {
		// Every date up to the advanced due date sits inside a period that
		// was already recorded, unless nothing was recorded at all.
		if state.NextSequence > 1 {
			return nil, ErrAlreadyRecorded
		}
		return nil, fmt.Errorf("%w: due %s", ErrNotYetDue, state.NextDueDate.Format("2006-01-02"))
	}
	if _, err := s.db.GetCoupon(instrumentID, state.NextSequence); err == nil {
		return nil, ErrAlreadyRecorded
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	annual, err := s.instruments.ResolveAnnualRate(inst)
	if err != nil {
		return nil, err
	}
	accrual, err := s.instruments.AccrualStateOf(instrumentID)
	if err != nil {
		return nil, err
	}

	// Period rate over the business days since the previous record date
	// (issuance for the first coupon), DU/252 compounding.
	periodStart := inst.IssueDate
	if state.NextSequence > 1 {
		prev, err := s.db.GetCoupon(instrumentID, state.NextSequence-1)
		if err != nil {
			return nil, err
		}
		periodStart = prev.RecordDate
	}
	du := instrument.BusinessDays(periodStart, asOf)
	periodFactor := instrument.CompoundFactor(annual, du)
	periodRate := periodFactor.Sub(fixedpoint.One())

	perUnit := accrual.CurrentValue.MulScaled(periodRate, fixedpoint.FactorScale)
	total := perUnit.MulInt(inst.UnitCount)

	c := &Coupon{
		CouponID:      "CPN_" + uuid.New().String(),
		InstrumentID:  instrumentID,
		Sequence:      state.NextSequence,
		RecordDate:    asOf,
		PerUnitAmount: perUnit,
		TotalAmount:   total,
	}
	state.NextSequence++
	state.NextDueDate = state.NextDueDate.AddDate(0, 0, inst.CouponFrequencyDays)

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("failed to create coupon: %w", err)
		}
		if err := tx.Save(state).Error; err != nil {
			return fmt.Errorf("failed to advance coupon state: %w", err)
		}
		if _, err := s.ledger.WriteSnapshot(tx, instrumentID, snapshotKey(c.Sequence), inst.UnitCount); err != nil {
			return err
		}
		// Freeze the factor so par value excludes the new period's accrual.
		if err := tx.Model(&instrument.AccrualState{}).
			Where("instrument_id = ?", instrumentID).
			Update("factor_at_last_coupon", accrual.AccumulatedFactor).Error; err != nil {
			return fmt.Errorf("failed to freeze coupon factor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Int("sequence", c.Sequence).
		Uint64("business_days", du).
		Str("per_unit", perUnit.String()).
		Str("total", total.String()).
		Str("service", "coupon").
		Msg("coupon recorded")
	return c, nil
}

// Fund pulls the exact coupon total from the issuer into the instrument's
// escrow account. Issuer authority only.
func (s *Service) Fund(instrumentID string, sequence int, callerID string, amount fixedpoint.Dec) (*Coupon, error) {
	release := s.instruments.Locks().Acquire(instrumentID)
	defer release()

	inst, err := s.instruments.GetInstrument(instrumentID)
	if err != nil {
		return nil, err
	}
	if callerID != inst.IssuerID {
		return nil, ErrNotIssuer
	}
	c, err := s.db.GetCoupon(instrumentID, sequence)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	if c.Funded {
		return nil, ErrAlreadyFunded
	}
	if amount.Cmp(c.TotalAmount) != 0 {
		return nil, fmt.Errorf("%w: want %s got %s", ErrAmountMismatch, c.TotalAmount, amount)
	}

	now := time.Now().UTC()
	c.Funded = true
	c.FundedAt = &now
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.payment.TransferTx(tx, inst.IssuerID, EscrowAccount(instrumentID), amount); err != nil {
			return fmt.Errorf("failed to move funds into escrow: %w", err)
		}
		if err := tx.Save(c).Error; err != nil {
			return fmt.Errorf("failed to mark coupon funded: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Int("sequence", sequence).
		Str("amount", amount.String()).
		Str("service", "coupon").
		Msg("coupon funded")
	return c, nil
}

// entitlement computes a holder's pro-rata share of one coupon from the
// record-date snapshot, or an error if nothing is payable.
func (s *Service) entitlement(c *Coupon, holderID string) (fixedpoint.Dec, error) {
	if !c.Funded {
		return fixedpoint.Dec{}, ErrNotFunded
	}
	if _, err := s.db.GetClaim(c.InstrumentID, c.Sequence, holderID); err == nil {
		return fixedpoint.Dec{}, ErrAlreadyClaimed
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fixedpoint.Dec{}, err
	}
	units, err := s.ledger.BalanceAt(c.InstrumentID, snapshotKey(c.Sequence), holderID)
	if err != nil {
		return fixedpoint.Dec{}, err
	}
	if units == 0 {
		return fixedpoint.Dec{}, ErrNoEligibleBalance
	}
	totalUnits, err := s.ledger.SnapshotTotal(c.InstrumentID, snapshotKey(c.Sequence))
	if err != nil {
		return fixedpoint.Dec{}, err
	}
	return c.TotalAmount.MulInt(units).DivInt(totalUnits), nil
}

// Claim pays a holder's pro-rata share of one funded coupon.
func (s *Service) Claim(instrumentID string, sequence int, holderID string) (*ClaimResponse, error) {
	release := s.instruments.Locks().Acquire(instrumentID)
	defer release()

	c, err := s.db.GetCoupon(instrumentID, sequence)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	amount, err := s.entitlement(c, holderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	claim := Claim{
		InstrumentID: instrumentID,
		Sequence:     sequence,
		HolderID:     holderID,
		Amount:       amount,
		ClaimedAt:    now,
	}
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.payment.TransferTx(tx, EscrowAccount(instrumentID), holderID, amount); err != nil {
			return fmt.Errorf("failed to pay claim: %w", err)
		}
		if err := tx.Create(&claim).Error; err != nil {
			return fmt.Errorf("failed to record claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Int("sequence", sequence).
		Str("holder_id", holderID).
		Str("amount", amount.String()).
		Str("service", "coupon").
		Msg("coupon claimed")
	return &ClaimResponse{
		InstrumentID: instrumentID,
		HolderID:     holderID,
		Sequences:    []int{sequence},
		Amount:       amount,
		ClaimedAt:    now,
	}, nil
}

// ClaimAll aggregates every currently payable coupon for the holder into one
// transfer. Work is bounded by the holder's own pending set.
func (s *Service) ClaimAll(instrumentID, holderID string) (*ClaimResponse, error) {
	release := s.instruments.Locks().Acquire(instrumentID)
	defer release()

	funded, err := s.db.ListFundedCoupons(instrumentID)
	if err != nil {
		return nil, err
	}

	total := fixedpoint.Zero()
	var sequences []int
	var claims []Claim
	now := time.Now().UTC()
	for i := range funded {
		amount, err := s.entitlement(&funded[i], holderID)
		if err != nil {
			if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNoEligibleBalance) {
				continue
			}
			return nil, err
		}
		total = total.Add(amount)
		sequences = append(sequences, funded[i].Sequence)
		claims = append(claims, Claim{
			InstrumentID: instrumentID,
			Sequence:     funded[i].Sequence,
			HolderID:     holderID,
			Amount:       amount,
			ClaimedAt:    now,
		})
	}
	if len(claims) == 0 {
		return nil, ErrNothingToClaim
	}

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.payment.TransferTx(tx, EscrowAccount(instrumentID), holderID, total); err != nil {
			return fmt.Errorf("failed to pay aggregated claim: %w", err)
		}
		for i := range claims {
			if err := tx.Create(&claims[i]).Error; err != nil {
				return fmt.Errorf("failed to record claim: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Str("holder_id", holderID).
		Ints("sequences", sequences).
		Str("amount", total.String()).
		Str("service", "coupon").
		Msg("coupons claimed in aggregate")
	return &ClaimResponse{
		InstrumentID: instrumentID,
		HolderID:     holderID,
		Sequences:    sequences,
		Amount:       total,
		ClaimedAt:    now,
	}, nil
}

// ListCoupons returns the recorded coupons for an instrument.
func (s *Service) ListCoupons(instrumentID string) ([]Coupon, error) {
	return s.db.ListCoupons(instrumentID)
}

// ListClaims returns every settled claim against one coupon.
func (s *Service) ListClaims(instrumentID string, sequence int) ([]Claim, error) {
	if _, err := s.db.GetCoupon(instrumentID, sequence); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	return s.db.ListClaims(instrumentID, sequence)
}

// GinHandlers contains HTTP handlers for coupon endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for coupon endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type recordRequest struct {
	AsOf time.Time `json:"as_of" binding:"required"`
}

// RecordCouponHandler handles POST requests recording a due coupon
func (h *GinHandlers) RecordCouponHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid record payload")
			return
		}
		coupon, err := h.service.RecordCoupon(c.Param("instrument_id"), req.AsOf)
		response.Handle(c, coupon, err)
	}
}

type fundRequest struct {
	Amount fixedpoint.Dec `json:"amount"`
}

// FundCouponHandler handles POST requests moving the coupon total into escrow
func (h *GinHandlers) FundCouponHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sequence, err := strconv.Atoi(c.Param("sequence"))
		if err != nil {
			response.BadRequest(c, "Invalid coupon sequence")
			return
		}
		var req fundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid fund payload")
			return
		}
		coupon, err := h.service.Fund(c.Param("instrument_id"), sequence, c.GetString("participantID"), req.Amount)
		response.Handle(c, coupon, err)
	}
}

// ClaimHandler handles POST requests claiming one coupon for the
// authenticated holder
func (h *GinHandlers) ClaimHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sequence, err := strconv.Atoi(c.Param("sequence"))
		if err != nil {
			response.BadRequest(c, "Invalid coupon sequence")
			return
		}
		claim, err := h.service.Claim(c.Param("instrument_id"), sequence, c.GetString("participantID"))
		response.Handle(c, claim, err)
	}
}

// ClaimAllHandler handles POST requests claiming every payable coupon
func (h *GinHandlers) ClaimAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claim, err := h.service.ClaimAll(c.Param("instrument_id"), c.GetString("participantID"))
		response.Handle(c, claim, err)
	}
}

// ListCouponsHandler handles GET requests for an instrument's coupons
func (h *GinHandlers) ListCouponsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		coupons, err := h.service.ListCoupons(c.Param("instrument_id"))
		response.Handle(c, coupons, err)
	}
}

// ListClaimsHandler handles GET requests for one coupon's settled claims
func (h *GinHandlers) ListClaimsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sequence, err := strconv.Atoi(c.Param("sequence"))
		if err != nil {
			response.BadRequest(c, "Invalid coupon sequence")
			return
		}
		claims, err := h.service.ListClaims(c.Param("instrument_id"), sequence)
		response.Handle(c, claims, err)
	}
}
