// Package amortization manages scheduled principal repayments. Execution
// reduces the accrual engine's outstanding face so subsequent compounding
// runs on the reduced principal.
package amortization

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/delosfi/debenture-api/internal/coupon"
	"github.com/delosfi/debenture-api/internal/instrument"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrAlreadySet         = errors.New("amortization schedule already set")
	ErrScheduleNotAllowed = errors.New("instrument amortizes at maturity only")
	ErrPercentagesNotFull = errors.New("schedule percentages must sum to 100%")
	ErrInvalidDates       = errors.New("schedule dates must strictly increase and not pass maturity")
	ErrEntryNotFound      = errors.New("amortization entry not found")
	ErrNotDueYet          = errors.New("amortization entry not yet due")
	ErrAlreadyExecuted    = errors.New("amortization entry already executed")
	ErrOutOfOrder         = errors.New("earlier amortization entries are still pending")
	ErrNotIssuer          = errors.New("only the issuer may execute amortizations")
)

// Service registers and executes amortization schedules.
type Service struct {
	db          *Database
	instruments *instrument.Service
	ledger      *ledger.Service
	payment     coupon.PaymentAsset
}

// NewService creates a new amortization service.
func NewService(gormDB *gorm.DB, instruments *instrument.Service, ledgerSvc *ledger.Service, payment coupon.PaymentAsset) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		instruments: instruments,
		ledger:      ledgerSvc,
		payment:     payment,
	}
}

func snapshotKey(sequence int) string {
	return "AMORT:" + strconv.Itoa(sequence)
}

// SetSchedule registers the full repayment schedule. One shot: schedules are
// immutable once written.
func (s *Service) SetSchedule(instrumentID, callerID string, req ScheduleRequest) ([]Entry, error) {
	release := s.instruments.Locks().Acquire(instrumentID)
	defer release()

	inst, err := s.instruments.RequireActive(instrumentID)
	if err != nil {
		return nil, err
	}
	if callerID != inst.IssuerID {
		return nil, ErrNotIssuer
	}
	if inst.AmortizationBasis != instrument.AmortScheduled {
		return nil, ErrScheduleNotAllowed
	}
	existing, err := s.db.ListEntries(instrumentID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrAlreadySet
	}

	var sum int64
	prev := inst.IssueDate
	for _, e := range req.Entries {
		if e.PercentBps <= 0 {
			return nil, fmt.Errorf("%w: non-positive percentage", ErrPercentagesNotFull)
		}
		sum += e.PercentBps
		if !e.DueDate.After(prev) {
			return nil, ErrInvalidDates
		}
		if e.DueDate.After(inst.MaturityDate) {
			return nil, ErrInvalidDates
		}
		prev = e.DueDate
	}
	if sum != PercentFull {
		return nil, fmt.Errorf("%w: got %d bps", ErrPercentagesNotFull, sum)
	}

	entries := make([]Entry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = Entry{
			InstrumentID: instrumentID,
			Sequence:     i + 1,
			DueDate:      e.DueDate,
			PercentBps:   e.PercentBps,
		}
	}
	if err := s.db.CreateEntries(entries); err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Int("entries", len(entries)).
		Str("service", "amortization").
		Msg("amortization schedule set")
	return entries, nil
}

// Schedule returns the registered entries.
func (s *Service) Schedule(instrumentID string) ([]Entry, error) {
	return s.db.ListEntries(instrumentID)
}

// Execute pays one due entry. The payment per unit is the face reduction
// carried at the current accumulated factor; holders are paid pro rata
// against a fresh snapshot, and the outstanding face drops so later accrual
// compounds on the remaining principal. Entries execute strictly in order.
func (s *Service) Execute(instrumentID string, sequence int, callerID string, asOf time.Time) (*ExecutionResponse, error) {
	release := s.instruments.Locks().Acquire(instrumentID)
	defer release()

	inst, err := s.instruments.RequireActive(instrumentID)
	if err != nil {
		return nil, err
	}
	if callerID != inst.IssuerID {
		return nil, ErrNotIssuer
	}
	entry, err := s.db.GetEntry(instrumentID, sequence)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	if entry.Executed {
		return nil, ErrAlreadyExecuted
	}
	if asOf.Before(entry.DueDate) {
		return nil, fmt.Errorf("%w: due %s", ErrNotDueYet, entry.DueDate.Format("2006-01-02"))
	}
	if sequence > 1 {
		prior, err := s.db.GetEntry(instrumentID, sequence-1)
		if err != nil {
			return nil, err
		}
		if !prior.Executed {
			return nil, ErrOutOfOrder
		}
	}

	state, err := s.instruments.AccrualStateOf(instrumentID)
	if err != nil {
		return nil, err
	}
	perUnitReduction := inst.FaceValue.MulInt(entry.PercentBps).DivInt(PercentFull)
	perUnitPayment := perUnitReduction.MulScaled(state.AccumulatedFactor, fixedpoint.FactorScale)
	total := perUnitPayment.MulInt(inst.UnitCount)

	now := asOf.UTC()
	entry.Executed = true
	entry.ExecutedAt = &now
	state.OutstandingFace = state.OutstandingFace.Sub(perUnitReduction)
	state.CurrentValue = state.OutstandingFace.MulScaled(state.AccumulatedFactor, fixedpoint.FactorScale)

	// Snapshot, payouts and the face reduction commit as one unit: the
	// escrow funding and every holder share settle against the frozen rows,
	// and any failure rolls the money back with the state.
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		snaps, err := s.ledger.WriteSnapshot(tx, instrumentID, snapshotKey(sequence), inst.UnitCount)
		if err != nil {
			return err
		}
		if err := s.payment.TransferTx(tx, inst.IssuerID, coupon.EscrowAccount(instrumentID), total); err != nil {
			return fmt.Errorf("failed to move funds into escrow: %w", err)
		}
		for _, snap := range snaps {
			share := total.MulInt(snap.Units).DivInt(snap.TotalUnits)
			if share.IsZero() {
				continue
			}
			if err := s.payment.TransferTx(tx, coupon.EscrowAccount(instrumentID), snap.HolderID, share); err != nil {
				return fmt.Errorf("failed to pay holder %s: %w", snap.HolderID, err)
			}
		}
		if err := tx.Save(entry).Error; err != nil {
			return fmt.Errorf("failed to mark entry executed: %w", err)
		}
		if err := tx.Save(state).Error; err != nil {
			return fmt.Errorf("failed to reduce outstanding face: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Int("sequence", sequence).
		Int64("percent_bps", entry.PercentBps).
		Str("per_unit_payment", perUnitPayment.String()).
		Str("total", total.String()).
		Str("outstanding_face", state.OutstandingFace.String()).
		Str("service", "amortization").
		Msg("amortization executed")
	return &ExecutionResponse{
		InstrumentID:     instrumentID,
		Sequence:         sequence,
		PercentBps:       entry.PercentBps,
		PerUnitReduction: perUnitReduction,
		PerUnitPayment:   perUnitPayment,
		TotalPayment:     total,
		OutstandingFace:  state.OutstandingFace,
		ExecutedAt:       now,
	}, nil
}

// GinHandlers contains HTTP handlers for amortization endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for amortization endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SetScheduleHandler handles POST requests registering a schedule
func (h *GinHandlers) SetScheduleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid schedule payload")
			return
		}
		entries, err := h.service.SetSchedule(c.Param("instrument_id"), c.GetString("participantID"), req)
		response.Handle(c, entries, err)
	}
}

// GetScheduleHandler handles GET requests for an instrument's schedule
func (h *GinHandlers) GetScheduleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.service.Schedule(c.Param("instrument_id"))
		response.Handle(c, entries, err)
	}
}

type executeRequest struct {
	AsOf time.Time `json:"as_of" binding:"required"`
}

// ExecuteHandler handles POST requests executing one due entry
func (h *GinHandlers) ExecuteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sequence, err := strconv.Atoi(c.Param("sequence"))
		if err != nil {
			response.BadRequest(c, "Invalid entry sequence")
			return
		}
		var req executeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid execute payload")
			return
		}
		result, err := h.service.Execute(c.Param("instrument_id"), sequence, c.GetString("participantID"), req.AsOf)
		response.Handle(c, result, err)
	}
}
