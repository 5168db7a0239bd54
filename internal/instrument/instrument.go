package instrument

import (
	"errors"
	"fmt"
	"time"

	"github.com/delosfi/debenture-api/internal/compliance"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrISINExists   = errors.New("instrument with this ISIN already exists")
	ErrInvalidTerms = errors.New("invalid instrument terms")
)

// Service manages instrument issuance, lifecycle, accrual and gated unit
// transfers.
type Service struct {
	db         *Database
	oracle     *oracle.Service
	compliance *compliance.Service
	ledger     *ledger.Service
	locks      *Locks
	allowStale bool
}

// NewService creates a new instrument service. allowStale controls whether
// accrual and coupon computations accept reference observations older than
// their heartbeat.
func NewService(gormDB *gorm.DB, oracleSvc *oracle.Service, complianceSvc *compliance.Service,
	ledgerSvc *ledger.Service, locks *Locks, allowStale bool) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		oracle:     oracleSvc,
		compliance: complianceSvc,
		ledger:     ledgerSvc,
		locks:      locks,
		allowStale: allowStale,
	}
}

// Locks exposes the shared per-instrument lock registry for the coupon and
// amortization services.
func (s *Service) Locks() *Locks {
	return s.locks
}

func validateTerms(req CreateRequest) error {
	if req.FaceValue <= 0 || req.UnitCount <= 0 {
		return fmt.Errorf("%w: face value and unit count must be positive", ErrInvalidTerms)
	}
	if !req.MaturityDate.After(req.IssueDate) {
		return fmt.Errorf("%w: maturity must be after issue date", ErrInvalidTerms)
	}
	if req.LockUpEndDate.After(req.MaturityDate) {
		return fmt.Errorf("%w: lock-up cannot extend past maturity", ErrInvalidTerms)
	}
	if req.CouponFrequencyDays <= 0 {
		return fmt.Errorf("%w: coupon frequency must be positive", ErrInvalidTerms)
	}
	switch req.IndexationType {
	case IndexationFixed, IndexationDISpread, IndexationDIPercent, IndexationIPCASpread:
	default:
		return fmt.Errorf("%w: unknown indexation type %q", ErrInvalidTerms, req.IndexationType)
	}
	switch req.AmortizationBasis {
	case "", AmortBullet, AmortScheduled:
	default:
		return fmt.Errorf("%w: unknown amortization basis %q", ErrInvalidTerms, req.AmortizationBasis)
	}
	return nil
}

// CreateInstrument issues a new instrument: persists the terms, seeds the
// accrual state at factor 1.0, opens the compliance registry and credits the
// full unit supply to the issuer.
func (s *Service) CreateInstrument(req CreateRequest) (*Instrument, error) {
	if err := validateTerms(req); err != nil {
		return nil, err
	}
	if _, err := s.db.GetInstrumentByISIN(req.ISINCode); err == nil {
		return nil, ErrISINExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	basis := req.AmortizationBasis
	if basis == "" {
		basis = AmortBullet
	}
	inst := &Instrument{
		InstrumentID:           "DEB_" + uuid.New().String(),
		Name:                   req.Name,
		Symbol:                 req.Symbol,
		ISINCode:               req.ISINCode,
		CETIPCode:              req.CETIPCode,
		Series:                 req.Series,
		IssuerID:               req.IssuerID,
		TrusteeID:              req.TrusteeID,
		FaceValue:              fixedpoint.New(req.FaceValue),
		UnitCount:              req.UnitCount,
		IssueDate:              req.IssueDate,
		MaturityDate:           req.MaturityDate,
		AnniversaryDay:         req.AnniversaryDay,
		LockUpEndDate:          req.LockUpEndDate,
		IndexationType:         req.IndexationType,
		SpreadRate:             fixedpoint.New(req.SpreadRate),
		PercentDI:              fixedpoint.New(req.PercentDI),
		CouponFrequencyDays:    req.CouponFrequencyDays,
		AmortizationBasis:      basis,
		RepactuationAllowed:    req.RepactuationAllowed,
		EarlyRedemptionAllowed: req.EarlyRedemptionAllowed,
		Status:                 StatusActive,
	}
	state := &AccrualState{
		InstrumentID:       inst.InstrumentID,
		AccumulatedFactor:  fixedpoint.One(),
		FactorAtLastCoupon: fixedpoint.One(),
		OutstandingFace:    inst.FaceValue,
		CurrentValue:       inst.FaceValue,
		LastIndexValue:     fixedpoint.Zero(),
		LastUpdateDate:     inst.IssueDate,
	}
	if err := s.db.CreateInstrument(inst, state); err != nil {
		return nil, err
	}
	if _, err := s.compliance.CreateRegistry(inst.InstrumentID, inst.LockUpEndDate); err != nil {
		return nil, err
	}
	if err := s.ledger.Seed(inst.InstrumentID, inst.IssuerID, inst.UnitCount); err != nil {
		return nil, err
	}
	// Issuer and trustee are eligible parties from day one.
	if err := s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist,
		[]string{inst.IssuerID, inst.TrusteeID}); err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", inst.InstrumentID).
		Str("isin", inst.ISINCode).
		Str("indexation", inst.IndexationType).
		Int64("unit_count", inst.UnitCount).
		Str("face_value", inst.FaceValue.String()).
		Str("service", "instrument").
		Msg("instrument created")
	return inst, nil
}

// GetInstrument retrieves an instrument by id.
func (s *Service) GetInstrument(instrumentID string) (*Instrument, error) {
	return s.db.GetInstrument(instrumentID)
}

// ListInstruments returns every instrument.
func (s *Service) ListInstruments() ([]Instrument, error) {
	return s.db.ListInstruments()
}

// StatusHistory returns the lifecycle audit trail.
func (s *Service) StatusHistory(instrumentID string) ([]StatusChange, error) {
	return s.db.GetStatusHistory(instrumentID)
}

// Holdings returns the live unit position of every holder.
func (s *Service) Holdings(instrumentID string) ([]ledger.Balance, error) {
	if _, err := s.GetInstrument(instrumentID); err != nil {
		return nil, err
	}
	return s.ledger.Holders(instrumentID)
}

// IsLockUpExempt reports whether a party is free of the lock-up window.
func IsLockUpExempt(inst *Instrument, holderID string) bool {
	return holderID == inst.IssuerID || holderID == inst.TrusteeID
}

// Transfer moves units between holders after the compliance gate allows it.
// The gate's decision order is fixed: pause, blacklist, whitelist, lock-up.
func (s *Service) Transfer(instrumentID, from, to string, units int64, now time.Time) error {
	release := s.locks.Acquire(instrumentID)
	defer release()

	inst, err := s.RequireActive(instrumentID)
	if err != nil {
		return err
	}

	decision, err := s.compliance.Evaluate(instrumentID, compliance.TransferCheck{
		From:         from,
		To:           to,
		Now:          now,
		SenderExempt: IsLockUpExempt(inst, from),
	})
	if err != nil {
		return err
	}
	if decisionErr := decision.Err(); decisionErr != nil {
		log.Warn().
			Str("instrument_id", instrumentID).
			Str("from", from).
			Str("to", to).
			Str("decision", string(decision)).
			Str("service", "instrument").
			Msg("transfer rejected")
		return decisionErr
	}

	return s.ledger.Move(instrumentID, from, to, units)
}

// GinHandlers contains HTTP handlers for instrument endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for instrument endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateInstrumentHandler handles POST requests issuing new instruments
func (h *GinHandlers) CreateInstrumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid instrument payload")
			return
		}
		inst, err := h.service.CreateInstrument(req)
		response.Handle(c, inst, err)
	}
}

// ListInstrumentsHandler handles GET requests for all instruments
func (h *GinHandlers) ListInstrumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instruments, err := h.service.ListInstruments()
		response.Handle(c, instruments, err)
	}
}

// GetInstrumentHandler handles GET requests for one instrument's terms
func (h *GinHandlers) GetInstrumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.service.GetInstrument(c.Param("instrument_id"))
		response.Handle(c, inst, err)
	}
}

// GetHoldingsHandler handles GET requests for the holder position registry
func (h *GinHandlers) GetHoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		holdings, err := h.service.Holdings(c.Param("instrument_id"))
		response.Handle(c, holdings, err)
	}
}

// GetValueHandler handles GET requests for the accrual position
func (h *GinHandlers) GetValueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, err := h.service.Value(c.Param("instrument_id"))
		response.Handle(c, value, err)
	}
}

type accrualRequest struct {
	AsOf time.Time `json:"as_of" binding:"required"`
}

// UpdateAccrualHandler handles POST requests advancing the accrual position
func (h *GinHandlers) UpdateAccrualHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accrualRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid accrual payload")
			return
		}
		value, err := h.service.UpdateAccrual(c.Param("instrument_id"), req.AsOf)
		response.Handle(c, value, err)
	}
}

type transferRequest struct {
	To    string `json:"to" binding:"required"`
	Units int64  `json:"units" binding:"required"`
}

// TransferHandler handles POST requests moving units from the authenticated
// holder to another party
func (h *GinHandlers) TransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid transfer payload")
			return
		}
		from := c.GetString("participantID")
		err := h.service.Transfer(c.Param("instrument_id"), from, req.To, req.Units, time.Now().UTC())
		response.Handle(c, gin.H{"from": from, "to": req.To, "units": req.Units}, err)
	}
}

// MatureHandler handles POST requests moving an instrument to MATURED
func (h *GinHandlers) MatureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.service.Mature(c.Param("instrument_id"), c.GetString("participantID"), time.Now().UTC())
		response.Handle(c, inst, err)
	}
}

type defaultRequest struct {
	Note string `json:"note"`
}

// DefaultHandler handles POST requests moving an instrument to DEFAULTED
func (h *GinHandlers) DefaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req defaultRequest
		_ = c.ShouldBindJSON(&req)
		inst, err := h.service.Default(c.Param("instrument_id"), c.GetString("participantID"), req.Note, time.Now().UTC())
		response.Handle(c, inst, err)
	}
}

// EarlyRedeemHandler handles POST requests moving an instrument to EARLY_REDEEMED
func (h *GinHandlers) EarlyRedeemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.service.EarlyRedeem(c.Param("instrument_id"), c.GetString("participantID"), time.Now().UTC())
		response.Handle(c, inst, err)
	}
}

type repactuateRequest struct {
	SpreadRate int64 `json:"spread_rate"`
	PercentDI  int64 `json:"percent_di"`
}

// RepactuateHandler handles POST requests rewriting rate terms through the
// repactuation cycle
func (h *GinHandlers) RepactuateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req repactuateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid repactuation payload")
			return
		}
		inst, err := h.service.Repactuate(c.Param("instrument_id"), c.GetString("participantID"),
			fixedpoint.New(req.SpreadRate), fixedpoint.New(req.PercentDI), time.Now().UTC())
		response.Handle(c, inst, err)
	}
}

// StatusHistoryHandler handles GET requests for the lifecycle audit trail
func (h *GinHandlers) StatusHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		history, err := h.service.StatusHistory(c.Param("instrument_id"))
		response.Handle(c, history, err)
	}
}
