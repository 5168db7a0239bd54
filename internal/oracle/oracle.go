package oracle

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrRateExists   = errors.New("rate already registered")
	ErrRateNotFound = errors.New("rate not found")
	ErrRateInactive = errors.New("rate is inactive")
	ErrDateNotNewer = errors.New("observed date not newer than stored date")
)

// OutOfBoundsError rejects an answer outside the circuit-breaker bounds.
type OutOfBoundsError struct {
	Answer fixedpoint.Dec
	Min    fixedpoint.Dec
	Max    fixedpoint.Dec
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("answer %s outside bounds [%s, %s]", e.Answer, e.Min, e.Max)
}

// ErrOutOfBounds is the sentinel all OutOfBoundsError values match for
// errors.Is checks and response mapping.
var ErrOutOfBounds = errors.New("answer out of bounds")

func (e *OutOfBoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}

// Skip reasons reported by BatchUpdate.
const (
	SkipNotFound     = "NOT_FOUND"
	SkipInactive     = "INACTIVE"
	SkipOutOfBounds  = "OUT_OF_BOUNDS"
	SkipDateNotNewer = "DATE_NOT_NEWER"
)

// Service is the versioned, bounds-checked store of named rate observations.
// Updates to different rate ids proceed concurrently; updates to the same rate
// id are serialized by a per-rate lock.
type Service struct {
	db    *Database
	locks sync.Map // rate id -> *sync.Mutex
}

// NewService creates a new oracle service with the given database connection.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

func (s *Service) lockFor(rateID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(rateID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// AddRate registers a new rate id with its metadata. Fails with ErrRateExists
// when the id is already present.
func (s *Service) AddRate(cfg RateConfig) (*Rate, error) {
	mu := s.lockFor(cfg.RateID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.GetRate(cfg.RateID); err == nil {
		return nil, ErrRateExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check rate existence: %w", err)
	}

	rate := &Rate{
		RateID:           cfg.RateID,
		Description:      cfg.Description,
		Decimals:         8,
		HeartbeatSeconds: cfg.HeartbeatSeconds,
		MinAnswer:        fixedpoint.New(cfg.MinAnswer),
		MaxAnswer:        fixedpoint.New(cfg.MaxAnswer),
		Active:           true,
	}
	if err := s.db.CreateRate(rate); err != nil {
		return nil, fmt.Errorf("failed to register rate: %w", err)
	}

	log.Info().
		Str("rate_id", rate.RateID).
		Int64("heartbeat_seconds", rate.HeartbeatSeconds).
		Str("service", "oracle").
		Msg("rate registered")
	return rate, nil
}

// SeedDefaults registers every default rate family, skipping ids that already
// exist.
func (s *Service) SeedDefaults() error {
	for _, cfg := range DefaultRateConfigs {
		if _, err := s.AddRate(cfg); err != nil && !errors.Is(err, ErrRateExists) {
			return err
		}
	}
	return nil
}

// validate applies the acceptance checks for a single update against current
// state. It never mutates anything.
func (s *Service) validate(rate *Rate, entry UpdateEntry) error {
	if !rate.Active {
		return ErrRateInactive
	}
	if entry.Answer.Cmp(rate.MinAnswer) < 0 || entry.Answer.Cmp(rate.MaxAnswer) > 0 {
		return &OutOfBoundsError{Answer: entry.Answer, Min: rate.MinAnswer, Max: rate.MaxAnswer}
	}
	latest, err := s.db.GetLatestObservation(rate.RateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // first observation for this rate
		}
		return fmt.Errorf("failed to load latest observation: %w", err)
	}
	if entry.ObservedDate <= latest.ObservedDate {
		return ErrDateNotNewer
	}
	return nil
}

// UpdateRate validates and stores one observation. On success the round id is
// incremented and a change notification is emitted.
func (s *Service) UpdateRate(rateID string, answer fixedpoint.Dec, observedDate int, source string) (*Observation, error) {
	mu := s.lockFor(rateID)
	mu.Lock()
	defer mu.Unlock()
	return s.applyUpdate(UpdateEntry{RateID: rateID, Answer: answer, ObservedDate: observedDate, Source: source})
}

func (s *Service) applyUpdate(entry UpdateEntry) (*Observation, error) {
	rate, err := s.db.GetRate(entry.RateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, fmt.Errorf("failed to load rate: %w", err)
	}

	if err := s.validate(rate, entry); err != nil {
		return nil, err
	}

	rate.LatestRound++
	obs := &Observation{
		RateID:       entry.RateID,
		RoundID:      rate.LatestRound,
		Answer:       entry.Answer,
		ObservedDate: entry.ObservedDate,
		Source:       entry.Source,
		IngestedAt:   time.Now().UTC(),
	}
	if err := s.db.ApplyUpdate(rate, obs); err != nil {
		return nil, err
	}

	log.Info().
		Str("rate_id", entry.RateID).
		Str("answer", entry.Answer.String()).
		Int("observed_date", entry.ObservedDate).
		Uint64("round_id", obs.RoundID).
		Str("source", entry.Source).
		Str("service", "oracle").
		Msg("rate updated")
	return obs, nil
}

// BatchUpdate applies each entry independently, best effort. Failing entries
// are skipped with a reason instead of failing the whole batch, so callers
// never resubmit already-valid siblings because one entry was stale.
func (s *Service) BatchUpdate(entries []UpdateEntry) BatchResult {
	result := BatchResult{Skipped: []SkippedEntry{}}
	for _, entry := range entries {
		mu := s.lockFor(entry.RateID)
		mu.Lock()
		_, err := s.applyUpdate(entry)
		mu.Unlock()
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedEntry{
				RateID: entry.RateID,
				Reason: skipReason(err),
			})
			log.Warn().
				Str("rate_id", entry.RateID).
				Str("reason", skipReason(err)).
				Str("service", "oracle").
				Msg("batch entry skipped")
			continue
		}
		result.Applied++
	}
	log.Info().
		Int("applied", result.Applied).
		Int("skipped", len(result.Skipped)).
		Str("service", "oracle").
		Msg("batch update completed")
	return result
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrRateNotFound):
		return SkipNotFound
	case errors.Is(err, ErrRateInactive):
		return SkipInactive
	case errors.Is(err, ErrOutOfBounds):
		return SkipOutOfBounds
	case errors.Is(err, ErrDateNotNewer):
		return SkipDateNotNewer
	default:
		return err.Error()
	}
}

// GetRate returns the latest value for a rate along with its staleness flag.
func (s *Service) GetRate(rateID string) (*RateResponse, error) {
	return s.getRateAt(rateID, time.Now().UTC())
}

func (s *Service) getRateAt(rateID string, now time.Time) (*RateResponse, error) {
	rate, err := s.db.GetRate(rateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	obs, err := s.db.GetLatestObservation(rateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	return &RateResponse{
		RateID:       rateID,
		Answer:       obs.Answer,
		ObservedDate: obs.ObservedDate,
		Source:       obs.Source,
		RoundID:      obs.RoundID,
		IngestedAt:   obs.IngestedAt,
		Stale:        now.Sub(obs.IngestedAt) > time.Duration(rate.HeartbeatSeconds)*time.Second,
	}, nil
}

// ListRates returns the latest value for every registered rate. Rates without
// observations yet are omitted.
func (s *Service) ListRates() ([]RateResponse, error) {
	rates, err := s.db.ListRates()
	if err != nil {
		return nil, err
	}
	responses := make([]RateResponse, 0, len(rates))
	for _, rate := range rates {
		resp, err := s.GetRate(rate.RateID)
		if err != nil {
			if errors.Is(err, ErrRateNotFound) {
				continue
			}
			return nil, err
		}
		responses = append(responses, *resp)
	}
	return responses, nil
}

// GetHistory returns up to limit observations, most recent first. The limit is
// clamped to keep reads bounded.
func (s *Service) GetHistory(rateID string, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 30
	}
	if limit > 200 {
		limit = 200
	}
	if _, err := s.db.GetRate(rateID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	return s.db.GetHistory(rateID, limit)
}

// Describe returns a rate's registration row, including its heartbeat and
// circuit-breaker bounds.
func (s *Service) Describe(rateID string) (*Rate, error) {
	rate, err := s.db.GetRate(rateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	return rate, nil
}

// IsStale reports whether the latest observation has outlived the heartbeat at
// the given instant. Advisory only; it never blocks reads.
func (s *Service) IsStale(rateID string, now time.Time) (bool, error) {
	resp, err := s.getRateAt(rateID, now)
	if err != nil {
		return false, err
	}
	return resp.Stale, nil
}

// LatestRound returns the round-indexed view of the most recent observation,
// shape-compatible with external rate-consumer conventions.
func (s *Service) LatestRound(rateID string) (*RoundData, error) {
	obs, err := s.db.GetLatestObservation(rateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	return roundView(obs), nil
}

// GetRound returns the round-indexed view for one historical round.
func (s *Service) GetRound(rateID string, roundID uint64) (*RoundData, error) {
	obs, err := s.db.GetObservationByRound(rateID, roundID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	return roundView(obs), nil
}

func roundView(obs *Observation) *RoundData {
	return &RoundData{
		RoundID:         obs.RoundID,
		Answer:          obs.Answer,
		StartedAt:       obs.IngestedAt,
		UpdatedAt:       obs.IngestedAt,
		AnsweredInRound: obs.RoundID,
	}
}

// SetBounds rewrites the circuit-breaker bounds for a rate. Admin-gated at the
// route level.
func (s *Service) SetBounds(rateID string, min, max fixedpoint.Dec) (*Rate, error) {
	mu := s.lockFor(rateID)
	mu.Lock()
	defer mu.Unlock()

	rate, err := s.db.GetRate(rateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	rate.MinAnswer = min
	rate.MaxAnswer = max
	if err := s.db.UpdateRate(rate); err != nil {
		return nil, fmt.Errorf("failed to update bounds: %w", err)
	}
	log.Info().
		Str("rate_id", rateID).
		Str("min", min.String()).
		Str("max", max.String()).
		Str("service", "oracle").
		Msg("rate bounds updated")
	return rate, nil
}

// SetActive toggles the active flag for a rate. Inactive rates reject updates
// but remain readable.
func (s *Service) SetActive(rateID string, active bool) (*Rate, error) {
	mu := s.lockFor(rateID)
	mu.Lock()
	defer mu.Unlock()

	rate, err := s.db.GetRate(rateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	rate.Active = active
	if err := s.db.UpdateRate(rate); err != nil {
		return nil, fmt.Errorf("failed to update active flag: %w", err)
	}
	log.Info().
		Str("rate_id", rateID).
		Bool("active", active).
		Str("service", "oracle").
		Msg("rate activation updated")
	return rate, nil
}

// GinHandlers contains HTTP handlers for oracle endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for oracle endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type registerRateRequest struct {
	RateID           string `json:"rate_id" binding:"required"`
	Description      string `json:"description"`
	HeartbeatSeconds int64  `json:"heartbeat_seconds" binding:"required"`
	MinAnswer        int64  `json:"min_answer"`
	MaxAnswer        int64  `json:"max_answer" binding:"required"`
}

// RegisterRateHandler handles POST requests registering new rates
func (h *GinHandlers) RegisterRateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid rate registration payload")
			return
		}
		rate, err := h.service.AddRate(RateConfig{
			RateID:           req.RateID,
			Description:      req.Description,
			HeartbeatSeconds: req.HeartbeatSeconds,
			MinAnswer:        req.MinAnswer,
			MaxAnswer:        req.MaxAnswer,
		})
		response.Handle(c, rate, err)
	}
}

// UpdateRateHandler handles POST requests ingesting a single observation
func (h *GinHandlers) UpdateRateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var entry UpdateEntry
		if err := c.ShouldBindJSON(&entry); err != nil {
			response.BadRequest(c, "Invalid rate update payload")
			return
		}
		obs, err := h.service.UpdateRate(entry.RateID, entry.Answer, entry.ObservedDate, entry.Source)
		response.Handle(c, obs, err)
	}
}

// BatchUpdateHandler handles POST requests ingesting a batch of observations
// with partial-success semantics
func (h *GinHandlers) BatchUpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var entries []UpdateEntry
		if err := c.ShouldBindJSON(&entries); err != nil {
			response.BadRequest(c, "Invalid batch payload")
			return
		}
		result := h.service.BatchUpdate(entries)
		response.Handle(c, result, nil)
	}
}

// ListRatesHandler handles GET requests for all latest rates
func (h *GinHandlers) ListRatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rates, err := h.service.ListRates()
		response.Handle(c, rates, err)
	}
}

// GetRateHandler handles GET requests for one rate's latest value
func (h *GinHandlers) GetRateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rate, err := h.service.GetRate(c.Param("rate_id"))
		response.Handle(c, rate, err)
	}
}

// GetHistoryHandler handles GET requests for a rate's recent observations
func (h *GinHandlers) GetHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
		history, err := h.service.GetHistory(c.Param("rate_id"), limit)
		response.Handle(c, history, err)
	}
}

// GetRoundHandler handles GET requests for the round-indexed view. Without a
// round query param it returns the latest round.
func (h *GinHandlers) GetRoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rateID := c.Param("rate_id")
		if roundParam := c.Query("round"); roundParam != "" {
			roundID, err := strconv.ParseUint(roundParam, 10, 64)
			if err != nil {
				response.BadRequest(c, "Invalid round id")
				return
			}
			round, err := h.service.GetRound(rateID, roundID)
			response.Handle(c, round, err)
			return
		}
		round, err := h.service.LatestRound(rateID)
		response.Handle(c, round, err)
	}
}

type setBoundsRequest struct {
	MinAnswer int64 `json:"min_answer"`
	MaxAnswer int64 `json:"max_answer" binding:"required"`
}

// SetBoundsHandler handles PUT requests rewriting circuit-breaker bounds
func (h *GinHandlers) SetBoundsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setBoundsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid bounds payload")
			return
		}
		rate, err := h.service.SetBounds(c.Param("rate_id"), fixedpoint.New(req.MinAnswer), fixedpoint.New(req.MaxAnswer))
		response.Handle(c, rate, err)
	}
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActiveHandler handles PUT requests toggling the active flag
func (h *GinHandlers) SetActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid activation payload")
			return
		}
		rate, err := h.service.SetActive(c.Param("rate_id"), *req.Active)
		response.Handle(c, rate, err)
	}
}
