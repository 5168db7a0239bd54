package compliance

import (
	"errors"
	"fmt"
	"time"

	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrRegistryExists   = errors.New("compliance registry already exists")
	ErrRegistryNotFound = errors.New("compliance registry not found")

	// Transfer rejections, one per gate decision.
	ErrPaused         = errors.New("transfers are paused")
	ErrBlacklisted    = errors.New("party is blacklisted")
	ErrNotWhitelisted = errors.New("party is not whitelisted")
	ErrLockedUp       = errors.New("sender is in lock-up period")
)

// Err maps a decision to its transfer-rejection sentinel, or nil for Allowed.
func (d Decision) Err() error {
	switch d {
	case DecisionPaused:
		return ErrPaused
	case DecisionBlacklisted:
		return ErrBlacklisted
	case DecisionNotWhitelisted:
		return ErrNotWhitelisted
	case DecisionLockedUp:
		return ErrLockedUp
	default:
		return nil
	}
}

// Service evaluates transfer permissions and administers the per-instrument
// compliance registries.
type Service struct {
	db *Database
}

// NewService creates a new compliance service with the given database connection.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

// CreateRegistry initializes the compliance state for a new instrument.
func (s *Service) CreateRegistry(instrumentID string, lockUpEnd time.Time) (*Registry, error) {
	if _, err := s.db.GetRegistry(instrumentID); err == nil {
		return nil, ErrRegistryExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	registry := &Registry{InstrumentID: instrumentID, LockUpEndDate: lockUpEnd}
	if err := s.db.CreateRegistry(registry); err != nil {
		return nil, fmt.Errorf("failed to create compliance registry: %w", err)
	}
	return registry, nil
}

// GetRegistry returns the compliance state for an instrument.
func (s *Service) GetRegistry(instrumentID string) (*Registry, error) {
	registry, err := s.db.GetRegistry(instrumentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRegistryNotFound
		}
		return nil, err
	}
	return registry, nil
}

// Evaluate applies the gate checks in their fixed compliance-priority order:
// pause, then blacklist on either party, then the whitelist requirement on
// both parties, then lock-up on the sender. Pause wins over every other
// condition.
func (s *Service) Evaluate(instrumentID string, check TransferCheck) (Decision, error) {
	registry, err := s.GetRegistry(instrumentID)
	if err != nil {
		return "", err
	}

	if registry.Paused {
		return DecisionPaused, nil
	}

	for _, party := range []string{check.From, check.To} {
		blacklisted, err := s.db.IsMember(instrumentID, ListBlacklist, party)
		if err != nil {
			return "", err
		}
		if blacklisted {
			return DecisionBlacklisted, nil
		}
	}

	for _, party := range []string{check.From, check.To} {
		whitelisted, err := s.db.IsMember(instrumentID, ListWhitelist, party)
		if err != nil {
			return "", err
		}
		if !whitelisted {
			return DecisionNotWhitelisted, nil
		}
	}

	if !check.SenderExempt && check.Now.Before(registry.LockUpEndDate) {
		return DecisionLockedUp, nil
	}

	return DecisionAllowed, nil
}

// SetPaused flips the global pause flag for an instrument.
func (s *Service) SetPaused(instrumentID string, paused bool) (*Registry, error) {
	registry, err := s.GetRegistry(instrumentID)
	if err != nil {
		return nil, err
	}
	registry.Paused = paused
	if err := s.db.UpdateRegistry(registry); err != nil {
		return nil, fmt.Errorf("failed to update pause flag: %w", err)
	}
	log.Info().
		Str("instrument_id", instrumentID).
		Bool("paused", paused).
		Str("service", "compliance").
		Msg("pause flag updated")
	return registry, nil
}

// AddMembers adds holders to a list. Re-adding present holders is a no-op.
func (s *Service) AddMembers(instrumentID, listType string, holderIDs []string) error {
	if _, err := s.GetRegistry(instrumentID); err != nil {
		return err
	}
	if err := s.db.AddMembers(instrumentID, listType, holderIDs); err != nil {
		return err
	}
	log.Info().
		Str("instrument_id", instrumentID).
		Str("list", listType).
		Int("count", len(holderIDs)).
		Str("service", "compliance").
		Msg("list members added")
	return nil
}

// RemoveMembers removes holders from a list. Absent holders are a no-op.
func (s *Service) RemoveMembers(instrumentID, listType string, holderIDs []string) error {
	if _, err := s.GetRegistry(instrumentID); err != nil {
		return err
	}
	if err := s.db.RemoveMembers(instrumentID, listType, holderIDs); err != nil {
		return err
	}
	log.Info().
		Str("instrument_id", instrumentID).
		Str("list", listType).
		Int("count", len(holderIDs)).
		Str("service", "compliance").
		Msg("list members removed")
	return nil
}

// ListMembers returns the holders on a list.
func (s *Service) ListMembers(instrumentID, listType string) ([]string, error) {
	if _, err := s.GetRegistry(instrumentID); err != nil {
		return nil, err
	}
	return s.db.ListMembers(instrumentID, listType)
}

// GinHandlers contains HTTP handlers for compliance endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for compliance endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type membersRequest struct {
	Holders []string `json:"holders" binding:"required"`
}

func listTypeFromParam(param string) (string, bool) {
	switch param {
	case "whitelist":
		return ListWhitelist, true
	case "blacklist":
		return ListBlacklist, true
	default:
		return "", false
	}
}

// GetRegistryHandler handles GET requests for an instrument's compliance state
func (h *GinHandlers) GetRegistryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		registry, err := h.service.GetRegistry(c.Param("instrument_id"))
		response.Handle(c, registry, err)
	}
}

type pauseRequest struct {
	Paused *bool `json:"paused" binding:"required"`
}

// SetPausedHandler handles PUT requests flipping the pause flag
func (h *GinHandlers) SetPausedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pauseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid pause payload")
			return
		}
		registry, err := h.service.SetPaused(c.Param("instrument_id"), *req.Paused)
		response.Handle(c, registry, err)
	}
}

// AddMembersHandler handles POST requests adding list members in batch
func (h *GinHandlers) AddMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listType, ok := listTypeFromParam(c.Param("list"))
		if !ok {
			response.BadRequest(c, "Unknown list type")
			return
		}
		var req membersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid members payload")
			return
		}
		err := h.service.AddMembers(c.Param("instrument_id"), listType, req.Holders)
		response.Handle(c, gin.H{"added": len(req.Holders)}, err)
	}
}

// RemoveMembersHandler handles DELETE requests removing list members in batch
func (h *GinHandlers) RemoveMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listType, ok := listTypeFromParam(c.Param("list"))
		if !ok {
			response.BadRequest(c, "Unknown list type")
			return
		}
		var req membersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid members payload")
			return
		}
		err := h.service.RemoveMembers(c.Param("instrument_id"), listType, req.Holders)
		response.Handle(c, gin.H{"removed": len(req.Holders)}, err)
	}
}

// ListMembersHandler handles GET requests for list membership
func (h *GinHandlers) ListMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listType, ok := listTypeFromParam(c.Param("list"))
		if !ok {
			response.BadRequest(c, "Unknown list type")
			return
		}
		holders, err := h.service.ListMembers(c.Param("instrument_id"), listType)
		response.Handle(c, holders, err)
	}
}
