// Package scheduler runs the periodic rate refresh. Observation sources are
// pluggable; each run collects entries from every source, pushes them through
// the oracle's batch path, then sweeps the anomaly detector.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/delosfi/debenture-api/internal/anomaly"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ObservationSource produces rate updates for one refresh run. External data
// providers implement this; the simulator ships a synthetic one.
type ObservationSource interface {
	Name() string
	Fetch(ctx context.Context) ([]oracle.UpdateEntry, error)
}

// RunRecord is the audit row for one refresh run.
type RunRecord struct {
	gorm.Model `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Trigger    string    `json:"trigger"` // CRON or MANUAL
	Collected  int       `json:"collected"`
	Applied    int       `json:"applied"`
	Skipped    int       `json:"skipped"`
	Findings   int       `json:"findings"`
	Error      string    `json:"error,omitempty"`
}

// Service owns the cron loop and the refresh pipeline.
type Service struct {
	db        *gorm.DB
	rates     *oracle.Service
	anomalies *anomaly.Service
	cron      *cron.Cron

	mu      sync.Mutex
	sources []ObservationSource
}

// NewService creates a new scheduler service.
func NewService(db *gorm.DB, rates *oracle.Service, anomalies *anomaly.Service) *Service {
	return &Service{
		db:        db,
		rates:     rates,
		anomalies: anomalies,
		cron:      cron.New(),
	}
}

// Register adds an observation source. Sources registered after Start are
// picked up by the next run.
func (s *Service) Register(source ObservationSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, source)
	log.Info().
		Str("source", source.Name()).
		Str("service", "scheduler").
		Msg("observation source registered")
}

// Start schedules the refresh on the given cron spec and starts the loop.
func (s *Service) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Run(context.Background(), "CRON"); err != nil {
			log.Error().Err(err).Str("service", "scheduler").Msg("scheduled refresh failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	s.cron.Start()
	log.Info().Str("spec", spec).Str("service", "scheduler").Msg("refresh scheduled")
	return nil
}

// Stop halts the cron loop and waits for an in-flight run to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Run executes one refresh: collect from every source, batch-update the
// oracle, sweep the detector. Source failures are recorded but do not abort
// the run.
func (s *Service) Run(ctx context.Context, trigger string) (*RunRecord, error) {
	record := &RunRecord{StartedAt: time.Now().UTC(), Trigger: trigger}

	s.mu.Lock()
	sources := make([]ObservationSource, len(s.sources))
	copy(sources, s.sources)
	s.mu.Unlock()

	var entries []oracle.UpdateEntry
	for _, source := range sources {
		fetched, err := source.Fetch(ctx)
		if err != nil {
			record.Error = fmt.Sprintf("source %s: %v", source.Name(), err)
			log.Error().Err(err).
				Str("source", source.Name()).
				Str("service", "scheduler").
				Msg("observation source failed")
			continue
		}
		entries = append(entries, fetched...)
	}
	record.Collected = len(entries)

	if len(entries) > 0 {
		result := s.rates.BatchUpdate(entries)
		record.Applied = result.Applied
		record.Skipped = len(result.Skipped)
	}

	findings, err := s.anomalies.ScanAll(time.Now().UTC())
	if err != nil {
		record.Error = fmt.Sprintf("anomaly sweep: %v", err)
	}
	record.Findings = findings

	record.FinishedAt = time.Now().UTC()
	if err := s.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to persist run record: %w", err)
	}

	log.Info().
		Str("trigger", trigger).
		Int("collected", record.Collected).
		Int("applied", record.Applied).
		Int("skipped", record.Skipped).
		Int("findings", record.Findings).
		Str("service", "scheduler").
		Msg("refresh run finished")
	return record, nil
}

// ListRuns returns the most recent run records, newest first.
func (s *Service) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var runs []RunRecord
	if err := s.db.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GinHandlers contains HTTP handlers for scheduler endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for scheduler endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// TriggerRunHandler handles POST requests forcing a refresh run
func (h *GinHandlers) TriggerRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := h.service.Run(c.Request.Context(), "MANUAL")
		response.Handle(c, record, err)
	}
}

// ListRunsHandler handles GET requests for recent run records
func (h *GinHandlers) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		runs, err := h.service.ListRuns(limit)
		response.Handle(c, runs, err)
	}
}
