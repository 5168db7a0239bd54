// Package anomaly runs statistical checks over the rate feed: value spikes
// against the rolling history, staleness against the heartbeat, and abrupt
// velocity between consecutive rounds. Detection is monitoring only and uses
// floating point; no finding ever feeds back into a financial computation.
package anomaly

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service scans the rate feed and persists findings.
type Service struct {
	db     *gorm.DB
	rates  *oracle.Service
	params Params
}

// NewService creates a new anomaly service over the given rate feed.
func NewService(db *gorm.DB, rates *oracle.Service, params Params) *Service {
	return &Service{db: db, rates: rates, params: params}
}

func severity(score float64) string {
	switch {
	case score > 5:
		return SeverityCritical
	case score > 4:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// asFloat converts a RateScale answer into a display-unit float for
// statistics only.
func asFloat(d fixedpoint.Dec) float64 {
	f, _ := new(big.Float).SetInt(d.Big()).Float64()
	return f / 1e8
}

// ScanRate runs every applicable check against a rate's latest round and
// persists whatever it finds. The returned slice holds only new findings.
func (s *Service) ScanRate(rateID string, now time.Time) ([]Finding, error) {
	rate, err := s.rates.Describe(rateID)
	if err != nil {
		return nil, err
	}
	history, err := s.rates.GetHistory(rateID, s.params.LookbackRounds)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[0]
	current := asFloat(latest.Answer)

	var findings []Finding

	if f := s.checkSpike(latest, current, history); f != nil {
		findings = append(findings, *f)
	}
	if f := s.checkStale(rate, &latest, now); f != nil {
		findings = append(findings, *f)
	}
	if len(history) > 1 {
		if f := s.checkVelocity(&latest, &history[1], current); f != nil {
			findings = append(findings, *f)
		}
	}

	for i := range findings {
		findings[i].DetectedAt = now
		if err := s.db.Create(&findings[i]).Error; err != nil {
			return nil, fmt.Errorf("failed to persist finding: %w", err)
		}
		log.Warn().
			Str("rate_id", rateID).
			Str("kind", findings[i].Kind).
			Str("severity", findings[i].Severity).
			Float64("score", findings[i].Score).
			Str("service", "anomaly").
			Msg(findings[i].Message)
	}
	return findings, nil
}

// checkSpike flags the latest answer when it sits beyond the z-score
// threshold of the preceding history.
func (s *Service) checkSpike(latest oracle.Observation, current float64, history []oracle.Observation) *Finding {
	if len(history)-1 < s.params.MinHistorySize {
		return nil
	}
	var sum float64
	prior := history[1:]
	for _, obs := range prior {
		sum += asFloat(obs.Answer)
	}
	mean := sum / float64(len(prior))
	var variance float64
	for _, obs := range prior {
		d := asFloat(obs.Answer) - mean
		variance += d * d
	}
	stdDev := math.Sqrt(variance / float64(len(prior)-1))

	if stdDev == 0 {
		if current == mean {
			return nil
		}
		return &Finding{
			RateID:   latest.RateID,
			RoundID:  latest.RoundID,
			Kind:     KindValueSpike,
			Severity: SeverityCritical,
			Score:    999,
			Message:  fmt.Sprintf("value %.4f differs from constant history %.4f", current, mean),
		}
	}

	z := math.Abs(current-mean) / stdDev
	if z <= s.params.StdThreshold {
		return nil
	}
	direction := "above"
	if current < mean {
		direction = "below"
	}
	return &Finding{
		RateID:   latest.RateID,
		RoundID:  latest.RoundID,
		Kind:     KindValueSpike,
		Severity: severity(z),
		Score:    z,
		Message:  fmt.Sprintf("value %.4f is %.2f std devs %s mean %.4f", current, z, direction, mean),
	}
}

// checkStale flags a rate whose latest observation has outlived its
// heartbeat.
func (s *Service) checkStale(rate *oracle.Rate, latest *oracle.Observation, now time.Time) *Finding {
	if rate.HeartbeatSeconds <= 0 {
		return nil
	}
	age := now.Sub(latest.IngestedAt).Seconds()
	ratio := age / float64(rate.HeartbeatSeconds)
	if ratio <= 1 {
		return nil
	}
	return &Finding{
		RateID:   rate.RateID,
		RoundID:  latest.RoundID,
		Kind:     KindStaleData,
		Severity: severity(ratio),
		Score:    ratio,
		Message:  fmt.Sprintf("data age %.1fh exceeds heartbeat %.1fh (%.1fx)", age/3600, float64(rate.HeartbeatSeconds)/3600, ratio),
	}
}

// checkVelocity flags an abrupt relative change between consecutive rounds,
// normalized to a daily rate.
func (s *Service) checkVelocity(latest, previous *oracle.Observation, current float64) *Finding {
	prev := asFloat(previous.Answer)
	if prev == 0 {
		if current == 0 {
			return nil
		}
		return &Finding{
			RateID:   latest.RateID,
			RoundID:  latest.RoundID,
			Kind:     KindVelocity,
			Severity: SeverityCritical,
			Score:    999,
			Message:  fmt.Sprintf("value changed from 0 to %.4f", current),
		}
	}
	hours := latest.IngestedAt.Sub(previous.IngestedAt).Hours()
	change := math.Abs(current-prev) / math.Abs(prev)
	daily := change
	if hours > 0 {
		daily = change * (24 / hours)
	}
	if daily <= s.params.VelocityThreshold {
		return nil
	}
	ratio := daily / s.params.VelocityThreshold
	direction := "increase"
	if current < prev {
		direction = "decrease"
	}
	return &Finding{
		RateID:   latest.RateID,
		RoundID:  latest.RoundID,
		Kind:     KindVelocity,
		Severity: severity(ratio),
		Score:    ratio,
		Message:  fmt.Sprintf("daily %s rate %.1f%% exceeds threshold %.1f%%", direction, daily*100, s.params.VelocityThreshold*100),
	}
}

// ScanAll sweeps every registered rate. Per-rate failures are logged and do
// not stop the sweep.
func (s *Service) ScanAll(now time.Time) (int, error) {
	rates, err := s.rates.ListRates()
	if err != nil {
		return 0, err
	}
	var total int
	for _, rate := range rates {
		findings, err := s.ScanRate(rate.RateID, now)
		if err != nil {
			log.Error().Err(err).
				Str("rate_id", rate.RateID).
				Str("service", "anomaly").
				Msg("rate scan failed")
			continue
		}
		total += len(findings)
	}
	return total, nil
}

// ListFindings returns the most recent findings for a rate, newest first.
func (s *Service) ListFindings(rateID string, limit int) ([]Finding, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var findings []Finding
	if err := s.db.Where("rate_id = ?", rateID).
		Order("id DESC").
		Limit(limit).
		Find(&findings).Error; err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	return findings, nil
}

// GinHandlers contains HTTP handlers for anomaly endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for anomaly endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListFindingsHandler handles GET requests for a rate's recent findings
func (h *GinHandlers) ListFindingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		findings, err := h.service.ListFindings(c.Param("rate_id"), limit)
		response.Handle(c, findings, err)
	}
}

// ScanHandler handles POST requests triggering a full sweep
func (h *GinHandlers) ScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := h.service.ScanAll(time.Now().UTC())
		response.Handle(c, gin.H{"findings": count}, err)
	}
}
