package instrument

import (
	"errors"
	"fmt"
	"time"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTransition      = errors.New("status transition not allowed")
	ErrNotAuthorized          = errors.New("caller lacks authority for this operation")
	ErrNotMaturedYet          = errors.New("maturity date not reached")
	ErrEarlyRedemptionBlocked = errors.New("early redemption not allowed by terms")
	ErrRepactuationBlocked    = errors.New("repactuation not allowed by terms")
	ErrNotActive              = errors.New("instrument is not active")
)

// allowedTransitions is the single source of truth for lifecycle edges. Every
// terminal state maps to an empty set; REPACTUATED -> ACTIVE is the sole
// cyclic edge.
var allowedTransitions = map[string][]string{
	StatusActive:        {StatusMatured, StatusDefaulted, StatusEarlyRedeemed, StatusRepactuated},
	StatusRepactuated:   {StatusActive},
	StatusMatured:       {},
	StatusDefaulted:     {},
	StatusEarlyRedeemed: {},
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Service) transition(inst *Instrument, to, authority, note string, now time.Time) error {
	if !transitionAllowed(inst.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.Status, to)
	}
	change := StatusChange{
		InstrumentID: inst.InstrumentID,
		FromStatus:   inst.Status,
		ToStatus:     to,
		Authority:    authority,
		Note:         note,
		OccurredAt:   now,
	}
	inst.Status = to
	if err := s.db.SaveTransition(inst, []StatusChange{change}); err != nil {
		return err
	}
	log.Info().
		Str("instrument_id", inst.InstrumentID).
		Str("from", change.FromStatus).
		Str("to", to).
		Str("authority", authority).
		Str("service", "instrument").
		Msg("status transition")
	return nil
}

// Mature moves an ACTIVE instrument to MATURED. Any caller may trigger it
// once the maturity date has been reached.
func (s *Service) Mature(instrumentID, callerID string, now time.Time) (*Instrument, error) {
	release := s.locks.Acquire(instrumentID)
	defer release()

	inst, err := s.GetInstrument(instrumentID)
	if err != nil {
		return nil, err
	}
	if now.Before(inst.MaturityDate) {
		return nil, ErrNotMaturedYet
	}
	if err := s.transition(inst, StatusMatured, callerID, "maturity date reached", now); err != nil {
		return nil, err
	}
	return inst, nil
}

// Default moves an ACTIVE instrument to DEFAULTED. Trustee authority only.
func (s *Service) Default(instrumentID, callerID, note string, now time.Time) (*Instrument, error) {
	release := s.locks.Acquire(instrumentID)
	defer release()

	inst, err := s.GetInstrument(instrumentID)
	if err != nil {
		return nil, err
	}
	if callerID != inst.TrusteeID {
		return nil, ErrNotAuthorized
	}
	if err := s.transition(inst, StatusDefaulted, callerID, note, now); err != nil {
		return nil, err
	}
	return inst, nil
}

// EarlyRedeem moves an ACTIVE instrument to EARLY_REDEEMED. Issuer authority,
// and only when the terms allow it.
func (s *Service) EarlyRedeem(instrumentID, callerID string, now time.Time) (*Instrument, error) {
	release := s.locks.Acquire(instrumentID)
	defer release()

	inst, err := s.GetInstrument(instrumentID)
	if err != nil {
		return nil, err
	}
	if callerID != inst.IssuerID {
		return nil, ErrNotAuthorized
	}
	if !inst.EarlyRedemptionAllowed {
		return nil, ErrEarlyRedemptionBlocked
	}
	if err := s.transition(inst, StatusEarlyRedeemed, callerID, "early redemption", now); err != nil {
		return nil, err
	}
	return inst, nil
}

// Repactuate passes an ACTIVE instrument through REPACTUATED and back to
// ACTIVE, rewriting the spread and percent-of-DI terms on the way. Trustee
// authority, terms permitting. All guards are evaluated before any mutation.
func (s *Service) Repactuate(instrumentID, callerID string, newSpread, newPercentDI fixedpoint.Dec, now time.Time) (*Instrument, error) {
	release := s.locks.Acquire(instrumentID)
	defer release()

	inst, err := s.GetInstrument(instrumentID)
	if err != nil {
		return nil, err
	}
	if callerID != inst.TrusteeID {
		return nil, ErrNotAuthorized
	}
	if !inst.RepactuationAllowed {
		return nil, ErrRepactuationBlocked
	}
	if !transitionAllowed(inst.Status, StatusRepactuated) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.Status, StatusRepactuated)
	}

	changes := []StatusChange{
		{
			InstrumentID: instrumentID,
			FromStatus:   inst.Status,
			ToStatus:     StatusRepactuated,
			Authority:    callerID,
			Note:         "rate terms repactuation",
			OccurredAt:   now,
		},
		{
			InstrumentID: instrumentID,
			FromStatus:   StatusRepactuated,
			ToStatus:     StatusActive,
			Authority:    callerID,
			Note:         fmt.Sprintf("re-entered active with spread %s percent_di %s", newSpread, newPercentDI),
			OccurredAt:   now,
		},
	}
	inst.Status = StatusActive
	inst.SpreadRate = newSpread
	inst.PercentDI = newPercentDI
	inst.RepactuationCount++
	if err := s.db.SaveTransition(inst, changes); err != nil {
		return nil, err
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Str("new_spread", newSpread.String()).
		Str("new_percent_di", newPercentDI.String()).
		Int("repactuation_count", inst.RepactuationCount).
		Str("service", "instrument").
		Msg("instrument repactuated")
	return inst, nil
}

// RequireActive loads an instrument and rejects the call when it is not in
// the ACTIVE state. Mutating operations gate on this.
func (s *Service) RequireActive(instrumentID string) (*Instrument, error) {
	inst, err := s.GetInstrument(instrumentID)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrNotActive, inst.Status)
	}
	return inst, nil
}
