package instrument

import (
	"errors"
	"fmt"
	"time"

	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/rs/zerolog/log"
)

var (
	ErrStaleReference = errors.New("reference rate is stale")
	ErrAsOfNotNewer   = errors.New("as-of date not after last accrual date")
)

// refRateID maps an indexation type to the oracle rate it consumes.
func refRateID(indexationType string) string {
	switch indexationType {
	case IndexationDISpread, IndexationDIPercent:
		return "CDI"
	case IndexationIPCASpread:
		return "IPCA"
	default:
		return ""
	}
}

// ResolveAnnualRate computes the instrument's applicable annual rate at
// RateScale from its terms and the oracle's latest reference observation.
// Stale reference data is refused unless the service's stale policy allows
// it; staleness never blocks fixed-rate instruments, which consult no oracle.
func (s *Service) ResolveAnnualRate(inst *Instrument) (fixedpoint.Dec, error) {
	spread := inst.SpreadRate.Rescale(fixedpoint.SpreadScale, fixedpoint.RateScale)

	rateID := refRateID(inst.IndexationType)
	if rateID == "" {
		if inst.IndexationType != IndexationFixed {
			return fixedpoint.Dec{}, fmt.Errorf("unknown indexation type %q", inst.IndexationType)
		}
		return spread, nil
	}

	ref, err := s.oracle.GetRate(rateID)
	if err != nil {
		return fixedpoint.Dec{}, fmt.Errorf("failed to resolve reference rate %s: %w", rateID, err)
	}
	if ref.Stale && !s.allowStale {
		return fixedpoint.Dec{}, fmt.Errorf("%w: %s round %d", ErrStaleReference, rateID, ref.RoundID)
	}

	switch inst.IndexationType {
	case IndexationDISpread, IndexationIPCASpread:
		return ref.Answer.Add(spread), nil
	case IndexationDIPercent:
		return ref.Answer.MulScaled(inst.PercentDI, fixedpoint.SpreadScale), nil
	default:
		return fixedpoint.Dec{}, fmt.Errorf("unknown indexation type %q", inst.IndexationType)
	}
}

// CompoundFactor returns (1+annualRate)^(du/252) at FactorScale: the per-
// business-day factor is the 252nd root of the annual growth, raised to the
// elapsed business-day count.
func CompoundFactor(annualRate fixedpoint.Dec, businessDays uint64) fixedpoint.Dec {
	if businessDays == 0 {
		return fixedpoint.One()
	}
	growth := fixedpoint.One().Add(annualRate.Rescale(fixedpoint.RateScale, fixedpoint.FactorScale))
	if growth.Sign() <= 0 {
		// A -100% or worse annual rate wipes the period entirely.
		return fixedpoint.Zero()
	}
	daily := growth.RootFactor(BusinessDaysPerYear)
	return daily.PowFactor(businessDays)
}

// UpdateAccrual advances the compounding position to asOf. The incremental
// factor for the elapsed business days is multiplied into the accumulated
// factor at FactorScale; the display value is recomputed from it only at the
// end. Rejected calls mutate nothing.
func (s *Service) UpdateAccrual(instrumentID string, asOf time.Time) (*ValueResponse, error) {
	release := s.locks.Acquire(instrumentID)
	defer release()

	inst, err := s.RequireActive(instrumentID)
	if err != nil {
		return nil, err
	}
	state, err := s.db.GetAccrualState(instrumentID)
	if err != nil {
		return nil, err
	}
	if !asOf.After(state.LastUpdateDate) {
		return nil, ErrAsOfNotNewer
	}

	annual, err := s.ResolveAnnualRate(inst)
	if err != nil {
		return nil, err
	}

	du := BusinessDays(state.LastUpdateDate, asOf)
	incremental := CompoundFactor(annual, du)
	state.AccumulatedFactor = state.AccumulatedFactor.MulScaled(incremental, fixedpoint.FactorScale)
	state.CurrentValue = state.OutstandingFace.MulScaled(state.AccumulatedFactor, fixedpoint.FactorScale)
	state.LastIndexValue = annual
	state.LastUpdateDate = asOf
	if err := s.db.UpdateAccrualState(state); err != nil {
		return nil, fmt.Errorf("failed to persist accrual state: %w", err)
	}

	log.Info().
		Str("instrument_id", instrumentID).
		Uint64("business_days", du).
		Str("annual_rate", annual.String()).
		Str("incremental_factor", incremental.String()).
		Str("accumulated_factor", state.AccumulatedFactor.String()).
		Str("current_value", state.CurrentValue.String()).
		Str("service", "instrument").
		Msg("accrual updated")
	return s.valueResponse(state), nil
}

// AccrualStateOf returns the raw accrual state row. Callers that mutate it
// must hold the instrument lock.
func (s *Service) AccrualStateOf(instrumentID string) (*AccrualState, error) {
	return s.db.GetAccrualState(instrumentID)
}

// Value is the pure read of the accrual position.
func (s *Service) Value(instrumentID string) (*ValueResponse, error) {
	state, err := s.db.GetAccrualState(instrumentID)
	if err != nil {
		return nil, err
	}
	return s.valueResponse(state), nil
}

func (s *Service) valueResponse(state *AccrualState) *ValueResponse {
	// Par strips the interest accrued since the last coupon: face compounded
	// only up to the factor frozen at the previous record date.
	par := state.OutstandingFace.MulScaled(state.FactorAtLastCoupon, fixedpoint.FactorScale)
	return &ValueResponse{
		InstrumentID:      state.InstrumentID,
		CurrentValue:      state.CurrentValue,
		ParValue:          par,
		AccumulatedFactor: state.AccumulatedFactor,
		OutstandingFace:   state.OutstandingFace,
		LastUpdateDate:    state.LastUpdateDate,
	}
}
