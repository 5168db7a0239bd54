package instrument_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/delosfi/debenture-api/internal/compliance"
	"github.com/delosfi/debenture-api/internal/database"
	"github.com/delosfi/debenture-api/internal/instrument"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testIssuer  = "ISSUER-1"
	testTrustee = "TRUSTEE-1"
	testHolder  = "HOLDER-1"
)

var issueDate = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) // a Tuesday

type stack struct {
	db          *gorm.DB
	oracle      *oracle.Service
	compliance  *compliance.Service
	ledger      *ledger.Service
	instruments *instrument.Service
}

func newStack(t *testing.T, allowStale bool) *stack {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	oracleService := oracle.NewService(db)
	require.NoError(t, oracleService.SeedDefaults())
	complianceService := compliance.NewService(db)
	ledgerService := ledger.NewService(db)
	instrumentService := instrument.NewService(db, oracleService, complianceService,
		ledgerService, instrument.NewLocks(), allowStale)
	return &stack{
		db:          db,
		oracle:      oracleService,
		compliance:  complianceService,
		ledger:      ledgerService,
		instruments: instrumentService,
	}
}

func baseRequest() instrument.CreateRequest {
	return instrument.CreateRequest{
		Name:                "Test Debenture",
		Symbol:              "TST11",
		ISINCode:            "BRTSTDBS0001",
		IssuerID:            testIssuer,
		TrusteeID:           testTrustee,
		FaceValue:           1_000_000000, // R$ 1000.00
		UnitCount:           1000,
		IssueDate:           issueDate,
		MaturityDate:        issueDate.AddDate(2, 0, 0),
		LockUpEndDate:       issueDate,
		IndexationType:      instrument.IndexationFixed,
		SpreadRate:          120_000, // 12.00% fixed
		CouponFrequencyDays: 90,
	}
}

func (s *stack) issue(t *testing.T, mutate func(*instrument.CreateRequest)) *instrument.Instrument {
	t.Helper()
	req := baseRequest()
	if mutate != nil {
		mutate(&req)
	}
	inst, err := s.instruments.CreateInstrument(req)
	require.NoError(t, err)
	return inst
}

func TestBusinessDays(t *testing.T) {
	// (Tue Jan 2, Tue Jan 9] covers Wed-Fri plus Mon-Tue.
	assert.Equal(t, uint64(5), instrument.BusinessDays(issueDate, issueDate.AddDate(0, 0, 7)))
	// Same day and backwards count zero.
	assert.Equal(t, uint64(0), instrument.BusinessDays(issueDate, issueDate))
	assert.Equal(t, uint64(0), instrument.BusinessDays(issueDate, issueDate.AddDate(0, 0, -7)))
	// A weekend-only span counts zero: (Fri Jan 5, Sun Jan 7].
	friday := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, uint64(0), instrument.BusinessDays(friday, friday.AddDate(0, 0, 2)))
}

func TestCreateInstrumentValidatesTerms(t *testing.T) {
	s := newStack(t, false)

	cases := []func(*instrument.CreateRequest){
		func(r *instrument.CreateRequest) { r.FaceValue = 0 },
		func(r *instrument.CreateRequest) { r.UnitCount = -1 },
		func(r *instrument.CreateRequest) { r.MaturityDate = r.IssueDate },
		func(r *instrument.CreateRequest) { r.LockUpEndDate = r.MaturityDate.AddDate(0, 1, 0) },
		func(r *instrument.CreateRequest) { r.CouponFrequencyDays = 0 },
		func(r *instrument.CreateRequest) { r.IndexationType = "LIBOR_SPREAD" },
		func(r *instrument.CreateRequest) { r.AmortizationBasis = "BALLOON" },
	}
	for i, mutate := range cases {
		req := baseRequest()
		mutate(&req)
		_, err := s.instruments.CreateInstrument(req)
		assert.ErrorIs(t, err, instrument.ErrInvalidTerms, "case %d", i)
	}
}

func TestCreateInstrumentRejectsDuplicateISIN(t *testing.T) {
	s := newStack(t, false)
	s.issue(t, nil)

	_, err := s.instruments.CreateInstrument(baseRequest())
	assert.ErrorIs(t, err, instrument.ErrISINExists)
}

func TestCreateInstrumentSeedsStateAndSupply(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	assert.Equal(t, instrument.StatusActive, inst.Status)
	assert.Equal(t, instrument.AmortBullet, inst.AmortizationBasis)

	state, err := s.instruments.AccrualStateOf(inst.InstrumentID)
	require.NoError(t, err)
	assert.Equal(t, 0, state.AccumulatedFactor.Cmp(fixedpoint.One()))
	assert.Equal(t, 0, state.CurrentValue.Cmp(inst.FaceValue))
	assert.True(t, state.LastUpdateDate.Equal(issueDate))

	units, err := s.ledger.BalanceOf(inst.InstrumentID, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), units)

	// Issuer and trustee are whitelisted at issuance.
	members, err := s.compliance.ListMembers(inst.InstrumentID, compliance.ListWhitelist)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testIssuer, testTrustee}, members)
}

func TestResolveAnnualRate(t *testing.T) {
	s := newStack(t, false)
	_, err := s.oracle.UpdateRate("CDI", fixedpoint.New(11_15000000), 20240102, "BCB_API")
	require.NoError(t, err)

	fixed := s.issue(t, nil)
	rate, err := s.instruments.ResolveAnnualRate(fixed)
	require.NoError(t, err)
	assert.Equal(t, int64(12_00000000), rate.Int64())

	diSpread := s.issue(t, func(r *instrument.CreateRequest) {
		r.ISINCode = "BRTSTDBS0002"
		r.IndexationType = instrument.IndexationDISpread
		r.SpreadRate = 50_000 // CDI + 5.00%
	})
	rate, err = s.instruments.ResolveAnnualRate(diSpread)
	require.NoError(t, err)
	assert.Equal(t, int64(16_15000000), rate.Int64())

	diPercent := s.issue(t, func(r *instrument.CreateRequest) {
		r.ISINCode = "BRTSTDBS0003"
		r.IndexationType = instrument.IndexationDIPercent
		r.SpreadRate = 0
		r.PercentDI = 11_000 // 1.10x CDI
	})
	rate, err = s.instruments.ResolveAnnualRate(diPercent)
	require.NoError(t, err)
	assert.Equal(t, int64(12_26500000), rate.Int64())
}

func TestAccrualFixedRateOverOneWeek(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	// Five business days at 12% a.a.: factor (1.12)^(5/252) ~= 1.0022512.
	value, err := s.instruments.UpdateAccrual(inst.InstrumentID, issueDate.AddDate(0, 0, 7))
	require.NoError(t, err)

	factor := value.AccumulatedFactor.Int64()
	assert.Greater(t, factor, int64(1_002_200_000_000_000_000))
	assert.Less(t, factor, int64(1_002_300_000_000_000_000))

	// R$ 1000.00 grows to about R$ 1002.25 per unit.
	current := value.CurrentValue.Int64()
	assert.Greater(t, current, int64(1_002_200_000))
	assert.Less(t, current, int64(1_002_300_000))
}

func TestAccrualStepwiseMatchesSingleShot(t *testing.T) {
	s := newStack(t, false)
	stepped := s.issue(t, nil)
	single := s.issue(t, func(r *instrument.CreateRequest) { r.ISINCode = "BRTSTDBS0002" })

	for _, days := range []int{7, 14, 21} {
		_, err := s.instruments.UpdateAccrual(stepped.InstrumentID, issueDate.AddDate(0, 0, days))
		require.NoError(t, err)
	}
	_, err := s.instruments.UpdateAccrual(single.InstrumentID, issueDate.AddDate(0, 0, 21))
	require.NoError(t, err)

	steppedState, err := s.instruments.AccrualStateOf(stepped.InstrumentID)
	require.NoError(t, err)
	singleState, err := s.instruments.AccrualStateOf(single.InstrumentID)
	require.NoError(t, err)

	// Update cadence must not change the economics beyond terminal rounding.
	diff := steppedState.CurrentValue.Sub(singleState.CurrentValue).Int64()
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, int64(5)) // within 5 millionths of a real
}

func TestAccrualRejectsNonAdvancingDate(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	_, err := s.instruments.UpdateAccrual(inst.InstrumentID, issueDate.AddDate(0, 0, 7))
	require.NoError(t, err)

	_, err = s.instruments.UpdateAccrual(inst.InstrumentID, issueDate.AddDate(0, 0, 7))
	assert.ErrorIs(t, err, instrument.ErrAsOfNotNewer)
	_, err = s.instruments.UpdateAccrual(inst.InstrumentID, issueDate)
	assert.ErrorIs(t, err, instrument.ErrAsOfNotNewer)
}

func TestAccrualRefusesStaleReference(t *testing.T) {
	s := newStack(t, false)
	_, err := s.oracle.UpdateRate("CDI", fixedpoint.New(11_15000000), 20240102, "BCB_API")
	require.NoError(t, err)

	inst := s.issue(t, func(r *instrument.CreateRequest) {
		r.IndexationType = instrument.IndexationDISpread
		r.SpreadRate = 50_000
	})

	// Age the CDI observation past its 2-day heartbeat.
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, s.db.Model(&oracle.Observation{}).
		Where("rate_id = ?", "CDI").
		Update("ingested_at", old).Error)

	_, err = s.instruments.UpdateAccrual(inst.InstrumentID, issueDate.AddDate(0, 0, 7))
	assert.ErrorIs(t, err, instrument.ErrStaleReference)

	// A permissive deployment accepts the stale reading.
	permissive := instrument.NewService(s.db, s.oracle, s.compliance, s.ledger,
		instrument.NewLocks(), true)
	_, err = permissive.UpdateAccrual(inst.InstrumentID, issueDate.AddDate(0, 0, 7))
	require.NoError(t, err)
}

func TestLifecycleMature(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	_, err := s.instruments.Mature(inst.InstrumentID, testHolder, issueDate.AddDate(0, 0, 30))
	assert.ErrorIs(t, err, instrument.ErrNotMaturedYet)

	// Anyone may trigger maturity once the date has passed.
	matured, err := s.instruments.Mature(inst.InstrumentID, testHolder, inst.MaturityDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusMatured, matured.Status)

	// Terminal states admit no further transitions.
	_, err = s.instruments.Default(inst.InstrumentID, testTrustee, "missed payment", inst.MaturityDate.AddDate(0, 0, 2))
	assert.ErrorIs(t, err, instrument.ErrInvalidTransition)
}

func TestLifecycleDefaultRequiresTrustee(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	_, err := s.instruments.Default(inst.InstrumentID, testIssuer, "missed payment", issueDate.AddDate(0, 0, 30))
	assert.ErrorIs(t, err, instrument.ErrNotAuthorized)

	defaulted, err := s.instruments.Default(inst.InstrumentID, testTrustee, "missed payment", issueDate.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusDefaulted, defaulted.Status)
}

func TestLifecycleEarlyRedeem(t *testing.T) {
	s := newStack(t, false)

	blocked := s.issue(t, nil) // EarlyRedemptionAllowed defaults to false
	_, err := s.instruments.EarlyRedeem(blocked.InstrumentID, testIssuer, issueDate.AddDate(0, 6, 0))
	assert.ErrorIs(t, err, instrument.ErrEarlyRedemptionBlocked)

	allowed := s.issue(t, func(r *instrument.CreateRequest) {
		r.ISINCode = "BRTSTDBS0002"
		r.EarlyRedemptionAllowed = true
	})
	_, err = s.instruments.EarlyRedeem(allowed.InstrumentID, testTrustee, issueDate.AddDate(0, 6, 0))
	assert.ErrorIs(t, err, instrument.ErrNotAuthorized)

	redeemed, err := s.instruments.EarlyRedeem(allowed.InstrumentID, testIssuer, issueDate.AddDate(0, 6, 0))
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusEarlyRedeemed, redeemed.Status)
}

func TestLifecycleRepactuation(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, func(r *instrument.CreateRequest) { r.RepactuationAllowed = true })

	updated, err := s.instruments.Repactuate(inst.InstrumentID, testTrustee,
		fixedpoint.New(90_000), fixedpoint.Zero(), issueDate.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusActive, updated.Status)
	assert.Equal(t, int64(90_000), updated.SpreadRate.Int64())
	assert.Equal(t, 1, updated.RepactuationCount)

	// The audit trail shows the round trip through REPACTUATED.
	history, err := s.instruments.StatusHistory(inst.InstrumentID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, instrument.StatusRepactuated, history[0].ToStatus)
	assert.Equal(t, instrument.StatusActive, history[1].ToStatus)
}

func TestLifecycleRepactuationBlocked(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	_, err := s.instruments.Repactuate(inst.InstrumentID, testTrustee,
		fixedpoint.New(90_000), fixedpoint.Zero(), issueDate.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, instrument.ErrRepactuationBlocked)

	allowed := s.issue(t, func(r *instrument.CreateRequest) {
		r.ISINCode = "BRTSTDBS0002"
		r.RepactuationAllowed = true
	})
	_, err = s.instruments.Repactuate(allowed.InstrumentID, testIssuer,
		fixedpoint.New(90_000), fixedpoint.Zero(), issueDate.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, instrument.ErrNotAuthorized)
}

func TestTransferRequiresWhitelist(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	err := s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 100, issueDate.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, compliance.ErrNotWhitelisted)

	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))
	require.NoError(t, s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 100, issueDate.AddDate(0, 0, 1)))

	units, err := s.ledger.BalanceOf(inst.InstrumentID, testHolder)
	require.NoError(t, err)
	assert.Equal(t, int64(100), units)
}

func TestTransferBlacklistOverridesWhitelist(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))
	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListBlacklist, []string{testHolder}))

	err := s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 100, issueDate.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, compliance.ErrBlacklisted)
}

func TestTransferPauseShadowsEverything(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)

	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))
	_, err := s.compliance.SetPaused(inst.InstrumentID, true)
	require.NoError(t, err)

	err = s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 100, issueDate.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, compliance.ErrPaused)

	_, err = s.compliance.SetPaused(inst.InstrumentID, false)
	require.NoError(t, err)
	require.NoError(t, s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 100, issueDate.AddDate(0, 0, 1)))
}

func TestTransferLockUpBindsHoldersNotIssuer(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, func(r *instrument.CreateRequest) {
		r.LockUpEndDate = issueDate.AddDate(0, 6, 0)
	})
	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))

	// Issuer placement is exempt from the lock-up.
	require.NoError(t, s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 100, issueDate.AddDate(0, 0, 1)))

	// The holder cannot sell during the window, but can after it ends.
	err := s.instruments.Transfer(inst.InstrumentID, testHolder, testIssuer, 50, issueDate.AddDate(0, 1, 0))
	assert.ErrorIs(t, err, compliance.ErrLockedUp)
	require.NoError(t, s.instruments.Transfer(inst.InstrumentID, testHolder, testIssuer, 50, issueDate.AddDate(0, 7, 0)))
}

func TestTransferRequiresActiveInstrument(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)
	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))

	_, err := s.instruments.Default(inst.InstrumentID, testTrustee, "missed payment", issueDate.AddDate(0, 0, 30))
	require.NoError(t, err)

	err = s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 100, issueDate.AddDate(0, 0, 31))
	assert.ErrorIs(t, err, instrument.ErrNotActive)
}

func TestTransferInsufficientUnits(t *testing.T) {
	s := newStack(t, false)
	inst := s.issue(t, nil)
	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))

	err := s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 2000, issueDate.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientUnits)
}
