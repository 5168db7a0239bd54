package amortization_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/delosfi/debenture-api/internal/amortization"
	"github.com/delosfi/debenture-api/internal/compliance"
	"github.com/delosfi/debenture-api/internal/database"
	"github.com/delosfi/debenture-api/internal/instrument"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/internal/payment"
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
	testHolder  = "HOLDER-A"
)

var issueDate = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

type stack struct {
	db           *gorm.DB
	instruments  *instrument.Service
	compliance   *compliance.Service
	ledger       *ledger.Service
	payments     *payment.Service
	amortization *amortization.Service
}

// failingAsset settles the cash leg and then reports a downstream failure,
// so the surrounding transaction must roll the transfer back.
type failingAsset struct {
	inner *payment.Service
}

func (f *failingAsset) TransferTx(tx *gorm.DB, from, to string, amount fixedpoint.Dec) error {
	if err := f.inner.TransferTx(tx, from, to, amount); err != nil {
		return err
	}
	return errors.New("settlement rail unavailable")
}

func newStack(t *testing.T) *stack {
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
		ledgerService, instrument.NewLocks(), false)
	paymentService := payment.NewService(db)
	return &stack{
		db:           db,
		instruments:  instrumentService,
		compliance:   complianceService,
		ledger:       ledgerService,
		payments:     paymentService,
		amortization: amortization.NewService(db, instrumentService, ledgerService, paymentService),
	}
}

func (s *stack) issue(t *testing.T, basis string) *instrument.Instrument {
	t.Helper()
	inst, err := s.instruments.CreateInstrument(instrument.CreateRequest{
		Name:                "Test Debenture",
		Symbol:              "TST11",
		ISINCode:            "BRTSTDBS0001",
		IssuerID:            testIssuer,
		TrusteeID:           testTrustee,
		FaceValue:           1_000_000000,
		UnitCount:           1000,
		IssueDate:           issueDate,
		MaturityDate:        issueDate.AddDate(2, 0, 0),
		LockUpEndDate:       issueDate,
		IndexationType:      instrument.IndexationFixed,
		SpreadRate:          120_000,
		CouponFrequencyDays: 90,
		AmortizationBasis:   basis,
	})
	require.NoError(t, err)
	return inst
}

func validSchedule() amortization.ScheduleRequest {
	return amortization.ScheduleRequest{
		Entries: []amortization.ScheduleEntry{
			{DueDate: issueDate.AddDate(0, 6, 0), PercentBps: 3000},
			{DueDate: issueDate.AddDate(1, 0, 0), PercentBps: 3000},
			{DueDate: issueDate.AddDate(2, 0, 0), PercentBps: 4000},
		},
	}
}

func TestSetScheduleValidation(t *testing.T) {
	s := newStack(t)
	inst := s.issue(t, instrument.AmortScheduled)

	// Not the issuer.
	_, err := s.amortization.SetSchedule(inst.InstrumentID, testTrustee, validSchedule())
	assert.ErrorIs(t, err, amortization.ErrNotIssuer)

	// Percentages short of 100%.
	short := validSchedule()
	short.Entries[2].PercentBps = 3000
	_, err = s.amortization.SetSchedule(inst.InstrumentID, testIssuer, short)
	assert.ErrorIs(t, err, amortization.ErrPercentagesNotFull)

	// Dates out of order.
	unordered := validSchedule()
	unordered.Entries[1].DueDate = issueDate.AddDate(0, 3, 0)
	_, err = s.amortization.SetSchedule(inst.InstrumentID, testIssuer, unordered)
	assert.ErrorIs(t, err, amortization.ErrInvalidDates)

	// Date past maturity.
	late := validSchedule()
	late.Entries[2].DueDate = issueDate.AddDate(3, 0, 0)
	_, err = s.amortization.SetSchedule(inst.InstrumentID, testIssuer, late)
	assert.ErrorIs(t, err, amortization.ErrInvalidDates)

	entries, err := s.amortization.SetSchedule(inst.InstrumentID, testIssuer, validSchedule())
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Schedules are one-shot.
	_, err = s.amortization.SetSchedule(inst.InstrumentID, testIssuer, validSchedule())
	assert.ErrorIs(t, err, amortization.ErrAlreadySet)
}

func TestSetScheduleRejectedForBulletInstruments(t *testing.T) {
	s := newStack(t)
	inst := s.issue(t, instrument.AmortBullet)

	_, err := s.amortization.SetSchedule(inst.InstrumentID, testIssuer, validSchedule())
	assert.ErrorIs(t, err, amortization.ErrScheduleNotAllowed)
}

func TestExecuteSequencingAndDueDates(t *testing.T) {
	s := newStack(t)
	inst := s.issue(t, instrument.AmortScheduled)
	_, err := s.amortization.SetSchedule(inst.InstrumentID, testIssuer, validSchedule())
	require.NoError(t, err)
	require.NoError(t, s.payments.Mint(testIssuer, fixedpoint.New(2_000_000_000000)))

	// Entry 2 cannot run before entry 1.
	_, err = s.amortization.Execute(inst.InstrumentID, 2, testIssuer, issueDate.AddDate(1, 0, 1))
	assert.ErrorIs(t, err, amortization.ErrOutOfOrder)

	// Entry 1 cannot run before its due date.
	_, err = s.amortization.Execute(inst.InstrumentID, 1, testIssuer, issueDate.AddDate(0, 3, 0))
	assert.ErrorIs(t, err, amortization.ErrNotDueYet)

	// Only the issuer executes.
	_, err = s.amortization.Execute(inst.InstrumentID, 1, testHolder, issueDate.AddDate(0, 6, 1))
	assert.ErrorIs(t, err, amortization.ErrNotIssuer)

	result, err := s.amortization.Execute(inst.InstrumentID, 1, testIssuer, issueDate.AddDate(0, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), result.PercentBps)

	_, err = s.amortization.Execute(inst.InstrumentID, 1, testIssuer, issueDate.AddDate(0, 6, 2))
	assert.ErrorIs(t, err, amortization.ErrAlreadyExecuted)

	_, err = s.amortization.Execute(inst.InstrumentID, 99, testIssuer, issueDate.AddDate(0, 6, 2))
	assert.ErrorIs(t, err, amortization.ErrEntryNotFound)
}

func TestExecuteReducesFaceAndPaysHolders(t *testing.T) {
	s := newStack(t)
	inst := s.issue(t, instrument.AmortScheduled)
	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))
	require.NoError(t, s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 250, issueDate.AddDate(0, 0, 1)))

	_, err := s.amortization.SetSchedule(inst.InstrumentID, testIssuer, validSchedule())
	require.NoError(t, err)
	require.NoError(t, s.payments.Mint(testIssuer, fixedpoint.New(2_000_000_000000)))

	// Accrue half a year at 12% before the first 30% repayment.
	asOf := issueDate.AddDate(0, 6, 0)
	_, err = s.instruments.UpdateAccrual(inst.InstrumentID, asOf)
	require.NoError(t, err)

	result, err := s.amortization.Execute(inst.InstrumentID, 1, testIssuer, asOf)
	require.NoError(t, err)

	// 30% of the R$ 1000.00 face comes off the principal.
	assert.Equal(t, int64(300_000000), result.PerUnitReduction.Int64())
	assert.Equal(t, int64(700_000000), result.OutstandingFace.Int64())
	// The indexed payment exceeds the face reduction.
	assert.Greater(t, result.PerUnitPayment.Int64(), result.PerUnitReduction.Int64())

	// Holder with a quarter of the supply received a quarter of the payout.
	holderCash, err := s.payments.BalanceOf(testHolder)
	require.NoError(t, err)
	assert.Equal(t, 0, holderCash.Cmp(result.TotalPayment.DivInt(4)))

	// Subsequent accrual compounds on the reduced face.
	state, err := s.instruments.AccrualStateOf(inst.InstrumentID)
	require.NoError(t, err)
	assert.Equal(t, int64(700_000000), state.OutstandingFace.Int64())
	assert.Equal(t, 0, state.CurrentValue.Cmp(state.OutstandingFace.MulScaled(state.AccumulatedFactor,
		fixedpoint.FactorScale)))
}

func TestExecuteRollsBackCashWhenEntryWriteFails(t *testing.T) {
	s := newStack(t)
	inst := s.issue(t, instrument.AmortScheduled)
	require.NoError(t, s.compliance.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{testHolder}))
	require.NoError(t, s.instruments.Transfer(inst.InstrumentID, testIssuer, testHolder, 250, issueDate.AddDate(0, 0, 1)))

	_, err := s.amortization.SetSchedule(inst.InstrumentID, testIssuer, validSchedule())
	require.NoError(t, err)
	minted := fixedpoint.New(2_000_000_000000)
	require.NoError(t, s.payments.Mint(testIssuer, minted))

	asOf := issueDate.AddDate(0, 6, 0)
	_, err = s.instruments.UpdateAccrual(inst.InstrumentID, asOf)
	require.NoError(t, err)

	broken := amortization.NewService(s.db, s.instruments, s.ledger, &failingAsset{inner: s.payments})
	_, err = broken.Execute(inst.InstrumentID, 1, testIssuer, asOf)
	require.Error(t, err)

	// No cash moved anywhere.
	issuerCash, err := s.payments.BalanceOf(testIssuer)
	require.NoError(t, err)
	assert.Equal(t, 0, issuerCash.Cmp(minted))
	holderCash, err := s.payments.BalanceOf(testHolder)
	require.NoError(t, err)
	assert.True(t, holderCash.IsZero())

	// The entry is still pending and a clean retry pays exactly once.
	result, err := s.amortization.Execute(inst.InstrumentID, 1, testIssuer, asOf)
	require.NoError(t, err)
	holderCash, err = s.payments.BalanceOf(testHolder)
	require.NoError(t, err)
	assert.Equal(t, 0, holderCash.Cmp(result.TotalPayment.DivInt(4)))
}
