// Command simulation drives the full platform flow in process: seed the rate
// feed, run a refresh, issue a debenture, accrue it over a quarter, move
// units between holders, then record, fund and claim a coupon and execute an
// amortization entry.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/delosfi/debenture-api/internal/amortization"
	"github.com/delosfi/debenture-api/internal/anomaly"
	"github.com/delosfi/debenture-api/internal/compliance"
	"github.com/delosfi/debenture-api/internal/coupon"
	"github.com/delosfi/debenture-api/internal/database"
	"github.com/delosfi/debenture-api/internal/instrument"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/internal/payment"
	"github.com/delosfi/debenture-api/internal/scheduler"
	"github.com/delosfi/debenture-api/pkg/fixedpoint"
)

const (
	issuerID  = "ISSUER-ACME"
	trusteeID = "TRUSTEE-PENTA"
	holderID  = "HOLDER-ALPHA"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// bcbSource replays a fixed set of Banco Central do Brasil readings, the same
// values the live feed returned on the reference date.
type bcbSource struct {
	observedDate int
}

func (s *bcbSource) Name() string { return "bcb-replay" }

func (s *bcbSource) Fetch(_ context.Context) ([]oracle.UpdateEntry, error) {
	return []oracle.UpdateEntry{
		{RateID: "IPCA", Answer: fixedpoint.New(4_50000000), ObservedDate: s.observedDate, Source: "BCB_API"},
		{RateID: "CDI", Answer: fixedpoint.New(11_15000000), ObservedDate: s.observedDate, Source: "BCB_API"},
		{RateID: "SELIC", Answer: fixedpoint.New(11_25000000), ObservedDate: s.observedDate, Source: "BCB_API"},
		{RateID: "PTAX", Answer: fixedpoint.New(5_95000000), ObservedDate: s.observedDate, Source: "BCB_API"},
		{RateID: "IGPM", Answer: fixedpoint.New(47000000), ObservedDate: s.observedDate, Source: "BCB_API"},
		{RateID: "TR", Answer: fixedpoint.New(9000000), ObservedDate: s.observedDate, Source: "BCB_API"},
	}, nil
}

func main() {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	oracleService := oracle.NewService(db)
	if err := oracleService.SeedDefaults(); err != nil {
		log.Fatal().Err(err).Msg("failed to seed rates")
	}
	complianceService := compliance.NewService(db)
	ledgerService := ledger.NewService(db)
	instrumentService := instrument.NewService(db, oracleService, complianceService,
		ledgerService, instrument.NewLocks(), true)
	paymentService := payment.NewService(db)
	couponService := coupon.NewService(db, instrumentService, ledgerService, paymentService)
	amortizationService := amortization.NewService(db, instrumentService, ledgerService, paymentService)
	anomalyService := anomaly.NewService(db, oracleService, anomaly.DefaultParams())
	schedulerService := scheduler.NewService(db, oracleService, anomalyService)

	issueDate := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	// Step 1: refresh the rate feed through the scheduler pipeline.
	log.Info().Msg("STEP 1: refreshing the rate feed")
	schedulerService.Register(&bcbSource{observedDate: 20240102})
	record, err := schedulerService.Run(context.Background(), "MANUAL")
	if err != nil {
		log.Fatal().Err(err).Msg("refresh run failed")
	}
	log.Info().Int("applied", record.Applied).Int("skipped", record.Skipped).Msg("rates refreshed")

	// Step 2: issue a CDI-spread debenture.
	log.Info().Msg("STEP 2: issuing the debenture")
	inst, err := instrumentService.CreateInstrument(instrument.CreateRequest{
		Name:                   "ACME Infra Debenture 1st Series",
		Symbol:                 "ACME11",
		ISINCode:               "BRACMEDBS017",
		CETIPCode:              "ACME11",
		Series:                 "1",
		IssuerID:               issuerID,
		TrusteeID:              trusteeID,
		FaceValue:              1_000_000000, // R$ 1000.00
		UnitCount:              1000,
		IssueDate:              issueDate,
		MaturityDate:           issueDate.AddDate(2, 0, 0),
		AnniversaryDay:         2,
		LockUpEndDate:          issueDate,
		IndexationType:         instrument.IndexationDISpread,
		SpreadRate:             50000, // 5.00% over CDI
		CouponFrequencyDays:    90,
		AmortizationBasis:      instrument.AmortScheduled,
		RepactuationAllowed:    true,
		EarlyRedemptionAllowed: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("issuance failed")
	}
	log.Info().Str("instrument_id", inst.InstrumentID).Msg("debenture issued")

	// Step 3: whitelist a holder and place half the units with them.
	log.Info().Msg("STEP 3: distributing units")
	if err := complianceService.AddMembers(inst.InstrumentID, compliance.ListWhitelist, []string{holderID}); err != nil {
		log.Fatal().Err(err).Msg("whitelisting failed")
	}
	if err := instrumentService.Transfer(inst.InstrumentID, issuerID, holderID, 500, issueDate.AddDate(0, 0, 1)); err != nil {
		log.Fatal().Err(err).Msg("distribution failed")
	}

	// Step 4: accrue through the first coupon period.
	log.Info().Msg("STEP 4: accruing over the quarter")
	for _, days := range []int{30, 60, 91} {
		value, err := instrumentService.UpdateAccrual(inst.InstrumentID, issueDate.AddDate(0, 0, days))
		if err != nil {
			log.Fatal().Err(err).Msg("accrual failed")
		}
		log.Info().
			Int("day", days).
			Str("current_value", value.CurrentValue.String()).
			Msg("accrual updated")
	}

	// Step 5: record, fund and claim the first coupon.
	log.Info().Msg("STEP 5: coupon cycle")
	cpn, err := couponService.RecordCoupon(inst.InstrumentID, issueDate.AddDate(0, 0, 91))
	if err != nil {
		log.Fatal().Err(err).Msg("coupon record failed")
	}
	if err := paymentService.Mint(issuerID, cpn.TotalAmount.MulInt(4)); err != nil {
		log.Fatal().Err(err).Msg("minting failed")
	}
	if _, err := couponService.Fund(inst.InstrumentID, cpn.Sequence, issuerID, cpn.TotalAmount); err != nil {
		log.Fatal().Err(err).Msg("coupon funding failed")
	}
	claim, err := couponService.Claim(inst.InstrumentID, cpn.Sequence, holderID)
	if err != nil {
		log.Fatal().Err(err).Msg("coupon claim failed")
	}
	log.Info().
		Str("total", cpn.TotalAmount.String()).
		Str("holder_share", claim.Amount.String()).
		Msg("coupon paid")

	// Step 6: register and execute the first amortization entry.
	log.Info().Msg("STEP 6: amortization")
	if _, err := amortizationService.SetSchedule(inst.InstrumentID, issuerID, amortization.ScheduleRequest{
		Entries: []amortization.ScheduleEntry{
			{DueDate: issueDate.AddDate(0, 0, 91), PercentBps: 3000},
			{DueDate: issueDate.AddDate(1, 0, 0), PercentBps: 3000},
			{DueDate: issueDate.AddDate(2, 0, 0), PercentBps: 4000},
		},
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule registration failed")
	}
	execution, err := amortizationService.Execute(inst.InstrumentID, 1, issuerID, issueDate.AddDate(0, 0, 92))
	if err != nil {
		log.Fatal().Err(err).Msg("amortization failed")
	}
	log.Info().
		Str("total_payment", execution.TotalPayment.String()).
		Str("outstanding_face", execution.OutstandingFace.String()).
		Msg("amortization executed")

	// Summary.
	value, err := instrumentService.Value(inst.InstrumentID)
	if err != nil {
		log.Fatal().Err(err).Msg("valuation failed")
	}
	issuerCash, _ := paymentService.BalanceOf(issuerID)
	holderCash, _ := paymentService.BalanceOf(holderID)
	log.Info().
		Str("current_value", value.CurrentValue.String()).
		Str("issuer_cash", issuerCash.String()).
		Str("holder_cash", holderCash.String()).
		Msg("simulation complete")
}
