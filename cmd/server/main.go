package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/delosfi/debenture-api/internal/amortization"
	"github.com/delosfi/debenture-api/internal/anomaly"
	"github.com/delosfi/debenture-api/internal/auth"
	"github.com/delosfi/debenture-api/internal/compliance"
	"github.com/delosfi/debenture-api/internal/config"
	"github.com/delosfi/debenture-api/internal/coupon"
	"github.com/delosfi/debenture-api/internal/database"
	"github.com/delosfi/debenture-api/internal/instrument"
	"github.com/delosfi/debenture-api/internal/ledger"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/internal/payment"
	"github.com/delosfi/debenture-api/internal/scheduler"
	"github.com/delosfi/debenture-api/pkg/middleware"
	"github.com/delosfi/debenture-api/pkg/response"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// registerErrorMappings wires every domain sentinel to its HTTP status so
// response.Handle resolves wrapped errors without the packages importing
// net/http concerns.
func registerErrorMappings() {
	notFound := []error{
		oracle.ErrRateNotFound,
		compliance.ErrRegistryNotFound,
		coupon.ErrCouponNotFound,
		amortization.ErrEntryNotFound,
	}
	for _, err := range notFound {
		response.Register(err, http.StatusNotFound, "NOT_FOUND")
	}

	conflicts := []error{
		auth.ErrDuplicateAPIKey,
		oracle.ErrRateExists,
		instrument.ErrISINExists,
		compliance.ErrRegistryExists,
		coupon.ErrAlreadyRecorded,
		coupon.ErrAlreadyFunded,
		coupon.ErrAlreadyClaimed,
		amortization.ErrAlreadySet,
		amortization.ErrAlreadyExecuted,
	}
	for _, err := range conflicts {
		response.Register(err, http.StatusConflict, "CONFLICT")
	}

	badRequests := []error{
		auth.ErrInvalidRole,
		auth.ErrMissingRole,
		oracle.ErrDateNotNewer,
		oracle.ErrOutOfBounds,
		instrument.ErrInvalidTerms,
		instrument.ErrAsOfNotNewer,
		ledger.ErrInvalidAmount,
		coupon.ErrNotYetDue,
		coupon.ErrAmountMismatch,
		amortization.ErrPercentagesNotFull,
		amortization.ErrInvalidDates,
		amortization.ErrNotDueYet,
		amortization.ErrOutOfOrder,
		payment.ErrInvalidAmount,
	}
	for _, err := range badRequests {
		response.Register(err, http.StatusBadRequest, "INVALID_REQUEST")
	}

	forbidden := []error{
		instrument.ErrNotAuthorized,
		coupon.ErrNotIssuer,
		amortization.ErrNotIssuer,
		compliance.ErrPaused,
		compliance.ErrBlacklisted,
		compliance.ErrNotWhitelisted,
		compliance.ErrLockedUp,
	}
	for _, err := range forbidden {
		response.Register(err, http.StatusForbidden, "FORBIDDEN")
	}

	unprocessable := []error{
		oracle.ErrRateInactive,
		instrument.ErrInvalidTransition,
		instrument.ErrNotMaturedYet,
		instrument.ErrEarlyRedemptionBlocked,
		instrument.ErrRepactuationBlocked,
		instrument.ErrNotActive,
		instrument.ErrStaleReference,
		ledger.ErrInsufficientUnits,
		coupon.ErrNotFunded,
		coupon.ErrNoEligibleBalance,
		coupon.ErrNothingToClaim,
		amortization.ErrScheduleNotAllowed,
		payment.ErrInsufficientFunds,
	}
	for _, err := range unprocessable {
		response.Register(err, http.StatusUnprocessableEntity, "NOT_PROCESSABLE")
	}
}

// main initializes and runs the debenture API server with graceful shutdown
// support. It sets up all required services, the database connection, the
// refresh scheduler and the API routes.
func main() {
	cfg := config.Load()
	middleware.Configure(cfg.JWTSecret)
	registerErrorMappings()

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(db, cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	seedParticipants(authService, cfg)

	oracleService := oracle.NewService(db)
	if err := oracleService.SeedDefaults(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed default rates")
	}
	oracleHandlers := oracle.NewGinHandlers(oracleService)

	complianceService := compliance.NewService(db)
	complianceHandlers := compliance.NewGinHandlers(complianceService)

	ledgerService := ledger.NewService(db)

	instrumentService := instrument.NewService(db, oracleService, complianceService,
		ledgerService, instrument.NewLocks(), cfg.AllowStaleReference)
	instrumentHandlers := instrument.NewGinHandlers(instrumentService)

	paymentService := payment.NewService(db)
	paymentHandlers := payment.NewGinHandlers(paymentService)

	couponService := coupon.NewService(db, instrumentService, ledgerService, paymentService)
	couponHandlers := coupon.NewGinHandlers(couponService)

	amortizationService := amortization.NewService(db, instrumentService, ledgerService, paymentService)
	amortizationHandlers := amortization.NewGinHandlers(amortizationService)

	anomalyService := anomaly.NewService(db, oracleService, anomaly.DefaultParams())
	anomalyHandlers := anomaly.NewGinHandlers(anomalyService)

	schedulerService := scheduler.NewService(db, oracleService, anomalyService)
	schedulerHandlers := scheduler.NewGinHandlers(schedulerService)
	if err := schedulerService.Start(cfg.RefreshCron); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start refresh scheduler")
	}
	defer schedulerService.Stop()

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, oracleHandlers, instrumentHandlers,
		couponHandlers, amortizationHandlers, complianceHandlers,
		paymentHandlers, anomalyHandlers, schedulerHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// seedParticipants registers the bootstrap operations participant so the
// internal routes are reachable on a fresh database. Restarts hit the
// duplicate-key path, which is fine.
func seedParticipants(authService *auth.Service, cfg *config.Config) {
	if cfg.AdminAPIKey == "" || cfg.AdminAPISecret == "" {
		return
	}
	_, err := authService.RegisterParticipant(auth.RegisterRequest{
		ParticipantID: "OPS",
		APIKey:        cfg.AdminAPIKey,
		APISecret:     cfg.AdminAPISecret,
		Roles:         []string{auth.RoleAdmin},
	})
	if err != nil && err != auth.ErrDuplicateAPIKey {
		zlog.Fatal().Err(err).Msg("Failed to register operations participant")
	}
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Rate routes: Oracle reads are public, writes require internal auth
// - Instrument routes: Protected by JWT authentication
// - Admin routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	oracleHandlers *oracle.GinHandlers,
	instrumentHandlers *instrument.GinHandlers,
	couponHandlers *coupon.GinHandlers,
	amortizationHandlers *amortization.GinHandlers,
	complianceHandlers *compliance.GinHandlers,
	paymentHandlers *payment.GinHandlers,
	anomalyHandlers *anomaly.GinHandlers,
	schedulerHandlers *scheduler.GinHandlers,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Rate feed reads
		rates := v1.Group("/rates")
		rates.Use(middleware.JWTAuth())
		{
			rates.GET("", oracleHandlers.ListRatesHandler())
			rates.GET("/:rate_id", oracleHandlers.GetRateHandler())
			rates.GET("/:rate_id/history", oracleHandlers.GetHistoryHandler())
			rates.GET("/:rate_id/round", oracleHandlers.GetRoundHandler())
			rates.GET("/:rate_id/anomalies", anomalyHandlers.ListFindingsHandler())
		}

		// Instrument routes
		instruments := v1.Group("/instruments")
		instruments.Use(middleware.JWTAuth())
		{
			instruments.POST("", instrumentHandlers.CreateInstrumentHandler())
			instruments.GET("", instrumentHandlers.ListInstrumentsHandler())
			instruments.GET("/:instrument_id", instrumentHandlers.GetInstrumentHandler())
			instruments.GET("/:instrument_id/value", instrumentHandlers.GetValueHandler())
			instruments.GET("/:instrument_id/holders", instrumentHandlers.GetHoldingsHandler())
			instruments.POST("/:instrument_id/accrual", instrumentHandlers.UpdateAccrualHandler())
			instruments.POST("/:instrument_id/transfer", instrumentHandlers.TransferHandler())
			instruments.GET("/:instrument_id/status-history", instrumentHandlers.StatusHistoryHandler())
			instruments.POST("/:instrument_id/mature", instrumentHandlers.MatureHandler())
			instruments.POST("/:instrument_id/default", instrumentHandlers.DefaultHandler())
			instruments.POST("/:instrument_id/early-redeem", instrumentHandlers.EarlyRedeemHandler())
			instruments.POST("/:instrument_id/repactuate", instrumentHandlers.RepactuateHandler())

			instruments.GET("/:instrument_id/coupons", couponHandlers.ListCouponsHandler())
			instruments.POST("/:instrument_id/coupons", couponHandlers.RecordCouponHandler())
			instruments.GET("/:instrument_id/coupons/:sequence/claims", couponHandlers.ListClaimsHandler())
			instruments.POST("/:instrument_id/coupons/:sequence/fund", couponHandlers.FundCouponHandler())
			instruments.POST("/:instrument_id/coupons/:sequence/claim", couponHandlers.ClaimHandler())
			instruments.POST("/:instrument_id/claims", couponHandlers.ClaimAllHandler())

			instruments.GET("/:instrument_id/amortization", amortizationHandlers.GetScheduleHandler())
			instruments.POST("/:instrument_id/amortization", amortizationHandlers.SetScheduleHandler())
			instruments.POST("/:instrument_id/amortization/:sequence/execute", amortizationHandlers.ExecuteHandler())

			instruments.GET("/:instrument_id/compliance", complianceHandlers.GetRegistryHandler())
			instruments.GET("/:instrument_id/compliance/:list", complianceHandlers.ListMembersHandler())
		}

		// Cash balance of the authenticated participant
		accounts := v1.Group("/accounts")
		accounts.Use(middleware.JWTAuth())
		{
			accounts.GET("/balance", paymentHandlers.GetBalanceHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(), middleware.RequireRole(auth.RoleAdmin))
		{
			internal.POST("/participants", authHandlers.RegisterParticipantHandler())

			internal.POST("/rates", oracleHandlers.RegisterRateHandler())
			internal.POST("/rates/:rate_id", oracleHandlers.UpdateRateHandler())
			internal.POST("/rates/:rate_id/bounds", oracleHandlers.SetBoundsHandler())
			internal.POST("/rates/:rate_id/active", oracleHandlers.SetActiveHandler())
			internal.POST("/rate-updates", oracleHandlers.BatchUpdateHandler())
			internal.POST("/rate-scan", anomalyHandlers.ScanHandler())

			internal.POST("/instruments/:instrument_id/compliance/pause", complianceHandlers.SetPausedHandler())
			internal.POST("/instruments/:instrument_id/compliance/:list", complianceHandlers.AddMembersHandler())
			internal.DELETE("/instruments/:instrument_id/compliance/:list", complianceHandlers.RemoveMembersHandler())

			internal.POST("/scheduler/run", schedulerHandlers.TriggerRunHandler())
			internal.GET("/scheduler/runs", schedulerHandlers.ListRunsHandler())
		}
	}
}
