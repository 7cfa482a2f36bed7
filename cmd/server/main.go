package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/bidding"
	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/ledger/ethereum"
	"github.com/ksred/klear-escrow/internal/ledger/memory"
	"github.com/ksred/klear-escrow/internal/reconcile"
	"github.com/ksred/klear-escrow/internal/refunds"
	"github.com/ksred/klear-escrow/internal/registry"
	"github.com/ksred/klear-escrow/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// main initializes and runs the escrow auction server with graceful shutdown support
// It sets up the ledger client, registry, reconciler and API routes
func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	zlog.Logger = newLogger(cfg, os.Stdout)
	zerolog.SetGlobalLevel(logLevel(cfg, os.Getenv("DEBUG") == "true"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.NewDatabase(cfg.DB)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	clk := clock.System{}
	client, closeLedger, err := newLedger(ctx, cfg.Ledger, clk)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize escrow ledger client")
	}
	defer closeLedger()

	reg, err := registry.New(ctx, registry.NewDatabase(db))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load auction registry")
	}

	bus := events.NewBus(256)
	publisher, closePublishers := newPublisher(ctx, cfg.Events, bus)
	defer closePublishers()

	refundView := refunds.NewView(client, clk)

	// Initialize services and handlers
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, clk)
	authHandlers := auth.NewGinHandlers(authService)
	if !cfg.App.Production() {
		// Register test credentials
		for n := 0; n < auth.TestAccounts; n++ {
			apiKey, address := auth.TestAccount(n)
			if err := authService.RegisterAPICredentials(apiKey, auth.TestAPISecret, address); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to register test credentials")
			}
		}
	}

	biddingService := bidding.NewService(reg, client, clk, publisher, refundView, db)
	biddingHandlers := bidding.NewGinHandlers(biddingService)

	// Create and start reconciliation processor
	processor := reconcile.NewProcessor(reg, client, clk, publisher, refundView, reconcile.Config{
		Interval:      cfg.Reconcile.Interval,
		RetryCeiling:  cfg.Reconcile.RetryCeiling,
		Concurrency:   cfg.Reconcile.Concurrency,
		ConfirmWindow: cfg.Ledger.ConfirmWindow(),
		Operator:      cfg.Ledger.Operator,
	})
	reconcileHandlers := reconcile.NewGinHandlers(processor, reg)

	go processor.Start(ctx)
	go purgeIdempotencyKeys(ctx, biddingService)

	if cfg.App.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Setup middleware
	router.Use(middleware.RateLimit(middleware.Limits{
		PerSecond: cfg.Auth.RateLimit,
		Burst:     cfg.Auth.RateBurst,
	}))

	// Setup API routes
	setupRoutes(router, cfg.Auth, bus, authHandlers, biddingHandlers, reconcileHandlers)

	// Create server
	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("addr", cfg.Server.HTTPAddr).Str("ledger", cfg.Ledger.Driver).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// newLedger builds the configured escrow ledger client
func newLedger(ctx context.Context, cfg config.LedgerConfig, clk clock.Clock) (ledger.Client, func(), error) {
	poller := ledger.NewPoller(cfg.ConfirmInterval, cfg.ConfirmAttempts)

	if cfg.Driver != "ethereum" {
		zlog.Warn().Msg("Using the in-memory escrow ledger; state is lost on restart")
		return memory.New(clk, poller), func() {}, nil
	}

	signerURL := cfg.SignerURL
	if signerURL == "" {
		signerURL = cfg.RPCURL
	}
	submitter, err := ethereum.DialSubmitter(ctx, signerURL)
	if err != nil {
		return nil, nil, err
	}
	client, err := ethereum.Dial(ctx, cfg.RPCURL, cfg.ContractAddress, submitter, poller)
	if err != nil {
		submitter.Close()
		return nil, nil, err
	}
	return client, submitter.Close, nil
}

// newPublisher fans events out to the in-process bus and any configured brokers
// A broker that cannot be reached is logged and skipped
func newPublisher(ctx context.Context, cfg config.EventsConfig, bus *events.Bus) (events.Publisher, func()) {
	publishers := events.Multi{bus}
	var closers []func() error

	if cfg.RedisAddr != "" {
		p, err := events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			zlog.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis event publisher disabled")
		} else {
			publishers = append(publishers, p)
			closers = append(closers, p.Close)
		}
	}
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			zlog.Error().Err(err).Str("url", cfg.NATSURL).Msg("NATS event publisher disabled")
		} else {
			publishers = append(publishers, p)
			closers = append(closers, p.Close)
		}
	}

	return publishers, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				zlog.Warn().Err(err).Msg("Failed to close event publisher")
			}
		}
	}
}

// purgeIdempotencyKeys drops expired bid idempotency records hourly
func purgeIdempotencyKeys(ctx context.Context, service *bidding.Service) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := service.PurgeExpiredKeys(ctx)
			if err != nil {
				zlog.Warn().Err(err).Msg("Failed to purge idempotency records")
				continue
			}
			zlog.Debug().Int64("purged", n).Msg("Purged idempotency records")
		}
	}
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Auction reads and the event stream: Public
// - Bids, auction creation and withdrawals: Protected by JWT authentication
// - Internal routes: Protected by internal authentication
func setupRoutes(
	router *gin.Engine,
	authCfg config.AuthConfig,
	bus *events.Bus,
	authHandlers *auth.GinHandlers,
	biddingHandlers *bidding.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
			auth.POST("/challenge", authHandlers.ChallengeHandler())
			auth.POST("/verify", authHandlers.VerifyHandler())
		}

		// Auction routes
		auctions := v1.Group("/auctions")
		{
			auctions.GET("", biddingHandlers.ListAuctionsHandler())
			auctions.GET("/:auction_id", biddingHandlers.GetAuctionHandler())
		}
		protectedAuctions := v1.Group("/auctions")
		protectedAuctions.Use(middleware.JWTAuth(authCfg.JWTSecret))
		{
			protectedAuctions.POST("", biddingHandlers.CreateAuctionHandler())
			protectedAuctions.POST("/:auction_id/bids", biddingHandlers.PlaceBidHandler())
			protectedAuctions.POST("/:auction_id/close", biddingHandlers.CloseAuctionHandler())
		}

		// Refund routes
		refundRoutes := v1.Group("/refunds")
		{
			refundRoutes.GET("/:address", biddingHandlers.PendingRefundHandler())
		}
		protectedRefunds := v1.Group("/refunds")
		protectedRefunds.Use(middleware.JWTAuth(authCfg.JWTSecret))
		{
			protectedRefunds.POST("/withdraw", biddingHandlers.WithdrawHandler())
		}

		v1.GET("/events", bidding.StreamHandler(bus))

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authCfg.JWTSecret, authCfg.InternalToken))
		{
			internal.POST("/reconcile", reconcileHandlers.RunHandler())
			internal.GET("/auctions/:auction_id/sync", reconcileHandlers.SyncStatusHandler())
		}
	}
}
