package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zorgspace/slashbot-web/internal/audit"
	"github.com/zorgspace/slashbot-web/internal/auth"
	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/credits"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/middleware"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"github.com/zorgspace/slashbot-web/internal/payment"
	"github.com/zorgspace/slashbot-web/internal/pricing"
	"github.com/zorgspace/slashbot-web/internal/server"
	"github.com/zorgspace/slashbot-web/internal/solana"
	"github.com/zorgspace/slashbot-web/internal/usage"
)

const ipLimiterPruneInterval = 10 * time.Minute

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting slashbot API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redis, err := cache.New(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redis.Close()

	sink, closeAudit := audit.Open(ctx, cfg.Database.URL)
	defer closeAudit()

	// Initialize Prometheus metrics
	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.MetricsPort)
	}

	oracle := pricing.NewHTTPOracle(&cfg.Pricing, cfg.Solana.TokenMint, cfg.Solana.TokenDecimals)
	rates := pricing.NewRateCache(redis, oracle, oracle, &cfg.Pricing)

	// The API process owns the periodic refresh; the proxy reads the shared cache.
	var refresher *pricing.Refresher
	if cfg.Pricing.RefreshEnabled {
		refresher = pricing.NewRefresher(rates, rates.TTL())
		if err := refresher.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("Exchange rate refresher not started")
		}
		defer refresher.Stop()
	}

	ledger := credits.NewLedger(redis, cfg.Deposits.ClaimTTL)
	payments := payment.NewService(ledger, solana.NewClient(&cfg.Solana), rates, &cfg.Solana,
		cfg.Pricing.CreditsPerToken, payment.WithAuditSink(sink))
	accountant := usage.NewAccountant(redis, &cfg.Usage, usage.WithAuditSink(sink))

	ipLimiter := middleware.NewIPRateLimiter(&cfg.RateLimit)
	go ipLimiter.Run(ctx, ipLimiterPruneInterval)

	srv := server.NewAPIServer(cfg, server.APIDeps{
		Ledger:    ledger,
		Payments:  payments,
		Rates:     rates,
		Refresher: refresher,
		Usage:     accountant,
		Wallets:   auth.NewAuthenticator(&cfg.Auth),
		Admin:     middleware.NewAdminAuthenticator(&cfg.Admin),
		IPLimiter: ipLimiter,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
