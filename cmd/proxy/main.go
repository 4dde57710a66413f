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
	"github.com/zorgspace/slashbot-web/internal/apikey"
	"github.com/zorgspace/slashbot-web/internal/audit"
	"github.com/zorgspace/slashbot-web/internal/auth"
	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/credits"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/middleware"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"github.com/zorgspace/slashbot-web/internal/pricing"
	"github.com/zorgspace/slashbot-web/internal/proxy"
	"github.com/zorgspace/slashbot-web/internal/server"
	"github.com/zorgspace/slashbot-web/internal/usage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redis, err := cache.New(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redis.Close()

	sink, closeAudit := audit.Open(ctx, cfg.Database.URL)
	defer closeAudit()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.MetricsPort)
	}

	if len(cfg.Credentials.Keys) == 0 {
		log.Warn().Msg("No upstream API keys configured, completions will be rejected")
	}
	pool := apikey.NewPool(cfg.Credentials.Keys, &cfg.Credentials)

	oracle := pricing.NewHTTPOracle(&cfg.Pricing, cfg.Solana.TokenMint, cfg.Solana.TokenDecimals)
	rates := pricing.NewRateCache(redis, oracle, oracle, &cfg.Pricing)

	svc := proxy.NewService(
		&cfg.Proxy,
		pool,
		credits.NewLedger(redis, cfg.Deposits.ClaimTTL),
		pricing.NewEngine(rates),
		usage.NewAccountant(redis, &cfg.Usage, usage.WithAuditSink(sink)),
	)

	// Create and start proxy server
	srv := server.NewProxyServer(cfg, server.ProxyDeps{
		Service:     svc,
		Credentials: pool,
		Wallets:     auth.NewAuthenticator(&cfg.Auth),
		Admin:       middleware.NewAdminAuthenticator(&cfg.Admin),
		Limiter:     proxy.NewRateLimiter(redis, &cfg.RateLimit),
	})

	// Streams may run up to the stream timeout.
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Proxy.StreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.Proxy.Port).
			Int("credentials", pool.Len()).
			Str("upstream", cfg.Proxy.UpstreamURL).
			Msg("Starting completion proxy")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start proxy server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down proxy server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Proxy server forced to shutdown")
	}

	log.Info().Msg("Proxy server exited")
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

	log.Info().Int("port", port).Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
