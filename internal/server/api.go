package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/zorgspace/slashbot-web/internal/auth"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/credits"
	apierrors "github.com/zorgspace/slashbot-web/internal/errors"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/middleware"
	"github.com/zorgspace/slashbot-web/internal/models"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"github.com/zorgspace/slashbot-web/internal/payment"
	"github.com/zorgspace/slashbot-web/internal/pricing"
	"github.com/zorgspace/slashbot-web/internal/usage"
	"golang.org/x/sync/errgroup"
)

const (
	maxUsagePageSize       = 100
	defaultDepositPageSize = 50
	maxDepositPageSize     = 500
)

// APIDeps are the services behind the public API.
type APIDeps struct {
	Ledger    *credits.Ledger
	Payments  *payment.Service
	Rates     *pricing.RateCache
	Refresher *pricing.Refresher // optional
	Usage     *usage.Accountant
	Wallets   *auth.Authenticator
	Admin     *middleware.AdminAuthenticator
	IPLimiter *middleware.IPRateLimiter
}

// APIServer serves credits, deposits, rates and usage.
type APIServer struct {
	config *config.Config
	router *gin.Engine
	deps   APIDeps
	logger zerolog.Logger
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, deps APIDeps) *APIServer {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	if deps.IPLimiter == nil {
		deps.IPLimiter = middleware.NewIPRateLimiter(&cfg.RateLimit)
	}

	srv := &APIServer{
		config: cfg,
		router: router,
		deps:   deps,
		logger: logging.NewLogger("api"),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	walletAuth := middleware.WalletAuth(s.deps.Wallets, s.config.Proxy.MaxRequestBytes)
	adminAuth := s.deps.Admin.AdminAuth()

	api := s.router.Group("/api")
	{
		api.GET("/credits", s.handleGetCredits)
		api.POST("/credits", s.deps.IPLimiter.RateLimitByIP(), s.handleClaimDeposit)
		api.PUT("/credits", adminAuth, s.handleUseCredits)
		api.GET("/deposits", adminAuth, s.handleRecentDeposits)

		api.GET("/rates", s.handleGetRates)
		api.POST("/rates", adminAuth, s.handleRefreshRates)

		api.GET("/usage", walletAuth, s.handleGetUsage)
		api.POST("/usage/export", walletAuth, s.handleExportUsage)
	}
}

// Health check handler
func (s *APIServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "api",
	})
}

// handleGetCredits returns the balance of a wallet
func (s *APIServer) handleGetCredits(c *gin.Context) {
	wallet := c.Query("wallet")
	if wallet == "" {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("wallet parameter required"))
		return
	}
	if !auth.IsValidWalletAddress(wallet) {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid wallet address"))
		return
	}

	balance, err := s.deps.Ledger.GetBalance(c.Request.Context(), wallet)
	if err != nil {
		s.internalError(c, err, "get_balance")
		return
	}

	c.JSON(http.StatusOK, models.Balance{
		WalletAddress: wallet,
		Credits:       balance,
		LastUpdated:   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleClaimDeposit converts a confirmed treasury transfer into credits
func (s *APIServer) handleClaimDeposit(c *gin.Context) {
	var req payment.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid JSON body"))
		return
	}

	result, err := s.deps.Payments.ClaimDeposit(c.Request.Context(), req)
	if err != nil {
		apiErr := claimError(err)
		if apierrors.IsServerError(apiErr) {
			logging.LogError(err, middleware.GetRequestIDFromContext(c), "api", "claim_deposit")
		}
		middleware.RespondWithError(c, apiErr)
		return
	}

	c.JSON(http.StatusOK, result)
}

func claimError(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, payment.ErrAlreadyClaimed):
		return apierrors.ErrDuplicateClaimError
	case errors.Is(err, credits.ErrDepositPending):
		return apierrors.ErrDuplicateClaimError.WithMessage("Transaction is being processed")
	case errors.Is(err, payment.ErrTransactionNotFound):
		return apierrors.ErrTransactionNotFoundError
	case errors.Is(err, payment.ErrTransactionFailed):
		return apierrors.ErrTransactionFailedError
	case errors.Is(err, payment.ErrNoQualifyingTransfer):
		return apierrors.ErrNoQualifyingTransferError
	case errors.Is(err, payment.ErrInvalidWallet),
		errors.Is(err, payment.ErrInvalidTokenType),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, credits.ErrInvalidSignature),
		errors.Is(err, payment.ErrWalletNotSigner):
		return apierrors.NewInvalidRequestError(err.Error())
	}
	return apierrors.ErrInternalServerError
}

type useCreditsRequest struct {
	WalletAddress string `json:"wallet_address"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
}

// handleUseCredits debits a wallet on behalf of an operator
func (s *APIServer) handleUseCredits(c *gin.Context) {
	var req useCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid request"))
		return
	}
	if !auth.IsValidWalletAddress(req.WalletAddress) {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid wallet address"))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	result, err := s.deps.Ledger.Debit(c.Request.Context(), req.WalletAddress, req.Amount, req.Reason)
	if err != nil {
		s.internalError(c, err, "debit")
		return
	}
	if !result.Success {
		middleware.RespondWithError(c, apierrors.ErrInsufficientCreditsDebitError.WithDetails(gin.H{
			"currentBalance": result.NewBalance,
			"requested":      req.Amount,
		}))
		return
	}

	s.logger.Info().
		Str("wallet", logging.MaskWallet(req.WalletAddress)).
		Int64("amount", req.Amount).
		Str("reason", req.Reason).
		Str("operator", operatorOf(c)).
		Int64("new_balance", result.NewBalance).
		Msg("Credits debited by operator")

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"walletAddress": req.WalletAddress,
		"amountUsed":    req.Amount,
		"reason":        req.Reason,
		"newBalance":    result.NewBalance,
	})
}

// handleRecentDeposits lists the newest finalized deposits across all wallets
func (s *APIServer) handleRecentDeposits(c *gin.Context) {
	limit := queryInt(c, "limit", defaultDepositPageSize)
	if limit <= 0 {
		limit = defaultDepositPageSize
	}
	limit = min(limit, maxDepositPageSize)

	deposits, err := s.deps.Ledger.RecentDeposits(c.Request.Context(), int64(limit))
	if err != nil {
		s.internalError(c, err, "recent_deposits")
		return
	}
	if deposits == nil {
		deposits = []models.Deposit{}
	}

	c.JSON(http.StatusOK, gin.H{
		"deposits": deposits,
		"count":    len(deposits),
		"limit":    limit,
	})
}

type ratesBody struct {
	SolUSD        float64 `json:"solUsd"`
	TokenSOL      float64 `json:"tokenSol"`
	TokenUSD      float64 `json:"tokenUsd"`
	CreditsPerUSD float64 `json:"creditsPerUsd"`
}

func ratesBodyOf(v pricing.RatesView) ratesBody {
	return ratesBody{
		SolUSD:        v.SolUSD,
		TokenSOL:      v.TokenSOL,
		TokenUSD:      v.TokenUSD,
		CreditsPerUSD: v.CreditsPerUSD,
	}
}

// handleGetRates returns the cached quote, refreshing it when stale
func (s *APIServer) handleGetRates(c *gin.Context) {
	view := s.deps.Rates.View(s.deps.Rates.Get(c.Request.Context()))

	meta := gin.H{
		"tokenMint":     s.config.Solana.TokenMint,
		"updatedAt":     view.UpdatedAt,
		"cacheAgeMs":    view.CacheAgeMs,
		"nextRefreshMs": view.NextRefreshMs,
		"cacheTtlMs":    view.CacheTTLMs,
	}
	if s.deps.Refresher != nil {
		meta["refresher"] = s.deps.Refresher.Status()
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rates":   ratesBodyOf(view),
		"meta":    meta,
	})
}

// handleRefreshRates forces a refresh through the oracles
func (s *APIServer) handleRefreshRates(c *gin.Context) {
	var rates models.ExchangeRates
	if s.deps.Refresher != nil {
		rates = s.deps.Refresher.RunNow(c.Request.Context())
	} else {
		rates = s.deps.Rates.Refresh(c.Request.Context())
	}
	view := s.deps.Rates.View(rates)

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Exchange rates refreshed",
		"rates":     ratesBodyOf(view),
		"updatedAt": view.UpdatedAt,
	})
}

type pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

type statsResponse struct {
	WalletAddress string `json:"walletAddress"`
	Type          string `json:"type"`
	*models.UsageStats
}

type summaryResponse struct {
	WalletAddress string `json:"walletAddress"`
	Type          string `json:"type"`
	*models.UsageSummary
}

// handleGetUsage returns history, stats or a summary for the signing wallet
func (s *APIServer) handleGetUsage(c *gin.Context) {
	wallet := middleware.GetWalletFromContext(c)
	if param := c.Query("wallet"); param != "" && param != wallet {
		logging.LogSecurityEvent("usage_wallet_mismatch", wallet, c.ClientIP(), logging.MaskWallet(param))
		middleware.RespondWithError(c, apierrors.ErrForbiddenError)
		return
	}
	ctx := c.Request.Context()

	switch c.DefaultQuery("type", "summary") {
	case "history":
		limit := queryInt(c, "limit", usage.DefaultPageSize)
		if limit <= 0 {
			limit = usage.DefaultPageSize
		}
		limit = min(limit, maxUsagePageSize)
		offset := max(queryInt(c, "offset", 0), 0)

		records, total, err := s.deps.Usage.History(ctx, wallet, limit, offset)
		if err != nil {
			s.internalError(c, err, "usage_history")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"walletAddress": wallet,
			"type":          "history",
			"records":       records,
			"pagination": pagination{
				Total:   total,
				Limit:   limit,
				Offset:  offset,
				HasMore: int64(offset+len(records)) < total,
			},
		})

	case "stats":
		stats, err := s.deps.Usage.Stats(ctx, wallet, c.DefaultQuery("period", usage.PeriodMonth))
		if err != nil {
			s.usageError(c, err, "usage_stats")
			return
		}
		c.JSON(http.StatusOK, statsResponse{WalletAddress: wallet, Type: "stats", UsageStats: stats})

	default:
		summary, err := s.deps.Usage.Summary(ctx, wallet)
		if err != nil {
			s.internalError(c, err, "usage_summary")
			return
		}
		c.JSON(http.StatusOK, summaryResponse{WalletAddress: wallet, Type: "summary", UsageSummary: summary})
	}
}

// handleExportUsage exports the signing wallet's records as CSV or JSON
func (s *APIServer) handleExportUsage(c *gin.Context) {
	wallet := middleware.GetWalletFromContext(c)
	body := middleware.GetBodyFromContext(c)

	format := gjson.GetBytes(body, "format").String()
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("format must be csv or json"))
		return
	}
	period := gjson.GetBytes(body, "period").String()
	if period == "" {
		period = usage.PeriodMonth
	}
	if _, err := usage.PeriodDays(period); err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError(err.Error()))
		return
	}

	var (
		stats   *models.UsageStats
		records []models.UsageRecord
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		var err error
		stats, err = s.deps.Usage.Stats(ctx, wallet, period)
		return err
	})
	g.Go(func() error {
		var err error
		records, _, err = s.deps.Usage.History(ctx, wallet, usage.ExportLimit, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		s.usageError(c, err, "usage_export")
		return
	}

	if format == "csv" {
		var buf bytes.Buffer
		if err := usage.ExportCSV(&buf, records); err != nil {
			s.internalError(c, err, "usage_export_csv")
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, usage.ExportFilename(wallet, period)))
		c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"exportedAt":    time.Now().UTC().Format(time.RFC3339),
		"walletAddress": wallet,
		"period":        period,
		"stats":         stats,
		"records":       records,
	})
}

func (s *APIServer) usageError(c *gin.Context, err error, operation string) {
	if errors.Is(err, usage.ErrInvalidPeriod) {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError(err.Error()))
		return
	}
	s.internalError(c, err, operation)
}

func (s *APIServer) internalError(c *gin.Context, err error, operation string) {
	logging.LogError(err, middleware.GetRequestIDFromContext(c), "api", operation)
	middleware.RespondWithError(c, apierrors.ErrInternalServerError)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return v
}
