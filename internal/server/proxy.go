package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zorgspace/slashbot-web/internal/apikey"
	"github.com/zorgspace/slashbot-web/internal/auth"
	"github.com/zorgspace/slashbot-web/internal/config"
	apierrors "github.com/zorgspace/slashbot-web/internal/errors"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/middleware"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"github.com/zorgspace/slashbot-web/internal/proxy"
)

// ProxyDeps are the services behind the completion gateway.
type ProxyDeps struct {
	Service     *proxy.Service
	Credentials *apikey.Pool
	Wallets     *auth.Authenticator
	Admin       *middleware.AdminAuthenticator
	Limiter     *proxy.RateLimiter // optional
}

// ProxyServer represents the metered completion gateway
type ProxyServer struct {
	config *config.Config
	router *gin.Engine
	deps   ProxyDeps
	logger zerolog.Logger
}

// NewProxyServer creates a new proxy server instance
func NewProxyServer(cfg *config.Config, deps ProxyDeps) *ProxyServer {
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

	srv := &ProxyServer{
		config: cfg,
		router: router,
		deps:   deps,
		logger: logging.NewLogger("proxy-server"),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *ProxyServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures proxy routes
func (s *ProxyServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	metered := []gin.HandlerFunc{
		middleware.WalletAuth(s.deps.Wallets, s.config.Proxy.MaxRequestBytes),
	}
	if s.deps.Limiter != nil {
		metered = append(metered, middleware.WalletRateLimit(s.deps.Limiter))
	}
	metered = append(metered, s.handleCompletion)

	s.router.GET("/api/grok", s.handleStatus)
	s.router.POST("/api/grok", metered...)
	s.router.POST("/v1/chat/completions", metered...)

	admin := s.router.Group("/api", s.deps.Admin.AdminAuth())
	{
		admin.POST("/keys/:index/reset", s.handleResetCredential)
		admin.POST("/breakers/:host/reset", s.handleResetBreaker)
		if s.deps.Limiter != nil {
			admin.GET("/limits/:wallet", s.handleGetWalletLimit)
			admin.DELETE("/limits/:wallet", s.handleResetWalletLimit)
		}
	}
}

// Health check handler
func (s *ProxyServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "proxy",
	})
}

func (s *ProxyServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Service.Status(c.Request.Context()))
}

// handleCompletion prices, forwards and settles one chat completion
func (s *ProxyServer) handleCompletion(c *gin.Context) {
	requestID := middleware.GetRequestIDFromContext(c)
	ctx := c.Request.Context()

	call, err := s.deps.Service.Prepare(ctx, requestID, middleware.GetWalletFromContext(c), c.FullPath(), middleware.GetBodyFromContext(c))
	if err != nil {
		s.sendError(c, err)
		return
	}

	resp, err := s.deps.Service.Forward(ctx, call)
	if err != nil {
		s.sendError(c, err)
		return
	}

	if !call.Stream {
		payload, _, err := s.deps.Service.Complete(ctx, call, resp)
		if err != nil {
			s.sendError(c, err)
			return
		}
		c.Header("X-Request-ID", requestID)
		c.Data(http.StatusOK, "application/json", payload)
		return
	}

	proxy.SetupSSEHeaders(c.Writer, requestID)
	c.Status(http.StatusOK)
	if _, err := s.deps.Service.Stream(ctx, call, resp, c.Writer, c.Writer.Flush); err != nil {
		s.logger.Warn().
			Err(err).
			Str("request_id", requestID).
			Str("model", call.Model).
			Msg("Stream relay ended with error")
	}
}

// handleResetCredential returns an excluded or cooling-down credential to rotation
func (s *ProxyServer) handleResetCredential(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || !s.deps.Credentials.Reset(index) {
		middleware.RespondWithError(c, apierrors.ErrNotFoundError.WithMessage("Unknown credential index"))
		return
	}

	s.logger.Info().
		Int("index", index).
		Str("operator", operatorOf(c)).
		Msg("Credential reset by operator")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"key":     s.deps.Credentials.Snapshot()[index],
	})
}

// handleResetBreaker closes the circuit for an upstream host
func (s *ProxyServer) handleResetBreaker(c *gin.Context) {
	host := c.Param("host")
	breakers := s.deps.Service.Breakers()
	previous := breakers.GetStatus(host)
	if previous == nil {
		middleware.RespondWithError(c, apierrors.ErrNotFoundError.WithMessage("Unknown upstream host"))
		return
	}
	breakers.Reset(host)

	s.logger.Info().
		Str("host", host).
		Str("previous_state", string(previous.State)).
		Str("operator", operatorOf(c)).
		Msg("Circuit breaker reset by operator")

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"host":          host,
		"previousState": previous.State,
	})
}

type walletLimitBody struct {
	WalletAddress string `json:"walletAddress"`
	Limit         int    `json:"limit"`
	Remaining     int64  `json:"remaining"`
	Allowed       bool   `json:"allowed"`
	ResetAt       string `json:"resetAt"`
}

// handleGetWalletLimit reports a wallet's window without counting a request
func (s *ProxyServer) handleGetWalletLimit(c *gin.Context) {
	wallet := c.Param("wallet")
	if !auth.IsValidWalletAddress(wallet) {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid wallet address"))
		return
	}

	st, err := s.deps.Limiter.GetStatus(c.Request.Context(), wallet)
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "proxy", "limit_status")
		middleware.RespondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, walletLimitBody{
		WalletAddress: wallet,
		Limit:         st.Limit,
		Remaining:     st.Remaining,
		Allowed:       st.Allowed,
		ResetAt:       st.ResetAt.UTC().Format(time.RFC3339),
	})
}

// handleResetWalletLimit clears a wallet's window
func (s *ProxyServer) handleResetWalletLimit(c *gin.Context) {
	wallet := c.Param("wallet")
	if !auth.IsValidWalletAddress(wallet) {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid wallet address"))
		return
	}

	if err := s.deps.Limiter.Reset(c.Request.Context(), wallet); err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "proxy", "limit_reset")
		middleware.RespondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	s.logger.Info().
		Str("wallet", logging.MaskWallet(wallet)).
		Str("operator", operatorOf(c)).
		Msg("Wallet rate limit reset by operator")

	c.JSON(http.StatusOK, gin.H{"success": true, "walletAddress": wallet})
}

func operatorOf(c *gin.Context) string {
	if claims := middleware.GetAdminClaimsFromContext(c); claims != nil {
		return claims.Operator
	}
	return ""
}

// sendError maps a proxy failure onto the error taxonomy
func (s *ProxyServer) sendError(c *gin.Context, err error) {
	var (
		reqErr       *proxy.RequestError
		insufficient *proxy.InsufficientCreditsError
		upstream     *proxy.UpstreamError
		apiErr       *apierrors.APIError
	)
	switch {
	case errors.As(err, &reqErr):
		apiErr = apierrors.NewInvalidRequestError(reqErr.Reason)
	case errors.As(err, &insufficient):
		apiErr = apierrors.NewInsufficientCreditsError(insufficient)
	case errors.Is(err, proxy.ErrNoCredential):
		apiErr = apierrors.ErrNoCredentialError
	case errors.Is(err, proxy.ErrRateLimited):
		apiErr = apierrors.ErrUpstreamRateLimitedError
	case errors.As(err, &upstream):
		apiErr = apierrors.NewUpstreamError(upstream.Status, upstream.Body)
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		apiErr = apierrors.ErrUpstreamTimeoutError
	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		apiErr = apierrors.ErrUpstreamUnavailableError
	default:
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "proxy", "completion")
		apiErr = apierrors.ErrInternalServerError
	}
	middleware.RespondWithError(c, apiErr)
}
