package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zorgspace/slashbot-web/internal/auth"
	apierrors "github.com/zorgspace/slashbot-web/internal/errors"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"github.com/zorgspace/slashbot-web/internal/proxy"
)

// DefaultMaxBodyBytes caps bodies read for signature verification.
const DefaultMaxBodyBytes = 4 << 20

// WalletAuth verifies the wallet signature envelope over the exact body
// bytes. The body is restored for the handler and also kept in the context.
func WalletAuth(authenticator *auth.Authenticator, maxBodyBytes int64) gin.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
			c.Request.Body.Close()
			if err != nil {
				RespondWithError(c, apierrors.NewInvalidRequestError("Failed to read request body"))
				return
			}
			if int64(len(body)) > maxBodyBytes {
				RespondWithError(c, &apierrors.APIError{
					Code:       apierrors.ErrInvalidRequest,
					Message:    "Request body too large",
					HTTPStatus: http.StatusRequestEntityTooLarge,
				})
				return
			}
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		wallet, err := authenticator.Authenticate(c.Request.Header, body)
		if err != nil {
			reason := err.Error()
			if !errors.Is(err, auth.ErrAuthentication) {
				reason = auth.ErrInvalidSignature.Error()
			}
			logging.LogSecurityEvent("wallet_auth_rejected", c.GetHeader(auth.HeaderWalletAddress), c.ClientIP(), reason)
			RespondWithError(c, apierrors.NewAuthenticationError(reason))
			return
		}

		c.Set(ContextKeyWallet, wallet)
		c.Set(ContextKeyBody, body)
		c.Next()
	}
}

// WalletLimiter is the per-wallet sliding window the proxy enforces.
type WalletLimiter interface {
	Check(ctx context.Context, wallet string) (*proxy.RateLimitResult, error)
}

// WalletRateLimit limits authenticated wallets. It must run after WalletAuth.
func WalletRateLimit(limiter WalletLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := GetWalletFromContext(c)
		if wallet == "" {
			c.Next()
			return
		}

		result, err := limiter.Check(c.Request.Context(), wallet)
		if err != nil || result == nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		if !result.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			retryAfter := int64(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			monitoring.RecordRateLimitHit("wallet")
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			RespondWithError(c, apierrors.NewRateLimitError(retryAfter))
			return
		}

		c.Next()
	}
}
