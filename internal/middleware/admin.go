package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zorgspace/slashbot-web/internal/config"
	apierrors "github.com/zorgspace/slashbot-web/internal/errors"
	"github.com/zorgspace/slashbot-web/internal/logging"
)

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrNoSecret     = errors.New("admin secret not configured")
)

const adminSubject = "admin"

// AdminClaims are the claims of an operator bearer token
type AdminClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// AdminAuthenticator validates operator tokens for privileged routes
type AdminAuthenticator struct {
	secret []byte
	issuer string
}

// NewAdminAuthenticator creates an authenticator. An empty secret rejects
// every token.
func NewAdminAuthenticator(cfg *config.AdminConfig) *AdminAuthenticator {
	return &AdminAuthenticator{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
	}
}

// IssueToken signs an operator token valid for ttl
func (a *AdminAuthenticator) IssueToken(operator string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := &AdminClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken parses and validates an operator token
func (a *AdminAuthenticator) ValidateToken(tokenString string) (*AdminClaims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoSecret
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid || claims.Subject != adminSubject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AdminAuth requires a valid operator bearer token
func (a *AdminAuthenticator) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			logging.LogSecurityEvent("admin_auth_missing", "", c.ClientIP(), c.Request.URL.Path)
			RespondWithError(c, apierrors.ErrInvalidAdminTokenError)
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			logging.LogSecurityEvent("admin_auth_rejected", "", c.ClientIP(), err.Error())
			RespondWithError(c, apierrors.ErrInvalidAdminTokenError)
			return
		}

		c.Set(ContextKeyAdminClaims, claims)
		c.Next()
	}
}

// GetAdminClaimsFromContext returns the operator claims, or nil
func GetAdminClaimsFromContext(c *gin.Context) *AdminClaims {
	v, ok := c.Get(ContextKeyAdminClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*AdminClaims)
	return claims
}

// extractBearerToken extracts the token from a Bearer authorization header
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
