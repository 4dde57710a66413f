package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zorgspace/slashbot-web/internal/auth"
	"github.com/zorgspace/slashbot-web/internal/config"
	apierrors "github.com/zorgspace/slashbot-web/internal/errors"
	"github.com/zorgspace/slashbot-web/internal/proxy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret-key-for-admin-tokens"

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierrors.ErrorResponse {
	t.Helper()
	var resp apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %v: %s", err, w.Body.String())
	}
	return resp
}

func adminRouter(a *AdminAuthenticator) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), a.AdminAuth())
	router.PUT("/api/credits", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": GetAdminClaimsFromContext(c).Operator})
	})
	return router
}

func TestAdminAuth_ValidToken(t *testing.T) {
	a := NewAdminAuthenticator(&config.AdminConfig{JWTSecret: testSecret, Issuer: "slashbot"})
	token, err := a.IssueToken("ops", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/credits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	adminRouter(a).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"ops"`)) {
		t.Fatalf("claims not exposed to handler: %s", w.Body.String())
	}
}

func TestAdminAuth_Rejections(t *testing.T) {
	a := NewAdminAuthenticator(&config.AdminConfig{JWTSecret: testSecret, Issuer: "slashbot"})

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			Issuer:    "slashbot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))

	wrongIssuer, _ := NewAdminAuthenticator(&config.AdminConfig{JWTSecret: testSecret, Issuer: "other"}).IssueToken("ops", time.Hour)
	wrongSecret, _ := NewAdminAuthenticator(&config.AdminConfig{JWTSecret: "another-secret", Issuer: "slashbot"}).IssueToken("ops", time.Hour)

	wrongSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "access",
			Issuer:    "slashbot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))

	cases := map[string]string{
		"missing":       "",
		"not bearer":    "Basic abc",
		"empty bearer":  "Bearer ",
		"garbage":       "Bearer not-a-token",
		"expired":       "Bearer " + expired,
		"wrong issuer":  "Bearer " + wrongIssuer,
		"wrong secret":  "Bearer " + wrongSecret,
		"wrong subject": "Bearer " + wrongSubject,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/credits", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			adminRouter(a).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status 401, got %d", w.Code)
			}
			resp := decodeError(t, w)
			if resp.Error.Code != apierrors.ErrInvalidAdminToken {
				t.Fatalf("Expected code %s, got %s", apierrors.ErrInvalidAdminToken, resp.Error.Code)
			}
			if resp.RequestID == "" {
				t.Fatal("error response should carry the request id")
			}
		})
	}
}

func TestAdminAuth_NoSecretRejectsEverything(t *testing.T) {
	a := NewAdminAuthenticator(&config.AdminConfig{})
	if _, err := a.IssueToken("ops", time.Hour); err != ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}

	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: adminSubject},
	}).SignedString([]byte(""))
	req := httptest.NewRequest(http.MethodPut, "/api/credits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	adminRouter(a).ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", w.Code)
	}
}

func walletKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize))
}

func walletRouter(a *auth.Authenticator) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), WalletAuth(a, 1024))
	handler := func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.JSON(http.StatusOK, gin.H{
			"wallet":      GetWalletFromContext(c),
			"body":        string(body),
			"contextBody": string(GetBodyFromContext(c)),
		})
	}
	router.POST("/api/grok", handler)
	router.GET("/api/usage", handler)
	return router
}

func TestWalletAuth_AcceptsSignedRequest(t *testing.T) {
	now := time.Now()
	a := auth.NewAuthenticator(&config.AuthConfig{Namespace: "slashbot"})
	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)

	req := httptest.NewRequest(http.MethodPost, "/api/grok", bytes.NewReader(body))
	req.Header = auth.SignHeaders(walletKey(), "slashbot", now, body)
	w := httptest.NewRecorder()
	walletRouter(a).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var got map[string]string
	json.Unmarshal(w.Body.Bytes(), &got)
	if got["wallet"] != req.Header.Get(auth.HeaderWalletAddress) {
		t.Fatalf("wallet not set: %v", got)
	}
	if got["body"] != string(body) || got["contextBody"] != string(body) {
		t.Fatalf("body must be restored for the handler: %v", got)
	}
}

func TestWalletAuth_AcceptsBodylessRequest(t *testing.T) {
	a := auth.NewAuthenticator(&config.AuthConfig{Namespace: "slashbot"})

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.Header = auth.SignHeaders(walletKey(), "slashbot", time.Now(), nil)
	w := httptest.NewRecorder()
	walletRouter(a).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWalletAuth_Rejections(t *testing.T) {
	a := auth.NewAuthenticator(&config.AuthConfig{Namespace: "slashbot"})
	body := []byte(`{"messages":[]}`)

	tampered := auth.SignHeaders(walletKey(), "slashbot", time.Now(), body)
	stale := auth.SignHeaders(walletKey(), "slashbot", time.Now().Add(-10*time.Minute), body)
	otherNamespace := auth.SignHeaders(walletKey(), "elsewhere", time.Now(), body)

	cases := []struct {
		name   string
		header http.Header
		body   []byte
		reason string
	}{
		{"unsigned", http.Header{}, body, auth.ErrMissingHeaders.Error()},
		{"tampered", tampered, []byte(`{"messages":[1]}`), auth.ErrBodyHashMismatch.Error()},
		{"stale", stale, body, auth.ErrSignatureExpired.Error()},
		{"wrong namespace", otherNamespace, body, auth.ErrInvalidSignature.Error()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/grok", bytes.NewReader(tc.body))
			req.Header = tc.header
			w := httptest.NewRecorder()
			walletRouter(a).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status 401, got %d", w.Code)
			}
			resp := decodeError(t, w)
			if resp.Error.Code != apierrors.ErrInvalidSignature || resp.Error.Message != tc.reason {
				t.Fatalf("unexpected error %+v", resp.Error)
			}
		})
	}
}

func TestWalletAuth_BodyTooLarge(t *testing.T) {
	a := auth.NewAuthenticator(&config.AuthConfig{Namespace: "slashbot"})
	body := bytes.Repeat([]byte("a"), 2048)

	req := httptest.NewRequest(http.MethodPost, "/api/grok", bytes.NewReader(body))
	req.Header = auth.SignHeaders(walletKey(), "slashbot", time.Now(), body)
	w := httptest.NewRecorder()
	walletRouter(a).ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected status 413, got %d", w.Code)
	}
}

type stubLimiter struct {
	result *proxy.RateLimitResult
	err    error
	calls  []string
}

func (s *stubLimiter) Check(_ context.Context, wallet string) (*proxy.RateLimitResult, error) {
	s.calls = append(s.calls, wallet)
	return s.result, s.err
}

func limitedRouter(l WalletLimiter, wallet string) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), func(c *gin.Context) {
		if wallet != "" {
			c.Set(ContextKeyWallet, wallet)
		}
		c.Next()
	}, WalletRateLimit(l))
	router.POST("/api/grok", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestWalletRateLimit(t *testing.T) {
	reset := time.Now().Add(time.Minute)

	allowed := &stubLimiter{result: &proxy.RateLimitResult{Allowed: true, Remaining: 4, Limit: 5, ResetAt: reset}}
	w := httptest.NewRecorder()
	limitedRouter(allowed, "wallet-a").ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/grok", nil))
	if w.Code != http.StatusOK || w.Header().Get("X-RateLimit-Remaining") != "4" || w.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("unexpected allowed response %d %v", w.Code, w.Header())
	}

	limited := &stubLimiter{result: &proxy.RateLimitResult{Allowed: false, Limit: 5, RetryAfter: 1500 * time.Millisecond, ResetAt: reset}}
	w = httptest.NewRecorder()
	limitedRouter(limited, "wallet-a").ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/grok", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "2" {
		t.Fatalf("Retry-After should round up, got %q", w.Header().Get("Retry-After"))
	}
	if resp := decodeError(t, w); resp.Error.Code != apierrors.ErrRateLimited {
		t.Fatalf("unexpected code %s", resp.Error.Code)
	}

	unauthenticated := &stubLimiter{}
	w = httptest.NewRecorder()
	limitedRouter(unauthenticated, "").ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/grok", nil))
	if w.Code != http.StatusOK || len(unauthenticated.calls) != 0 {
		t.Fatalf("requests without a wallet are not limited here")
	}
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rl := NewIPRateLimiter(&config.RateLimitConfig{IPRequestsPerSecond: 1, IPBurst: 2})
	rl.now = func() time.Time { return now }

	router := gin.New()
	router.Use(RequestID(), rl.RateLimitByIP())
	router.POST("/api/credits", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/credits", nil)
		req.RemoteAddr = ip + ":12345"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if send("10.0.0.1") != http.StatusOK || send("10.0.0.1") != http.StatusOK {
		t.Fatal("burst should be allowed")
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429 after burst, got %d", code)
	}
	if send("10.0.0.2") != http.StatusOK {
		t.Fatal("other clients must not be affected")
	}

	now = now.Add(time.Second)
	if send("10.0.0.1") != http.StatusOK {
		t.Fatal("bucket should refill over time")
	}

	now = now.Add(time.Hour)
	if n := rl.Prune(time.Minute); n != 2 {
		t.Fatalf("expected two idle buckets pruned, got %d", n)
	}
}

func TestRequestAndCorrelationID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), CorrelationID())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"request":     GetRequestIDFromContext(c),
			"correlation": GetCorrelationIDFromContext(c),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") != "req-123" || w.Header().Get("X-Correlation-ID") != "req-123" {
		t.Fatalf("correlation should default to the request id: %v", w.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-9")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Header().Get("X-Correlation-ID") != "corr-9" || w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("unexpected ids: %v", w.Header())
	}
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://slashbot.example"}))
	router.POST("/api/grok", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/api/grok", nil)
	req.Header.Set("Origin", "https://slashbot.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://slashbot.example" {
		t.Fatal("allowed origin should be echoed")
	}
	if !bytes.Contains([]byte(w.Header().Get("Access-Control-Allow-Headers")), []byte(auth.HeaderSignature)) {
		t.Fatal("wallet signature header must be allowed")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/grok", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be allowed")
	}
}
