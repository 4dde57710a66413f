package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/tidwall/gjson"
	"github.com/zorgspace/slashbot-web/internal/auth"
	"github.com/zorgspace/slashbot-web/internal/cache/cachetest"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/credits"
	apierrors "github.com/zorgspace/slashbot-web/internal/errors"
	"github.com/zorgspace/slashbot-web/internal/middleware"
	"github.com/zorgspace/slashbot-web/internal/models"
	"github.com/zorgspace/slashbot-web/internal/payment"
	"github.com/zorgspace/slashbot-web/internal/pricing"
	"github.com/zorgspace/slashbot-web/internal/solana"
	"github.com/zorgspace/slashbot-web/internal/usage"
)

const (
	treasury    = "DVGjCZVJ3jMw8gsHAQjuYFMj8xQJyVf17qKrciYCS9u7"
	tokenMint   = "AtiFyHm6UMNLXCWJGLqhxSwvr3n3MgFKxppkKWUoBAGS"
	namespace   = "slashbot"
	adminSecret = "test-admin-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func walletKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize))
}

func walletOf(key ed25519.PrivateKey) string {
	return base58.Encode(key.Public().(ed25519.PublicKey))
}

// 1024 credits per SOL keeps deposit arithmetic exact.
type staticOracle struct{}

func (staticOracle) SolUSD(context.Context) (float64, error)   { return 150, nil }
func (staticOracle) TokenSOL(context.Context) (float64, error) { return 1.0 / 1024, nil }

type fakeChain struct {
	mu  sync.Mutex
	txs map[string]*solana.Transaction
}

func (f *fakeChain) GetTransaction(_ context.Context, sig string) (*solana.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[sig]
	if !ok {
		return nil, solana.ErrTransactionNotFound
	}
	return tx, nil
}

// addSOLTransfer registers a transfer of lamports from payer to the
// treasury and returns its signature.
func (f *fakeChain) addSOLTransfer(t *testing.T, payer string, lamports int64) string {
	t.Helper()
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	sig := base58.Encode(b)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txs == nil {
		f.txs = map[string]*solana.Transaction{}
	}
	f.txs[sig] = &solana.Transaction{
		Signature: sig,
		AccountKeys: []solana.AccountKey{
			{Pubkey: payer, Signer: true, Writable: true},
			{Pubkey: treasury, Writable: true},
		},
		PreBalances:  []int64{10_000_000_000, 0},
		PostBalances: []int64{10_000_000_000 - lamports - 5000, lamports},
	}
	return sig
}

type apiHarness struct {
	srv        *APIServer
	ledger     *credits.Ledger
	accountant *usage.Accountant
	chain      *fakeChain
	admin      *middleware.AdminAuthenticator
	key        ed25519.PrivateKey
	wallet     string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, _ := cachetest.New(t)

	cfg := &config.Config{
		Server:    config.ServerConfig{Env: "test"},
		CORS:      config.CORSConfig{AllowedOrigins: []string{"*"}},
		Auth:      config.AuthConfig{Namespace: namespace},
		Admin:     config.AdminConfig{JWTSecret: adminSecret, Issuer: "slashbot-web"},
		Solana:    config.SolanaConfig{TreasuryAddress: treasury, TokenMint: tokenMint, TokenDecimals: 9},
		RateLimit: config.RateLimitConfig{IPRequestsPerSecond: 0.001, IPBurst: 3},
	}

	h := &apiHarness{
		ledger:     credits.NewLedger(store, time.Minute),
		accountant: usage.NewAccountant(store, nil),
		chain:      &fakeChain{},
		admin:      middleware.NewAdminAuthenticator(&cfg.Admin),
		key:        walletKey(),
	}
	h.wallet = walletOf(h.key)

	rates := pricing.NewRateCache(store, staticOracle{}, staticOracle{}, &config.PricingConfig{RateTTL: 15 * time.Minute})
	h.srv = NewAPIServer(cfg, APIDeps{
		Ledger:    h.ledger,
		Payments:  payment.NewService(h.ledger, h.chain, rates, &cfg.Solana, 1),
		Rates:     rates,
		Refresher: pricing.NewRefresher(rates, time.Hour),
		Usage:     h.accountant,
		Wallets:   auth.NewAuthenticator(&cfg.Auth),
		Admin:     h.admin,
		IPLimiter: middleware.NewIPRateLimiter(&cfg.RateLimit),
	})
	return h
}

func (h *apiHarness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(w, req)
	return w
}

func (h *apiHarness) adminRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	token, err := h.admin.IssueToken("ops", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// signedRequest signs body with the harness wallet.
func (h *apiHarness) signedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range auth.SignHeaders(h.key, namespace, time.Now(), body) {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) apierrors.ErrorCode {
	t.Helper()
	var resp apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error %q: %v", w.Body.String(), err)
	}
	return resp.Error.Code
}

func (h *apiHarness) recordUsage(t *testing.T, spent int64) {
	t.Helper()
	_, err := h.accountant.Record(context.Background(), usage.Entry{
		WalletAddress:  h.wallet,
		Model:          pricing.DefaultModel,
		Endpoint:       "/api/grok",
		Tokens:         models.TokenUsage{Input: 100, Output: 50, Total: 150},
		Cost:           models.UsageCost{USD: float64(spent) / 1000, Credits: spent},
		ProcessingTime: 120 * time.Millisecond,
		Success:        true,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || decode(t, w)["service"] != "api" {
		t.Fatalf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}

func TestGetCredits(t *testing.T) {
	h := newAPIHarness(t)
	if _, err := h.ledger.Credit(context.Background(), h.wallet, 42); err != nil {
		t.Fatal(err)
	}

	w := h.do(httptest.NewRequest(http.MethodGet, "/api/credits?wallet="+h.wallet, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["walletAddress"] != h.wallet || body["credits"] != float64(42) {
		t.Fatalf("unexpected body %v", body)
	}
	if _, err := time.Parse(time.RFC3339, body["lastUpdated"].(string)); err != nil {
		t.Fatalf("lastUpdated is not RFC3339: %v", err)
	}

	for _, target := range []string{"/api/credits", "/api/credits?wallet=not-a-wallet"} {
		w := h.do(httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusBadRequest || errorCode(t, w) != apierrors.ErrInvalidRequest {
			t.Fatalf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestClaimDeposit(t *testing.T) {
	h := newAPIHarness(t)
	sig := h.chain.addSOLTransfer(t, h.wallet, 500_000_000)
	body := `{"wallet_address":"` + h.wallet + `","transaction_signature":"` + sig + `"}`

	req := httptest.NewRequest(http.MethodPost, "/api/credits", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := h.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result payment.ClaimResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.CreditsAwarded != 512 || result.NewBalance != 512 || result.TokenType != models.TokenTypeSOL {
		t.Fatalf("unexpected claim result %+v", result)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/credits", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = h.do(req)
	if w.Code != http.StatusConflict || errorCode(t, w) != apierrors.ErrDuplicateClaim {
		t.Fatalf("second claim: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	balance, _ := h.ledger.GetBalance(context.Background(), h.wallet)
	if balance != 512 {
		t.Fatalf("deposit must be credited once, balance %d", balance)
	}
}

func TestRecentDeposits(t *testing.T) {
	h := newAPIHarness(t)
	for range 2 {
		sig := h.chain.addSOLTransfer(t, h.wallet, 500_000_000)
		req := httptest.NewRequest(http.MethodPost, "/api/credits",
			strings.NewReader(`{"wallet_address":"`+h.wallet+`","transaction_signature":"`+sig+`"}`))
		req.Header.Set("Content-Type", "application/json")
		if w := h.do(req); w.Code != http.StatusOK {
			t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
		}
	}

	if w := h.do(httptest.NewRequest(http.MethodGet, "/api/deposits", nil)); w.Code != http.StatusUnauthorized {
		t.Fatalf("deposits without token: expected 401, got %d", w.Code)
	}

	w := h.do(h.adminRequest(t, http.MethodGet, "/api/deposits?limit=1", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if gjson.Get(body, "count").Int() != 1 || gjson.Get(body, "deposits.0.walletAddress").String() != h.wallet {
		t.Fatalf("unexpected deposits %s", body)
	}
	if gjson.Get(body, "deposits.0.creditsAwarded").Int() != 512 {
		t.Fatalf("unexpected deposit %s", gjson.Get(body, "deposits.0").Raw)
	}

	w = h.do(h.adminRequest(t, http.MethodGet, "/api/deposits", ""))
	if gjson.Get(w.Body.String(), "count").Int() != 2 || gjson.Get(w.Body.String(), "limit").Int() != 50 {
		t.Fatalf("default page should list both deposits: %s", w.Body.String())
	}
}

func TestClaimDepositRejections(t *testing.T) {
	h := newAPIHarness(t)
	failed := h.chain.addSOLTransfer(t, h.wallet, 1000)
	h.chain.txs[failed].Failed = true
	unknown := base58.Encode(bytes.Repeat([]byte{1}, 64))

	cases := []struct {
		name   string
		body   string
		status int
		code   apierrors.ErrorCode
	}{
		{"bad json", `{`, http.StatusBadRequest, apierrors.ErrInvalidRequest},
		{"bad wallet", `{"wallet_address":"nope","transaction_signature":"` + unknown + `"}`, http.StatusBadRequest, apierrors.ErrInvalidRequest},
		{"not found", `{"wallet_address":"` + h.wallet + `","transaction_signature":"` + unknown + `"}`, http.StatusNotFound, apierrors.ErrTransactionNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/credits", strings.NewReader(c.body))
			req.Header.Set("Content-Type", "application/json")
			req.RemoteAddr = "198.51.100.7:4000"
			w := h.do(req)
			if w.Code != c.status || errorCode(t, w) != c.code {
				t.Fatalf("expected %d/%s, got %d: %s", c.status, c.code, w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/credits",
		strings.NewReader(`{"wallet_address":"`+h.wallet+`","transaction_signature":"`+failed+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w := h.do(req)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apierrors.ErrTransactionFailed {
		t.Fatalf("failed transaction: got %d: %s", w.Code, w.Body.String())
	}
}

func TestClaimDepositIsRateLimitedPerIP(t *testing.T) {
	h := newAPIHarness(t)
	var last *httptest.ResponseRecorder
	for range 4 {
		req := httptest.NewRequest(http.MethodPost, "/api/credits", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.9:5555"
		last = h.do(req)
	}
	if last.Code != http.StatusTooManyRequests || last.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", last.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/credits", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.10:5555"
	if w := h.do(req); w.Code == http.StatusTooManyRequests {
		t.Fatal("other clients must not share the bucket")
	}
}

func TestUseCredits(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	if _, err := h.ledger.Credit(ctx, h.wallet, 100); err != nil {
		t.Fatal(err)
	}

	w := h.do(h.adminRequest(t, http.MethodPut, "/api/credits", `{"wallet_address":"`+h.wallet+`","amount":30,"reason":"refund-adjust"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["success"] != true || body["newBalance"] != float64(70) || body["amountUsed"] != float64(30) || body["reason"] != "refund-adjust" {
		t.Fatalf("unexpected body %v", body)
	}

	w = h.do(h.adminRequest(t, http.MethodPut, "/api/credits", `{"wallet_address":"`+h.wallet+`","amount":500}`))
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apierrors.ErrInsufficientCreditsDebit {
		t.Fatalf("overdraft: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(h.adminRequest(t, http.MethodPut, "/api/credits", `{"wallet_address":"`+h.wallet+`","amount":0}`))
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apierrors.ErrInvalidRequest {
		t.Fatalf("zero amount: expected 400, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/credits", strings.NewReader(`{"wallet_address":"`+h.wallet+`","amount":1}`))
	if w := h.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing admin token: expected 401, got %d", w.Code)
	}

	if balance, _ := h.ledger.GetBalance(ctx, h.wallet); balance != 70 {
		t.Fatalf("rejected debits must not change the balance, got %d", balance)
	}
}

func TestRates(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, "/api/rates", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	rates := body["rates"].(map[string]any)
	meta := body["meta"].(map[string]any)
	if rates["solUsd"] != float64(150) || rates["tokenSol"] != 1.0/1024 {
		t.Fatalf("unexpected rates %v", rates)
	}
	if meta["tokenMint"] != tokenMint || meta["cacheTtlMs"] != float64(15*time.Minute/time.Millisecond) {
		t.Fatalf("unexpected meta %v", meta)
	}
	refresher, ok := meta["refresher"].(map[string]any)
	if !ok || refresher["running"] != false || refresher["interval"] != "1h0m0s" {
		t.Fatalf("expected refresher status in meta, got %v", meta["refresher"])
	}

	req := httptest.NewRequest(http.MethodPost, "/api/rates", nil)
	if w := h.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh without token: expected 401, got %d", w.Code)
	}

	w = h.do(h.adminRequest(t, http.MethodPost, "/api/rates", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body = decode(t, w)
	if body["message"] != "Exchange rates refreshed" || body["updatedAt"] == "" {
		t.Fatalf("unexpected refresh body %v", body)
	}
	if h.srv.deps.Refresher.LastRun().IsZero() {
		t.Fatal("refresh should go through the refresher")
	}
}

func TestUsageRequiresSignature(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/usage?wallet="+h.wallet, nil))
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != apierrors.ErrInvalidSignature {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestUsageRejectsOtherWallet(t *testing.T) {
	h := newAPIHarness(t)
	other := walletOf(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize)))
	w := h.do(h.signedRequest(http.MethodGet, "/api/usage?wallet="+other, nil))
	if w.Code != http.StatusForbidden || errorCode(t, w) != apierrors.ErrForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUsageHistory(t *testing.T) {
	h := newAPIHarness(t)
	for i := range 3 {
		h.recordUsage(t, int64(10+i))
	}

	w := h.do(h.signedRequest(http.MethodGet, "/api/usage?type=history&limit=2&offset=0", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	records := body["records"].([]any)
	page := body["pagination"].(map[string]any)
	if len(records) != 2 || page["total"] != float64(3) || page["hasMore"] != true {
		t.Fatalf("unexpected page %v / %d records", page, len(records))
	}
	if first := records[0].(map[string]any); first["cost"].(map[string]any)["credits"] != float64(12) {
		t.Fatalf("history must be newest first, got %v", first)
	}

	w = h.do(h.signedRequest(http.MethodGet, "/api/usage?type=history&limit=500&offset=2", nil))
	page = decode(t, w)["pagination"].(map[string]any)
	if page["limit"] != float64(100) || page["hasMore"] != false {
		t.Fatalf("limit must be capped and the last page closed, got %v", page)
	}
}

func TestUsageStatsAndSummary(t *testing.T) {
	h := newAPIHarness(t)
	h.recordUsage(t, 25)
	h.recordUsage(t, 5)

	w := h.do(h.signedRequest(http.MethodGet, "/api/usage?type=stats&period=week", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stats := decode(t, w)
	if stats["type"] != "stats" || stats["walletAddress"] != h.wallet || stats["period"] != "week" {
		t.Fatalf("unexpected stats envelope %v", stats)
	}
	if stats["totalRequests"] != float64(2) || stats["totalCreditsSpent"] != float64(30) {
		t.Fatalf("unexpected stats %v", stats)
	}

	w = h.do(h.signedRequest(http.MethodGet, "/api/usage?type=stats&period=decade", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid period: expected 400, got %d", w.Code)
	}

	w = h.do(h.signedRequest(http.MethodGet, "/api/usage", nil))
	summary := decode(t, w)
	today := summary["today"].(map[string]any)
	if summary["type"] != "summary" || today["requests"] != float64(2) || today["credits"] != float64(30) {
		t.Fatalf("unexpected summary %v", summary)
	}
}

func TestUsageExport(t *testing.T) {
	h := newAPIHarness(t)
	h.recordUsage(t, 7)

	w := h.do(h.signedRequest(http.MethodPost, "/api/usage/export", []byte(`{"format":"csv","period":"day"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, usage.ExportFilename(h.wallet, "day")) {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatalf("export is not valid CSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d rows", len(rows))
	}

	w = h.do(h.signedRequest(http.MethodPost, "/api/usage/export", []byte(`{}`)))
	body := decode(t, w)
	if body["walletAddress"] != h.wallet || body["period"] != "month" || len(body["records"].([]any)) != 1 {
		t.Fatalf("unexpected JSON export %v", body)
	}

	w = h.do(h.signedRequest(http.MethodPost, "/api/usage/export", []byte(`{"format":"xml"}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown format: expected 400, got %d", w.Code)
	}
}
