// Package proxy is the metering proxy in front of the upstream chat
// completions API: it prices a call before forwarding it, relays the answer
// and settles the actual cost against the caller's credits.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/zorgspace/slashbot-web/internal/apikey"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/credits"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/pricing"
	"github.com/zorgspace/slashbot-web/internal/tokens"
	"github.com/zorgspace/slashbot-web/internal/usage"
)

// Service errors
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNoCredential        = errors.New("no upstream credential available")
	ErrRateLimited         = errors.New("upstream rate limited")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrUpstreamTimeout     = errors.New("upstream service timeout")
)

// DefaultEndpoint is recorded on usage records when the caller gives none.
const DefaultEndpoint = "/api/grok"

const (
	maxResponseBytes  = 32 << 20
	maxErrorBodyBytes = 64 << 10
)

// RequestError rejects a malformed completion request.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }

// InsufficientCreditsError is returned by Prepare when the balance does not
// cover the estimated cost.
type InsufficientCreditsError struct {
	CurrentBalance  int64 `json:"currentBalance"`
	EstimatedCost   int64 `json:"estimatedCost"`
	Shortfall       int64 `json:"shortfall"`
	InputTokens     int   `json:"inputTokens"`
	EstimatedOutput int   `json:"estimatedOutputTokens"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, estimated cost %d", e.CurrentBalance, e.EstimatedCost)
}

// UpstreamError is a non-2xx, non-429 upstream answer.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// ChatRequest is the part of an OpenAI-style request the proxy reads. The
// raw body is forwarded, so unknown fields pass through untouched.
type ChatRequest struct {
	Model     string           `json:"model"`
	Messages  []tokens.Message `json:"messages"`
	Stream    bool             `json:"stream"`
	MaxTokens int              `json:"max_tokens"`
}

// Call is one metered completion between Prepare and settlement.
type Call struct {
	RequestID string
	Wallet    string
	Endpoint  string
	Model     string
	Stream    bool
	Input     tokens.Breakdown
	Estimate  pricing.Estimate
	Body      []byte
	Started   time.Time

	credential string
}

// Service is safe for concurrent use.
type Service struct {
	cfg        *config.ProxyConfig
	pool       *apikey.Pool
	ledger     *credits.Ledger
	pricing    *pricing.Engine
	accountant *usage.Accountant
	client     *http.Client
	breakers   *CircuitBreakerManager
	timeouts   *TimeoutManager
	now        func() time.Time
	logger     zerolog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source used for latency.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the proxy to its collaborators.
func NewService(
	cfg *config.ProxyConfig,
	pool *apikey.Pool,
	ledger *credits.Ledger,
	engine *pricing.Engine,
	accountant *usage.Accountant,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:        cfg,
		pool:       pool,
		ledger:     ledger,
		pricing:    engine,
		accountant: accountant,
		// Deadlines come from the timeout manager per call.
		client:   &http.Client{},
		breakers: NewCircuitBreakerManager(DefaultCircuitBreakerConfig()),
		timeouts: NewTimeoutManager(&TimeoutConfig{
			RequestTimeout: cfg.RequestTimeout,
			StreamTimeout:  cfg.StreamTimeout,
		}),
		now:    time.Now,
		logger: logging.NewLogger("proxy"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Breakers exposes the circuit breaker manager for status reporting.
func (s *Service) Breakers() *CircuitBreakerManager {
	return s.breakers
}

func (s *Service) defaultModel() string {
	if s.cfg.DefaultModel != "" {
		return s.cfg.DefaultModel
	}
	return pricing.DefaultModel
}

// NormalizeModel maps a requested model onto the allowlist: exact match,
// then case-insensitive substring in either direction, then the default.
func NormalizeModel(requested, fallback string) string {
	if requested == "" {
		return fallback
	}
	available := pricing.Models()
	for _, m := range available {
		if m == requested {
			return m
		}
	}
	lower := strings.ToLower(requested)
	for _, m := range available {
		lm := strings.ToLower(m)
		if strings.Contains(lower, lm) || strings.Contains(lm, lower) {
			return m
		}
	}
	return fallback
}

// Prepare parses and validates a completion request, estimates its cost and
// checks the wallet can pay for it.
func (s *Service) Prepare(ctx context.Context, requestID, wallet, endpoint string, raw []byte) (*Call, error) {
	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &RequestError{Reason: "Invalid JSON body"}
	}
	if len(req.Messages) == 0 {
		return nil, &RequestError{Reason: "Messages array is required"}
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return nil, &RequestError{Reason: fmt.Sprintf("Message %d is missing a role", i)}
		}
	}
	if req.MaxTokens < 0 {
		return nil, &RequestError{Reason: "max_tokens must not be negative"}
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	model := NormalizeModel(req.Model, s.defaultModel())
	input := tokens.CountMessageTokens(req.Messages)
	estimate := s.pricing.EstimateCost(ctx, model, input.Total, req.MaxTokens)

	check, err := s.ledger.VerifyBalance(ctx, wallet, estimate.Credits)
	if err != nil {
		return nil, fmt.Errorf("verify balance: %w", err)
	}
	if !check.Sufficient {
		return nil, &InsufficientCreditsError{
			CurrentBalance:  check.CurrentBalance,
			EstimatedCost:   check.EstimatedCost,
			Shortfall:       check.Shortfall,
			InputTokens:     input.Total,
			EstimatedOutput: estimate.EstimatedOutputTokens,
		}
	}

	body, err := upstreamBody(raw, model, req.Stream)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	return &Call{
		RequestID: requestID,
		Wallet:    wallet,
		Endpoint:  endpoint,
		Model:     model,
		Stream:    req.Stream,
		Input:     input,
		Estimate:  estimate,
		Body:      body,
		Started:   s.now(),
	}, nil
}

// upstreamBody rewrites the caller's body for the upstream: the normalized
// model, an explicit stream flag, no wallet field, and usage reporting on
// streams unless the caller configured it.
func upstreamBody(raw []byte, model string, stream bool) ([]byte, error) {
	body, err := sjson.SetBytes(raw, "model", model)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream", stream); err != nil {
		return nil, err
	}
	if body, err = sjson.DeleteBytes(body, "wallet_address"); err != nil {
		return nil, err
	}
	if stream && !gjson.GetBytes(body, "stream_options.include_usage").Exists() {
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Complete reads a non-streaming answer, settles it and returns the payload
// with a billing block added.
func (s *Service) Complete(ctx context.Context, call *Call, resp *http.Response) ([]byte, *Billing, error) {
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if IsTimeoutError(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, ErrUpstreamTimeout
		}
		return nil, nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	u := tokens.Usage{PromptTokens: call.Input.Total}
	if reported, ok := tokens.ParseUsage(payload); ok {
		u = *reported
		if u.PromptTokens == 0 {
			u.PromptTokens = call.Input.Total
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
	}

	billing := s.settle(ctx, call, u, "")

	out, err := sjson.SetBytes(payload, "billing", billing)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", call.RequestID).Msg("Upstream payload is not an object, returning it without billing")
		return payload, billing, nil
	}
	return out, billing, nil
}

// Stream relays an event stream through a StreamMeter, settles the call when
// the upstream ends and appends the billing event and terminal marker.
func (s *Service) Stream(ctx context.Context, call *Call, resp *http.Response, w io.Writer, flush func()) (*Billing, error) {
	defer resp.Body.Close()

	meter := NewStreamMeter(w, flush)
	_, copyErr := io.Copy(meter, resp.Body)
	if err := meter.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	errorCode := ""
	switch {
	case copyErr != nil:
		errorCode = "stream_interrupted"
		s.logger.Warn().Err(copyErr).
			Str("request_id", call.RequestID).
			Int("frames", meter.Frames()).
			Msg("Stream ended early, billing delivered content")
	case !meter.Done():
		errorCode = "stream_truncated"
		s.logger.Warn().
			Str("request_id", call.RequestID).
			Int("frames", meter.Frames()).
			Msg("Upstream closed the stream without a terminal marker")
	}

	billing := s.settle(ctx, call, meter.Usage(call.Input.Total), errorCode)

	if ctx.Err() != nil {
		return billing, copyErr
	}
	if err := meter.Finish(billing); err != nil && copyErr == nil {
		copyErr = err
	}
	return billing, copyErr
}

// Status describes the proxy for the status endpoint.
type Status struct {
	Status          string                  `json:"status"`
	AvailableModels []string                `json:"availableModels"`
	DefaultModel    string                  `json:"defaultModel"`
	KeyStatus       KeyStatus               `json:"keyStatus"`
	ExchangeRates   StatusRates             `json:"exchangeRates"`
	Pricing         StatusPricing           `json:"pricing"`
	CircuitBreakers []*CircuitBreakerStatus `json:"circuitBreakers"`
	Authentication  string                  `json:"authentication"`
}

type KeyStatus struct {
	TotalKeys    int             `json:"totalKeys"`
	HasAvailable bool            `json:"hasAvailable"`
	Keys         []apikey.Status `json:"keys"`
}

type StatusRates struct {
	SolUSD    float64 `json:"solUsd"`
	TokenSOL  float64 `json:"tokenSol"`
	UpdatedAt string  `json:"updatedAt"`
}

type StatusPricing struct {
	CreditsPerUSD float64            `json:"creditsPerUsd"`
	TokenPriceUSD float64            `json:"tokenPriceUsd"`
	Models        []pricing.TableRow `json:"models"`
}

// Status reports models, credential health, rates and prices.
func (s *Service) Status(ctx context.Context) *Status {
	rates := s.pricing.Rates(ctx)
	available := s.pool.HasAvailable()
	state := "operational"
	if !available {
		state = "degraded"
	}
	return &Status{
		Status:          state,
		AvailableModels: pricing.Models(),
		DefaultModel:    s.defaultModel(),
		KeyStatus: KeyStatus{
			TotalKeys:    s.pool.Len(),
			HasAvailable: available,
			Keys:         s.pool.Snapshot(),
		},
		ExchangeRates: StatusRates{
			SolUSD:    rates.SolUSD,
			TokenSOL:  rates.TokenSOL,
			UpdatedAt: time.UnixMilli(rates.UpdatedAt).UTC().Format(time.RFC3339),
		},
		Pricing: StatusPricing{
			CreditsPerUSD: pricing.CreditsPerUSD(rates),
			TokenPriceUSD: rates.TokenUSD(),
			Models:        pricing.Table(),
		},
		CircuitBreakers: s.breakers.GetAllStatus(),
		Authentication:  "Wallet signature required (X-Wallet-Address, X-Wallet-Signature, X-Wallet-Timestamp, X-Body-Hash)",
	}
}
