package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
)

// DefaultMaxAttempts bounds credential rotation after a 429.
const DefaultMaxAttempts = 2

// Forward sends the call upstream. A 429 rotates to a different credential
// until the attempts run out. The returned response body must be closed;
// closing it also releases the call's deadline.
func (s *Service) Forward(ctx context.Context, call *Call) (*http.Response, error) {
	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	tried := make(map[string]bool, attempts)
	for attempt := 1; attempt <= attempts; attempt++ {
		key, ok := s.pool.Select()
		if !ok || tried[key] {
			if attempt == 1 {
				monitoring.RecordUpstreamError(call.Model, "no_credential")
				return nil, ErrNoCredential
			}
			break
		}
		tried[key] = true

		resp, err := s.send(ctx, call, key)
		if err != nil {
			if !errors.Is(err, ErrCircuitOpen) {
				s.pool.RecordError(key)
			}
			monitoring.RecordUpstreamError(call.Model, errorType(err))
			return nil, err
		}
		monitoring.RecordUpstreamRequest(call.Model, resp.StatusCode)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			_ = resp.Body.Close()
			s.pool.RecordRateLimited(key)
			s.logger.Warn().
				Str("request_id", call.RequestID).
				Str("credential", logging.MaskKey(key)).
				Int("attempt", attempt).
				Msg("Upstream rate limited, rotating credential")
			continue

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			s.pool.RecordSuccess(key)
			call.credential = key
			return resp, nil

		default:
			body := readErrorBody(resp)
			s.pool.RecordError(key)
			monitoring.RecordUpstreamError(call.Model, "status")
			s.logger.Error().
				Str("request_id", call.RequestID).
				Int("status", resp.StatusCode).
				Str("body", logging.SanitizeForLog(body, 500)).
				Msg("Upstream error")
			return nil, &UpstreamError{Status: resp.StatusCode, Body: body}
		}
	}

	monitoring.RecordUpstreamError(call.Model, "rate_limited")
	return nil, ErrRateLimited
}

// send performs one attempt through the upstream host's circuit breaker.
// 5xx answers and transport failures count against the breaker.
func (s *Service) send(ctx context.Context, call *Call, key string) (*http.Response, error) {
	ctx, cancel := s.timeouts.WithDeadline(ctx, call.Stream)

	result, err := s.breakers.Execute(ctx, upstreamHost(s.cfg.UpstreamURL), func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.UpstreamURL, bytes.NewReader(call.Body))
		if err != nil {
			return nil, fmt.Errorf("create upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+key)
		if call.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}
		if call.RequestID != "" {
			req.Header.Set("X-Request-ID", call.RequestID)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if IsTimeoutError(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrUpstreamTimeout
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		if resp.StatusCode >= 500 {
			return nil, &UpstreamError{Status: resp.StatusCode, Body: readErrorBody(resp)}
		}
		return resp, nil
	})
	if err != nil {
		cancel()
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		return nil, err
	}

	resp := result.(*http.Response)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return string(b)
}

func upstreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func errorType(err error) string {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &upstream):
		return "status"
	default:
		return "transport"
	}
}
