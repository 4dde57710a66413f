package proxy

import (
	"context"
	"errors"
	"net"
	"time"
)

// TimeoutConfig holds the per-call upstream budgets
type TimeoutConfig struct {
	// RequestTimeout covers a non-streaming call including its body
	RequestTimeout time.Duration
	// StreamTimeout covers a whole event stream
	StreamTimeout time.Duration
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		RequestTimeout: 120 * time.Second,
		StreamTimeout:  10 * time.Minute,
	}
}

// TimeoutManager hands out upstream deadlines
type TimeoutManager struct {
	config *TimeoutConfig
}

// NewTimeoutManager fills zero budgets from the defaults
func NewTimeoutManager(config *TimeoutConfig) *TimeoutManager {
	def := DefaultTimeoutConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = def.StreamTimeout
	}
	return &TimeoutManager{config: &cfg}
}

// GetTimeout returns the budget for a streaming or non-streaming call
func (t *TimeoutManager) GetTimeout(stream bool) time.Duration {
	if stream {
		return t.config.StreamTimeout
	}
	return t.config.RequestTimeout
}

// WithDeadline derives the call context
func (t *TimeoutManager) WithDeadline(ctx context.Context, stream bool) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.GetTimeout(stream))
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUpstreamTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
