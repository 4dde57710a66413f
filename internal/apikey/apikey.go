// Package apikey manages the pool of upstream vendor credentials: load-leveled
// selection under a per-key sliding window, cooldown after a 429, and
// exclusion after repeated errors.
package apikey

import (
	"sync"
	"time"

	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
)

// Window is the trailing period requests are counted over.
const Window = 60 * time.Second

// Pool defaults
const (
	DefaultMaxRequestsPerMinute = 60
	DefaultRateLimitCooldown    = 60 * time.Second
	DefaultMaxErrors            = 5
)

type credential struct {
	key               string
	requests          []time.Time
	requestCount      int64
	lastUsedAt        time.Time
	rateLimitedUntil  time.Time
	consecutiveErrors int
}

// Status is a masked, point-in-time view of one credential.
type Status struct {
	Index             int       `json:"index"`
	KeyPrefix         string    `json:"keyPrefix"`
	RequestCount      int64     `json:"requestCount"`
	RecentRequests    int       `json:"recentRequests"`
	LastUsedAt        time.Time `json:"lastUsedAt,omitempty"`
	RateLimited       bool      `json:"rateLimited"`
	RateLimitedUntil  time.Time `json:"rateLimitedUntil,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	Healthy           bool      `json:"healthy"`
}

// Pool is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	credentials []*credential
	byKey       map[string]*credential

	maxRPM    int
	cooldown  time.Duration
	maxErrors int
	now       func() time.Time
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool builds a pool over keys, dropping blanks and duplicates while
// preserving order.
func NewPool(keys []string, cfg *config.CredentialsConfig, opts ...Option) *Pool {
	p := &Pool{
		byKey:     make(map[string]*credential, len(keys)),
		maxRPM:    DefaultMaxRequestsPerMinute,
		cooldown:  DefaultRateLimitCooldown,
		maxErrors: DefaultMaxErrors,
		now:       time.Now,
	}
	if cfg != nil {
		if cfg.MaxRequestsPerMinute > 0 {
			p.maxRPM = cfg.MaxRequestsPerMinute
		}
		if cfg.RateLimitCooldown > 0 {
			p.cooldown = cfg.RateLimitCooldown
		}
		if cfg.MaxErrors > 0 {
			p.maxErrors = cfg.MaxErrors
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := p.byKey[k]; dup {
			continue
		}
		c := &credential{key: k}
		p.credentials = append(p.credentials, c)
		p.byKey[k] = c
	}
	return p
}

// Len returns the number of configured credentials.
func (p *Pool) Len() int {
	return len(p.credentials)
}

// Select returns the eligible credential with the fewest requests in the
// current window; ties go to the earliest configured key.
func (p *Pool) Select() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *credential
	bestCount := 0
	available := 0
	for _, c := range p.credentials {
		n := p.prune(c, now)
		if !p.eligible(c, n, now) {
			continue
		}
		available++
		if best == nil || n < bestCount {
			best, bestCount = c, n
		}
	}
	monitoring.SetCredentialsAvailable(available)

	if best == nil {
		return "", false
	}
	best.lastUsedAt = now
	return best.key, true
}

// HasAvailable reports whether Select would return a credential right now.
func (p *Pool) HasAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, c := range p.credentials {
		if p.eligible(c, p.prune(c, now), now) {
			return true
		}
	}
	return false
}

// RecordSuccess counts a completed request against key and clears its errors.
func (p *Pool) RecordSuccess(key string) {
	p.update(key, "success", func(c *credential, now time.Time) {
		c.requests = append(c.requests, now)
		c.requestCount++
		c.consecutiveErrors = 0
	})
}

// RecordRateLimited puts key into cooldown.
func (p *Pool) RecordRateLimited(key string) {
	p.update(key, "rate_limited", func(c *credential, now time.Time) {
		c.rateLimitedUntil = now.Add(p.cooldown)
	})
}

// RecordError counts a failure; at the threshold the key is excluded until
// a success or Reset.
func (p *Pool) RecordError(key string) {
	var excluded bool
	p.update(key, "error", func(c *credential, now time.Time) {
		c.consecutiveErrors++
		excluded = c.consecutiveErrors == p.maxErrors
	})
	if excluded {
		logger := logging.NewLogger("apikey")
		logger.Warn().
			Str("credential", logging.MaskKey(key)).
			Int("max_errors", p.maxErrors).
			Msg("Credential excluded after consecutive errors")
	}
}

// Reset clears cooldown, error count and window for the credential at
// index, its position in Snapshot. It is how an excluded credential
// returns to rotation.
func (p *Pool) Reset(index int) bool {
	if index < 0 || index >= len(p.credentials) {
		return false
	}
	p.update(p.credentials[index].key, "reset", func(c *credential, _ time.Time) {
		c.requests = nil
		c.rateLimitedUntil = time.Time{}
		c.consecutiveErrors = 0
	})
	return true
}

// Snapshot returns the masked status of every credential in configured order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Status, 0, len(p.credentials))
	for i, c := range p.credentials {
		n := p.prune(c, now)
		limited := now.Before(c.rateLimitedUntil)
		st := Status{
			Index:             i,
			KeyPrefix:         logging.MaskKey(c.key),
			RequestCount:      c.requestCount,
			RecentRequests:    n,
			LastUsedAt:        c.lastUsedAt,
			RateLimited:       limited,
			ConsecutiveErrors: c.consecutiveErrors,
			Healthy:           c.consecutiveErrors < p.maxErrors,
		}
		if limited {
			st.RateLimitedUntil = c.rateLimitedUntil
		}
		out = append(out, st)
	}
	return out
}

func (p *Pool) update(key, outcome string, fn func(c *credential, now time.Time)) {
	p.mu.Lock()
	c, ok := p.byKey[key]
	if ok {
		fn(c, p.now())
	}
	p.mu.Unlock()

	if ok {
		monitoring.RecordCredentialOutcome(logging.MaskKey(key), outcome)
	}
}

// prune drops timestamps older than the window and returns the count left.
func (p *Pool) prune(c *credential, now time.Time) int {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(c.requests) && !c.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.requests = append(c.requests[:0], c.requests[i:]...)
	}
	return len(c.requests)
}

func (p *Pool) eligible(c *credential, windowCount int, now time.Time) bool {
	if now.Before(c.rateLimitedUntil) {
		return false
	}
	if c.consecutiveErrors >= p.maxErrors {
		return false
	}
	return windowCount < p.maxRPM
}
