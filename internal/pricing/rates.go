package pricing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/models"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultRateTTL is how long a quote stays fresh.
const DefaultRateTTL = 15 * time.Minute

// storeGrace keeps the shared copy around a little past its freshness so a
// failed refresh can still fall back to it.
const storeGrace = 60 * time.Second

// SolUSDOracle quotes SOL in USD.
type SolUSDOracle interface {
	SolUSD(ctx context.Context) (float64, error)
}

// TokenSOLOracle quotes the platform token in SOL.
type TokenSOLOracle interface {
	TokenSOL(ctx context.Context) (float64, error)
}

// RateCache serves exchange rates from process memory, then the shared
// store, then the oracles. Concurrent refreshes collapse into one fetch.
type RateCache struct {
	store     cache.Store
	solOracle SolUSDOracle
	tokOracle TokenSOLOracle
	ttl       time.Duration
	timeout   time.Duration
	defaults  models.ExchangeRates
	now       func() time.Time
	logger    zerolog.Logger

	mu  sync.RWMutex
	mem *models.ExchangeRates

	group singleflight.Group
}

// RateOption configures a RateCache.
type RateOption func(*RateCache)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) RateOption {
	return func(c *RateCache) { c.now = now }
}

// NewRateCache builds a cache over store and the two oracles.
func NewRateCache(store cache.Store, sol SolUSDOracle, tok TokenSOLOracle, cfg *config.PricingConfig, opts ...RateOption) *RateCache {
	c := &RateCache{
		store:     store,
		solOracle: sol,
		tokOracle: tok,
		ttl:       DefaultRateTTL,
		timeout:   10 * time.Second,
		defaults:  DefaultRates,
		now:       time.Now,
		logger:    logging.NewLogger("rates"),
	}
	if cfg != nil {
		if cfg.RateTTL > 0 {
			c.ttl = cfg.RateTTL
		}
		if cfg.OracleTimeout > 0 {
			c.timeout = cfg.OracleTimeout
		}
		if usable(cfg.DefaultSolUSD) {
			c.defaults.SolUSD = cfg.DefaultSolUSD
		}
		if usable(cfg.DefaultTokenSOL) {
			c.defaults.TokenSOL = cfg.DefaultTokenSOL
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL is the freshness window of a quote.
func (c *RateCache) TTL() time.Duration { return c.ttl }

func (c *RateCache) fresh(r *models.ExchangeRates) bool {
	return r != nil && c.now().UnixMilli()-r.UpdatedAt < c.ttl.Milliseconds()
}

// Get returns fresh rates, refreshing through the oracles when both cache
// tiers are stale. It never fails: oracle errors degrade to the last known
// quote, then to the defaults.
func (c *RateCache) Get(ctx context.Context) models.ExchangeRates {
	c.mu.RLock()
	mem := c.mem
	c.mu.RUnlock()
	if c.fresh(mem) {
		monitoring.RecordCacheHit("rates_memory")
		return *mem
	}

	if stored := c.loadStore(ctx); c.fresh(stored) {
		monitoring.RecordCacheHit("rates_store")
		c.setMemory(*stored)
		return *stored
	}

	monitoring.RecordCacheMiss("rates")
	return c.refresh(ctx, false)
}

// Cached returns the last known rates without fetching, fresh or not.
func (c *RateCache) Cached(ctx context.Context) (models.ExchangeRates, bool) {
	c.mu.RLock()
	mem := c.mem
	c.mu.RUnlock()
	if mem != nil {
		return *mem, true
	}
	if stored := c.loadStore(ctx); stored != nil {
		c.setMemory(*stored)
		return *stored, true
	}
	return models.ExchangeRates{}, false
}

// Refresh fetches new quotes unconditionally.
func (c *RateCache) Refresh(ctx context.Context) models.ExchangeRates {
	return c.refresh(ctx, true)
}

func (c *RateCache) refresh(ctx context.Context, force bool) models.ExchangeRates {
	// A forced refresh must not join a fetch that started before it.
	key := "rates"
	if force {
		key = "rates:force"
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		if !force {
			c.mu.RLock()
			mem := c.mem
			c.mu.RUnlock()
			if c.fresh(mem) {
				return *mem, nil
			}
		}
		// Shared by every waiter, so one caller's cancellation must not
		// spoil the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fctx), nil
	})
	return v.(models.ExchangeRates)
}

func (c *RateCache) fetch(ctx context.Context) models.ExchangeRates {
	var (
		solUSD, tokSOL float64
		solErr, tokErr error
		g              errgroup.Group
	)
	g.Go(func() error {
		solUSD, solErr = c.solOracle.SolUSD(ctx)
		return nil
	})
	g.Go(func() error {
		tokSOL, tokErr = c.tokOracle.TokenSOL(ctx)
		return nil
	})
	_ = g.Wait()

	last, haveLast := c.Cached(ctx)

	if solErr != nil || !usable(solUSD) {
		monitoring.RecordOracleFailure("sol_usd")
		c.logger.Warn().Err(solErr).Float64("quote", solUSD).Msg("SOL/USD quote unavailable, using fallback")
		solUSD = c.defaults.SolUSD
		if haveLast && usable(last.SolUSD) {
			solUSD = last.SolUSD
		}
	}
	if tokErr != nil || !usable(tokSOL) {
		monitoring.RecordOracleFailure("token_sol")
		c.logger.Warn().Err(tokErr).Float64("quote", tokSOL).Msg("Token/SOL quote unavailable, using fallback")
		tokSOL = c.defaults.TokenSOL
		if haveLast && usable(last.TokenSOL) {
			tokSOL = last.TokenSOL
		}
	}

	rates := models.ExchangeRates{SolUSD: solUSD, TokenSOL: tokSOL, UpdatedAt: c.now().UnixMilli()}
	c.setMemory(rates)
	c.saveStore(ctx, rates)

	c.logger.Info().
		Float64("sol_usd", rates.SolUSD).
		Float64("token_sol", rates.TokenSOL).
		Msg("Exchange rates refreshed")
	return rates
}

func (c *RateCache) setMemory(r models.ExchangeRates) {
	c.mu.Lock()
	c.mem = &r
	c.mu.Unlock()
}

func (c *RateCache) loadStore(ctx context.Context) *models.ExchangeRates {
	if c.store == nil {
		return nil
	}
	raw, ok, err := c.store.Get(ctx, cache.ExchangeRatesKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read cached exchange rates")
		return nil
	}
	if !ok {
		return nil
	}
	var r models.ExchangeRates
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding malformed cached exchange rates")
		return nil
	}
	return &r
}

func (c *RateCache) saveStore(ctx context.Context, r models.ExchangeRates) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, cache.ExchangeRatesKey, string(raw), c.ttl+storeGrace); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache exchange rates")
	}
}

// RatesView is the public description of the current quote.
type RatesView struct {
	SolUSD        float64 `json:"solUsd"`
	TokenSOL      float64 `json:"tokenSol"`
	TokenUSD      float64 `json:"tokenUsd"`
	CreditsPerUSD float64 `json:"creditsPerUsd"`
	UpdatedAt     string  `json:"updatedAt"`
	CacheAgeMs    int64   `json:"cacheAgeMs"`
	NextRefreshMs int64   `json:"nextRefreshMs"`
	CacheTTLMs    int64   `json:"cacheTtlMs"`
}

// View describes r relative to the cache clock.
func (c *RateCache) View(r models.ExchangeRates) RatesView {
	age := max(c.now().UnixMilli()-r.UpdatedAt, 0)
	return RatesView{
		SolUSD:        r.SolUSD,
		TokenSOL:      r.TokenSOL,
		TokenUSD:      r.TokenUSD(),
		CreditsPerUSD: CreditsPerUSD(r),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt).UTC().Format(time.RFC3339),
		CacheAgeMs:    age,
		NextRefreshMs: max(c.ttl.Milliseconds()-age, 0),
		CacheTTLMs:    c.ttl.Milliseconds(),
	}
}
