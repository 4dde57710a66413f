package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/models"
)

// Refresher re-quotes exchange rates on a fixed interval so request paths
// rarely pay for an oracle round trip.
type Refresher struct {
	cache    *RateCache
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger

	mu        sync.Mutex
	running   bool
	lastRun   time.Time
	lastRates *models.ExchangeRates
}

// NewRefresher creates a refresher; interval <= 0 uses the cache TTL.
func NewRefresher(cache *RateCache, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = cache.TTL()
	}
	return &Refresher{
		cache:    cache,
		interval: interval,
		logger:   logging.NewLogger("rates_refresher"),
	}
}

// Start begins refreshing in the background, starting with one immediate run.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("refresher already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Info().Dur("interval", r.interval).Msg("Rate refresher started")
	return nil
}

// Stop halts the refresher and waits for an in-flight run.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Rate refresher stopped")
}

func (r *Refresher) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastRun returns the time of the last completed refresh.
func (r *Refresher) LastRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunNow(ctx)
		}
	}
}

// RunNow refreshes immediately and records the result.
func (r *Refresher) RunNow(ctx context.Context) models.ExchangeRates {
	rates := r.cache.Refresh(ctx)

	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastRates = &rates
	r.mu.Unlock()
	return rates
}

// RefresherStatus reports the refresher state.
type RefresherStatus struct {
	Running   bool                  `json:"running"`
	Interval  string                `json:"interval"`
	LastRun   *time.Time            `json:"last_run,omitempty"`
	LastRates *models.ExchangeRates `json:"last_rates,omitempty"`
}

func (r *Refresher) Status() RefresherStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RefresherStatus{
		Running:   r.running,
		Interval:  r.interval.String(),
		LastRates: r.lastRates,
	}
	if !r.lastRun.IsZero() {
		t := r.lastRun
		s.LastRun = &t
	}
	return s
}
