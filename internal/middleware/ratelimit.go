package middleware

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zorgspace/slashbot-web/internal/config"
	apierrors "github.com/zorgspace/slashbot-web/internal/errors"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// IPRateLimiter is an in-memory token bucket per client IP
type IPRateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewIPRateLimiter creates a limiter from the public API settings
func NewIPRateLimiter(cfg *config.RateLimitConfig) *IPRateLimiter {
	rps, burst := 5.0, 20
	if cfg != nil {
		if cfg.IPRequestsPerSecond > 0 {
			rps = cfg.IPRequestsPerSecond
		}
		if cfg.IPBurst > 0 {
			burst = cfg.IPBurst
		}
	}
	return &IPRateLimiter{
		rate:  rate.Limit(rps),
		burst: burst,
		now:   time.Now,
	}
}

func (rl *IPRateLimiter) getLimiter(key string) *ipLimiter {
	if v, ok := rl.limiters.Load(key); ok {
		l := v.(*ipLimiter)
		l.lastSeen.Store(rl.now().UnixNano())
		return l
	}
	l := &ipLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	l.lastSeen.Store(rl.now().UnixNano())
	v, _ := rl.limiters.LoadOrStore(key, l)
	return v.(*ipLimiter)
}

// Allow reports whether key may make a request now
func (rl *IPRateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).limiter.AllowN(rl.now(), 1)
}

// Prune drops buckets idle for longer than idle and returns how many
func (rl *IPRateLimiter) Prune(idle time.Duration) int {
	cutoff := rl.now().Add(-idle).UnixNano()
	n := 0
	rl.limiters.Range(func(k, v any) bool {
		if v.(*ipLimiter).lastSeen.Load() < cutoff {
			rl.limiters.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Run prunes idle buckets every interval until ctx is done
func (rl *IPRateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune(interval)
		}
	}
}

// RateLimitByIP rejects clients that exhaust their bucket
func (rl *IPRateLimiter) RateLimitByIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		retryAfter := int64(math.Ceil(1 / float64(rl.rate)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		monitoring.RecordRateLimitHit("ip")
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		RespondWithError(c, apierrors.NewRateLimitError(retryAfter))
	}
}
