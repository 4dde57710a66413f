package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream metrics
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec

	// Credential pool metrics
	CredentialOutcomes   *prometheus.CounterVec
	CredentialsAvailable prometheus.Gauge

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	OracleFailures *prometheus.CounterVec

	// Billing metrics
	CompletionsTotal *prometheus.CounterVec
	CreditsDebited   *prometheus.CounterVec
	TokensBilled     *prometheus.CounterVec
	BillingAnomalies *prometheus.CounterVec
	DepositsTotal    *prometheus.CounterVec
	CreditsAwarded   *prometheus.CounterVec

	// Audit mirror metrics
	AuditWrites *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		UpstreamLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_latency_seconds",
				Help:    "Upstream completion latency in seconds",
				Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"model", "streaming"},
		),
		UpstreamRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_requests_total",
				Help: "Total number of requests sent upstream",
			},
			[]string{"model", "status"},
		),
		UpstreamErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_errors_total",
				Help: "Total number of upstream failures",
			},
			[]string{"model", "error_type"},
		),

		CredentialOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_outcomes_total",
				Help: "Upstream credential outcomes by masked key",
			},
			[]string{"credential", "outcome"},
		),
		CredentialsAvailable: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "credentials_available",
				Help: "Number of upstream credentials currently eligible for selection",
			},
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of inbound rate limit hits",
			},
			[]string{"scope"},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
		OracleFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_oracle_failures_total",
				Help: "Price oracle fetches that fell back to a stale or default quote",
			},
			[]string{"oracle"},
		),

		CompletionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "completions_total",
				Help: "Metered completions by outcome",
			},
			[]string{"model", "streaming", "status"},
		),
		CreditsDebited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_debited_total",
				Help: "Credits debited for completions",
			},
			[]string{"model"},
		),
		TokensBilled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokens_billed_total",
				Help: "Tokens billed by category",
			},
			[]string{"model", "category"},
		),
		BillingAnomalies: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_anomalies_total",
				Help: "Ledger or accounting failures after a delivered answer",
			},
			[]string{"operation"},
		),
		DepositsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deposits_total",
				Help: "Deposit claims by outcome",
			},
			[]string{"token_type", "outcome"},
		),
		CreditsAwarded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_awarded_total",
				Help: "Credits awarded from deposits",
			},
			[]string{"token_type"},
		),

		AuditWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_writes_total",
				Help: "Audit mirror writes by kind and outcome",
			},
			[]string{"kind", "status"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"upstream"},
		),
	}
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordUpstreamLatency records upstream latency
func RecordUpstreamLatency(model string, streaming bool, duration time.Duration) {
	Get().UpstreamLatency.WithLabelValues(model, strconv.FormatBool(streaming)).Observe(duration.Seconds())
}

// RecordUpstreamRequest records one upstream attempt by HTTP status
func RecordUpstreamRequest(model string, status int) {
	Get().UpstreamRequests.WithLabelValues(model, strconv.Itoa(status)).Inc()
}

// RecordUpstreamError records an upstream failure
func RecordUpstreamError(model, errorType string) {
	Get().UpstreamErrors.WithLabelValues(model, errorType).Inc()
}

// RecordCredentialOutcome records success, rate_limited, error or reset for a key
func RecordCredentialOutcome(credential, outcome string) {
	Get().CredentialOutcomes.WithLabelValues(credential, outcome).Inc()
}

// SetCredentialsAvailable sets the number of selectable credentials
func SetCredentialsAvailable(n int) {
	Get().CredentialsAvailable.Set(float64(n))
}

// RecordRateLimitHit records an inbound rate limit hit
func RecordRateLimitHit(scope string) {
	Get().RateLimitHits.WithLabelValues(scope).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	Get().CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	Get().CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordOracleFailure records a price oracle fallback
func RecordOracleFailure(oracle string) {
	Get().OracleFailures.WithLabelValues(oracle).Inc()
}

// RecordCompletion records a finished metered completion
func RecordCompletion(model string, streaming bool, status string) {
	Get().CompletionsTotal.WithLabelValues(model, strconv.FormatBool(streaming), status).Inc()
}

// RecordCreditsDebited records credits charged for a model
func RecordCreditsDebited(model string, credits int64) {
	Get().CreditsDebited.WithLabelValues(model).Add(float64(credits))
}

// RecordTokensBilled records billed tokens of one category
func RecordTokensBilled(model, category string, tokens int) {
	if tokens <= 0 {
		return
	}
	Get().TokensBilled.WithLabelValues(model, category).Add(float64(tokens))
}

// RecordBillingAnomaly records a post-delivery ledger or accounting failure
func RecordBillingAnomaly(operation string) {
	Get().BillingAnomalies.WithLabelValues(operation).Inc()
}

// RecordDeposit records a deposit claim outcome
func RecordDeposit(tokenType, outcome string, credits int64) {
	m := Get()
	m.DepositsTotal.WithLabelValues(tokenType, outcome).Inc()
	if credits > 0 {
		m.CreditsAwarded.WithLabelValues(tokenType).Add(float64(credits))
	}
}

// RecordAuditWrite records an audit mirror write
func RecordAuditWrite(kind, status string) {
	Get().AuditWrites.WithLabelValues(kind, status).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(upstream string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(upstream).Set(state)
}
