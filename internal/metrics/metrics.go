// Package metrics exposes Prometheus collectors for the captcha resolution
// subsystem and the sidecar.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Circuit state values reported by the circuit gauge.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcha_cache_lookups_total",
			Help: "Token cache lookups, labeled by result (hit, miss, expired).",
		},
		[]string{"result"},
	)

	inflightSharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captcha_inflight_shared_total",
			Help: "Resolution requests that joined an in-flight task instead of submitting.",
		},
	)

	inflightResolutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "captcha_inflight_resolutions",
			Help: "Number of resolution tasks currently in flight.",
		},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcha_resolutions_total",
			Help: "Terminal resolution tasks, labeled by provider, strategy, and state.",
		},
		[]string{"provider", "strategy", "state"},
	)

	resolutionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captcha_resolution_duration_seconds",
			Help:    "Wall-clock time from submission to terminal state.",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"provider", "strategy"},
	)

	vendorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcha_vendor_calls_total",
			Help: "Outbound calls made through the resilience layer, labeled by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "captcha_circuit_state",
			Help: "Circuit state per target (0 closed, 1 half-open, 2 open).",
		},
		[]string{"target"},
	)

	retryDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captcha_retry_delay_seconds",
			Help:    "Backoff delays applied before retrying a transient failure.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"target"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captcha_rate_limit_delay_seconds",
			Help:    "Histogram of outbound rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"target"},
	)

	gateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcha_gate_decisions_total",
			Help: "Request gate outcomes, labeled by result (solved, skipped, or a failure reason).",
		},
		[]string{"result"},
	)

	webhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sidecar_webhooks_total",
			Help: "Webhook deliveries received by the sidecar, labeled by result.",
		},
		[]string{"result"},
	)

	solutionsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sidecar_solutions_purged_total",
			Help: "Stored solutions deleted by the retention sweep.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

// SanitizeHost extracts a lowercase hostname from a URL or host string.
// It returns "unknown" if nothing usable remains.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheLookup records a token cache lookup.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveInflightShared records a caller joining an existing resolution.
func ObserveInflightShared() {
	inflightSharedTotal.Inc()
}

// IncInflight increments the in-flight resolutions gauge.
func IncInflight() {
	inflightResolutions.Inc()
}

// DecInflight decrements the in-flight resolutions gauge.
func DecInflight() {
	inflightResolutions.Dec()
}

// ObserveResolution records a terminal task.
func ObserveResolution(provider, strategy, state string, duration time.Duration) {
	resolutionsTotal.WithLabelValues(provider, strategy, state).Inc()
	resolutionDurationSeconds.WithLabelValues(provider, strategy).Observe(duration.Seconds())
}

// ObserveVendorCall records one outbound attempt.
func ObserveVendorCall(target, outcome string) {
	vendorCallsTotal.WithLabelValues(target, outcome).Inc()
}

// SetCircuitState publishes the circuit state for target.
func SetCircuitState(target string, state int) {
	circuitState.WithLabelValues(target).Set(float64(state))
}

// ObserveRetryDelay records a backoff delay before a retry.
func ObserveRetryDelay(target string, delay time.Duration) {
	retryDelaySeconds.WithLabelValues(target).Observe(delay.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(target string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveGateDecision records a request gate outcome.
func ObserveGateDecision(result string) {
	gateDecisionsTotal.WithLabelValues(result).Inc()
}

// ObserveWebhook records a webhook delivery.
func ObserveWebhook(result string) {
	webhooksTotal.WithLabelValues(result).Inc()
}

// ObservePurge records rows removed by a retention sweep.
func ObservePurge(n int64) {
	if n > 0 {
		solutionsPurgedTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
