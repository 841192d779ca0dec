// Package metrics exposes the gateway's operational counters (spec.md §6
// names "/metrics" alongside "/health" as an operational endpoint, without
// fixing its shape).
//
// Grounded on brightming-ai-platform's pkg/metrics/prometheus.go: a single
// Registry struct owning a fixed set of prometheus.CounterVec/GaugeVec
// instruments, constructed once and registered with the default registry,
// with a thin http.Handler wrapper over promhttp. Scaled down to the
// dimensions this gateway actually has (platform, account, outcome)
// instead of that repo's multi-tenant GPU/queue instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every instrument the gateway records against.
type Registry struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	concurrencyInUse   *prometheus.GaugeVec
	tokensTotal        *prometheus.CounterVec
	costMicrosTotal    *prometheus.CounterVec
	accountSelections  *prometheus.CounterVec
	accountRateLimited *prometheus.CounterVec
}

// NewRegistry constructs and registers the gateway's instruments.
func NewRegistry() *Registry {
	r := &Registry{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llm0_gateway",
				Name:      "requests_total",
				Help:      "Total admitted relay requests by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "llm0_gateway",
				Name:      "request_duration_seconds",
				Help:      "Relay request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"platform"},
		),
		concurrencyInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "llm0_gateway",
				Name:      "key_concurrency_in_use",
				Help:      "Reserved concurrency slots for a key at last observation",
			},
			[]string{"keyId"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llm0_gateway",
				Name:      "tokens_total",
				Help:      "Tokens recorded by category",
			},
			[]string{"platform", "category"},
		),
		costMicrosTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llm0_gateway",
				Name:      "cost_micros_total",
				Help:      "Cost recorded in micro-USD (1e-6 USD)",
			},
			[]string{"platform"},
		),
		accountSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llm0_gateway",
				Name:      "account_selections_total",
				Help:      "Upstream account selections by platform and account",
			},
			[]string{"platform", "accountId"},
		),
		accountRateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llm0_gateway",
				Name:      "account_rate_limited_total",
				Help:      "Times an upstream account was marked rate-limited",
			},
			[]string{"platform", "accountId"},
		),
	}

	prometheus.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.concurrencyInUse,
		r.tokensTotal,
		r.costMicrosTotal,
		r.accountSelections,
		r.accountRateLimited,
	)

	return r
}

// RecordRequest records one completed relay request.
func (r *Registry) RecordRequest(platform, outcome string, duration float64) {
	r.requestsTotal.WithLabelValues(platform, outcome).Inc()
	r.requestDuration.WithLabelValues(platform).Observe(duration)
}

// RecordTokens adds token counts by category (input/output/cacheCreate/cacheRead).
func (r *Registry) RecordTokens(platform string, input, output, cacheCreate, cacheRead int64) {
	r.tokensTotal.WithLabelValues(platform, "input").Add(float64(input))
	r.tokensTotal.WithLabelValues(platform, "output").Add(float64(output))
	r.tokensTotal.WithLabelValues(platform, "cacheCreate").Add(float64(cacheCreate))
	r.tokensTotal.WithLabelValues(platform, "cacheRead").Add(float64(cacheRead))
}

// RecordCost adds to the running cost total for a platform.
func (r *Registry) RecordCost(platform string, micros int64) {
	r.costMicrosTotal.WithLabelValues(platform).Add(float64(micros))
}

// RecordAccountSelection marks one scheduler pick.
func (r *Registry) RecordAccountSelection(platform, accountID string) {
	r.accountSelections.WithLabelValues(platform, accountID).Inc()
}

// RecordAccountRateLimited marks one account being flagged rate-limited.
func (r *Registry) RecordAccountRateLimited(platform, accountID string) {
	r.accountRateLimited.WithLabelValues(platform, accountID).Inc()
}

// SetConcurrencyInUse reports a key's current reserved concurrency.
func (r *Registry) SetConcurrencyInUse(keyID string, inUse int64) {
	r.concurrencyInUse.WithLabelValues(keyID).Set(float64(inUse))
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
