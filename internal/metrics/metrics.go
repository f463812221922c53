// Package metrics exposes the gateway's own operational counters over
// /metrics. The teacher's internal/fallback package consumes an external
// Prometheus server's query API (client_golang/api); this package uses
// the same library's collector/registry half instead — the gateway is
// the thing being scraped here, not the thing doing the scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts every terminal public-API request outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total public-API requests by kind and status code.",
	}, []string{"kind", "status"})

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Public-API request latency by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ProviderAcquisitions counts scheduler acquire attempts by outcome.
	ProviderAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_provider_acquisitions_total",
		Help: "Scheduler provider acquisitions by outcome (success, no_available, retry).",
	}, []string{"outcome"})

	// ProviderHealthScore mirrors each provider's current health_score.
	ProviderHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_provider_health_score",
		Help: "Current health_score per provider.",
	}, []string{"provider_id"})

	// SessionsActive is the gauge for the active session count. It is
	// registered and exported, but no code path in this module sets it,
	// so it reports 0.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Current count of active sessions across all users.",
	})
)

// Handler returns the /metrics endpoint's http.Handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
