// Package metrics exposes Prometheus collectors for provisioning, receipt
// recognition, and the HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cafemx"

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	Provisions       *prometheus.CounterVec
	SlugAttempts     prometheus.Histogram
	OCRRequests      *prometheus.CounterVec
	OCRAttempts      *prometheus.CounterVec
	OCRConfidence    *prometheus.HistogramVec
	OCRDuration      *prometheus.HistogramVec
	OCRCostUSD       *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	ReconcilePending prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Provisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisions_total",
			Help:      "Tenant provisioning outcomes",
		}, []string{"result"}),
		SlugAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_slug_candidates",
			Help:      "Slug candidates tried per provisioning call",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		OCRRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_requests_total",
			Help:      "Receipt recognition requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		OCRAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_attempts_total",
			Help:      "Individual recognition attempts including retries",
		}, []string{"provider", "result"}),
		OCRConfidence: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_confidence",
			Help:      "Final confidence of recognition results",
			Buckets:   []float64{0, 0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 1},
		}, []string{"provider"}),
		OCRDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_processing_seconds",
			Help:      "Recognition processing time per attempt",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"provider"}),
		OCRCostUSD: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_cost_usd_total",
			Help:      "Estimated recognition cost in USD",
		}, []string{"provider"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		ReconcilePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_pending",
			Help:      "Compensating actions waiting in the reconcile queue",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveProvision records a provisioning outcome and how many slug
// candidates it needed.
func (m *Metrics) ObserveProvision(result string, candidates int) {
	if m == nil {
		return
	}
	m.Provisions.WithLabelValues(result).Inc()
	if candidates > 0 {
		m.SlugAttempts.Observe(float64(candidates))
	}
}

// ObserveAttempt records one recognition attempt ("ok", "low_confidence" or "error").
func (m *Metrics) ObserveAttempt(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.OCRAttempts.WithLabelValues(provider, result).Inc()
	m.OCRDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveOCR records the terminal outcome of a recognition request.
func (m *Metrics) ObserveOCR(provider, outcome string, confidence, costUSD float64) {
	if m == nil {
		return
	}
	m.OCRRequests.WithLabelValues(provider, outcome).Inc()
	m.OCRConfidence.WithLabelValues(provider).Observe(confidence)
	m.OCRCostUSD.WithLabelValues(provider).Add(costUSD)
}

// SetBreakerState publishes a circuit breaker state as a gauge value.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// SetReconcilePending publishes the reconcile queue depth.
func (m *Metrics) SetReconcilePending(n int) {
	if m == nil {
		return
	}
	m.ReconcilePending.Set(float64(n))
}
