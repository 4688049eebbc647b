// Package metrics defines the Prometheus collectors used by the engine and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing, which keeps library code usable without a
// registry.
type Metrics struct {
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	HTTPRequestsInFlight    prometheus.Gauge
	ModelGenerationsTotal   *prometheus.CounterVec
	ModelGenerationDuration *prometheus.HistogramVec
	ModelCacheHitsTotal     prometheus.Counter
	ModelCacheMissesTotal   prometheus.Counter
	ModelStoreErrorsTotal   *prometheus.CounterVec
	EMIterations            prometheus.Histogram
	ClusteringDuration      prometheus.Histogram
	TopicsPerUser           prometheus.Histogram
	EventsConsumedTotal     *prometheus.CounterVec
	EventsDroppedTotal      prometheus.Counter
	ActiveUsers             prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates the collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ModelGenerationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ucair_model_generations_total",
				Help: "Search models generated, by model name and adaptivity.",
			},
			[]string{"model", "adaptive"},
		),
		ModelGenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ucair_model_generation_duration_seconds",
				Help:    "Time spent generating one search model.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"model"},
		),
		ModelCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ucair_model_cache_hits_total",
				Help: "Model requests served from cache without regeneration.",
			},
		),
		ModelCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ucair_model_cache_misses_total",
				Help: "Model requests that required generation.",
			},
		),
		ModelStoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ucair_model_store_errors_total",
				Help: "Model store failures by operation.",
			},
			[]string{"op"},
		),
		EMIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ucair_em_iterations",
				Help:    "EM iterations used by the winning try of a mixture-weight estimate.",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
			},
		),
		ClusteringDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ucair_clustering_duration_seconds",
				Help:    "Time spent clustering a user's history into topics.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
			},
		),
		TopicsPerUser: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ucair_topics_per_user",
				Help:    "Number of non-trivial topics produced per topic refresh.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ucair_events_consumed_total",
				Help: "User events applied to the engine, by kind.",
			},
			[]string{"kind"},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ucair_events_dropped_total",
				Help: "User events dropped because the publish buffer was full.",
			},
		),
		ActiveUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ucair_active_users",
				Help: "Users with in-memory history.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ModelGenerationsTotal,
		m.ModelGenerationDuration,
		m.ModelCacheHitsTotal,
		m.ModelCacheMissesTotal,
		m.ModelStoreErrorsTotal,
		m.EMIterations,
		m.ClusteringDuration,
		m.TopicsPerUser,
		m.EventsConsumedTotal,
		m.EventsDroppedTotal,
		m.ActiveUsers,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) ObserveGeneration(model string, adaptive bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if adaptive {
		label = "true"
	}
	m.ModelGenerationsTotal.WithLabelValues(model, label).Inc()
	m.ModelGenerationDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.ModelCacheHitsTotal.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.ModelCacheMissesTotal.Inc()
	}
}

func (m *Metrics) StoreError(op string) {
	if m != nil {
		m.ModelStoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveEM(iterations int) {
	if m != nil {
		m.EMIterations.Observe(float64(iterations))
	}
}

func (m *Metrics) ObserveClustering(d time.Duration, topics int) {
	if m == nil {
		return
	}
	m.ClusteringDuration.Observe(d.Seconds())
	m.TopicsPerUser.Observe(float64(topics))
}

func (m *Metrics) EventConsumed(kind string) {
	if m != nil {
		m.EventsConsumedTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.EventsDroppedTotal.Inc()
	}
}

func (m *Metrics) SetActiveUsers(n int) {
	if m != nil {
		m.ActiveUsers.Set(float64(n))
	}
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
