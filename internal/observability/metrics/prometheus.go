// Package metrics provides Prometheus metrics for the MAR service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-mar/internal/mar"
	"github.com/drfirst/go-mar/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	BackendRequests     *prometheus.CounterVec
	BackendDuration     *prometheus.HistogramVec
	CacheLookups        *prometheus.CounterVec
	CellStates          *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "care_requests_total",
			Help: "Requests made to the CARE backend",
		}, []string{"route", "method", "status", "outcome"}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "care_request_duration_seconds",
			Help:    "CARE backend request duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_cache_lookups_total",
			Help: "Cached read lookups by result",
		}, []string{"route", "result"}),
		CellStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mar_cells_total",
			Help: "Classified chart cells by state",
		}, []string{"state"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notifications raised to caregivers",
		}, []string{"level"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.BackendRequests,
		m.BackendDuration,
		m.CacheLookups,
		m.CellStates,
		m.Notifications,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ObserveRequest implements apiclient.Recorder
func (m *Metrics) ObserveRequest(route, method string, status int, outcome string, d time.Duration) {
	m.BackendRequests.WithLabelValues(route, method, strconv.Itoa(status), outcome).Inc()
	m.BackendDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// ObserveCache implements querycache.Recorder
func (m *Metrics) ObserveCache(route string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(route, result).Inc()
}

// ObserveCells implements chart.Recorder
func (m *Metrics) ObserveCells(counts map[mar.CellState]int) {
	for state, n := range counts {
		m.CellStates.WithLabelValues(string(state)).Add(float64(n))
	}
}

// ObserveNotification implements notify.Recorder
func (m *Metrics) ObserveNotification(level string) {
	m.Notifications.WithLabelValues(level).Inc()
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange
func (m *Metrics) BreakerStateChanged(name string, from, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the registry metrics were registered with
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
