// Package metrics exposes plan machine and portal activity as Prometheus
// metrics. Every series is labelled by service so instances never share
// state.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"launtelha/internal/planmachine"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launtel"

// Metrics holds the collectors registered for this process
type Metrics struct {
	gatherer prometheus.Gatherer

	transitions         *prometheus.CounterVec
	polls               *prometheus.CounterVec
	changePending       *prometheus.GaugeVec
	degraded            *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	portalRequests      *prometheus.CounterVec
	portalDuration      *prometheus.HistogramVec
	balance             prometheus.Gauge
}

// New registers the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: g,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "transitions_total",
			Help:      "Plan machine transitions by source and destination phase",
		}, []string{"service_id", "from", "to"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "polls_total",
			Help:      "Status polls by outcome",
		}, []string{"service_id", "result"}),
		changePending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "change_pending",
			Help:      "1 while a plan change is waiting for confirmation",
		}, []string{"service_id"}),
		degraded: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "degraded",
			Help:      "1 while plan changes are disabled after failures",
		}, []string{"service_id"}),
		consecutiveFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "consecutive_failures",
			Help:      "Consecutive failed polls",
		}, []string{"service_id"}),
		portalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portal",
			Name:      "requests_total",
			Help:      "Portal requests by operation and HTTP status (0 for transport errors)",
		}, []string{"op", "code"}),
		portalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "portal",
			Name:      "request_duration_seconds",
			Help:      "Portal request latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"op"}),
		balance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "balance_dollars",
			Help:      "Account balance reported by the portal",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveTransition counts a machine transition
func (m *Metrics) ObserveTransition(t planmachine.Transition) {
	m.transitions.WithLabelValues(t.ServiceID, string(t.From), string(t.To)).Inc()
}

// ObserveState records the gauges for a snapshot taken after a poll
func (m *Metrics) ObserveState(s planmachine.State) {
	result := "success"
	if s.ConsecutiveFailureCount > 0 {
		result = string(s.LastError)
	}
	m.polls.WithLabelValues(s.ServiceID, result).Inc()
	m.changePending.WithLabelValues(s.ServiceID).Set(boolToFloat(s.Phase == planmachine.PhaseChangePending))
	m.degraded.WithLabelValues(s.ServiceID).Set(boolToFloat(s.Degraded))
	m.consecutiveFailures.WithLabelValues(s.ServiceID).Set(float64(s.ConsecutiveFailureCount))
}

// ObservePortalRequest records one portal round trip
func (m *Metrics) ObservePortalRequest(op string, statusCode int, d time.Duration, _ error) {
	m.portalRequests.WithLabelValues(op, strconv.Itoa(statusCode)).Inc()
	m.portalDuration.WithLabelValues(op).Observe(d.Seconds())
}

// SetBalance records the account balance
func (m *Metrics) SetBalance(v float64) {
	m.balance.Set(v)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
