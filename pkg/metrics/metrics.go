// Package metrics exposes Prometheus collectors for sessions, requests,
// the security chain and the downstream connection. All collectors live in
// a private registry so tests and embedders never collide on the default
// one.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txn2/mcp-portainer/pkg/connstate"
	mcphttp "github.com/txn2/mcp-portainer/pkg/http"
	"github.com/txn2/mcp-portainer/pkg/requests"
	"github.com/txn2/mcp-portainer/pkg/session"
)

const namespace = "mcp_portainer"

// Label names.
const (
	labelTransport = "transport"
	labelReason    = "reason"
	labelMethod    = "method"
	labelOutcome   = "outcome"
	labelRoute     = "route"
	labelCode      = "code"
	labelStage     = "stage"
	labelState     = "state"
)

const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
)

var connectionStates = []connstate.State{
	connstate.Disconnected,
	connstate.Connecting,
	connstate.Connected,
	connstate.Error,
}

// Metrics holds every collector. It implements session.Observer,
// requests.Observer and the security chain's Observer.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionsCreated  *prometheus.CounterVec
	sessionsRemoved  *prometheus.CounterVec
	sessionsRejected *prometheus.CounterVec

	requestsInFlight  prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	progressDelivered prometheus.Counter
	progressThrottled prometheus.Counter

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	chainRejected   *prometheus.CounterVec
	connectionGauge *prometheus.GaugeVec
}

// New registers all collectors in a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "The current number of live sessions.",
		}, []string{labelTransport}),
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "The total number of sessions created.",
		}, []string{labelTransport}),
		sessionsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_removed_total",
			Help:      "The total number of sessions removed, by reason.",
		}, []string{labelTransport, labelReason}),
		sessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "The total number of sessions refused at capacity or after shutdown.",
		}, []string{labelTransport}),
		requestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "The current number of tracked JSON-RPC calls.",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "The total number of finished JSON-RPC calls.",
		}, []string{labelMethod, labelOutcome}),
		progressDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_delivered_total",
			Help:      "The total number of progress notifications sent.",
		}),
		progressThrottled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_throttled_total",
			Help:      "The total number of progress notifications dropped by the throttle.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "The total number of HTTP requests, by route and status.",
		}, []string{labelRoute, labelMethod, labelCode}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration. Streams are counted until they close.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelRoute, labelMethod}),
		chainRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rejected_total",
			Help:      "The total number of requests rejected by the security chain.",
		}, []string{labelStage, labelCode}),
		connectionGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downstream_connection_state",
			Help:      "1 for the current downstream connection state, 0 otherwise.",
		}, []string{labelState}),
	}
	m.SetConnectionState(connstate.Disconnected)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionAdded implements session.Observer.
func (m *Metrics) SessionAdded(kind string) {
	m.sessionsActive.WithLabelValues(kind).Inc()
	m.sessionsCreated.WithLabelValues(kind).Inc()
}

// SessionRemoved implements session.Observer.
func (m *Metrics) SessionRemoved(kind string, reason session.Reason) {
	m.sessionsActive.WithLabelValues(kind).Dec()
	m.sessionsRemoved.WithLabelValues(kind, string(reason)).Inc()
}

// SessionRejected implements session.Observer.
func (m *Metrics) SessionRejected(kind string) {
	m.sessionsRejected.WithLabelValues(kind).Inc()
}

// RequestStarted implements requests.Observer.
func (m *Metrics) RequestStarted(string) {
	m.requestsInFlight.Inc()
}

// RequestFinished implements requests.Observer.
func (m *Metrics) RequestFinished(method string, cancelled bool) {
	m.requestsInFlight.Dec()
	outcome := outcomeCompleted
	if cancelled {
		outcome = outcomeCancelled
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

// ProgressDelivered implements requests.Observer.
func (m *Metrics) ProgressDelivered() { m.progressDelivered.Inc() }

// ProgressThrottled implements requests.Observer.
func (m *Metrics) ProgressThrottled() { m.progressThrottled.Inc() }

// Rejected implements the security chain Observer.
func (m *Metrics) Rejected(stage string, status int) {
	m.chainRejected.WithLabelValues(stage, strconv.Itoa(status)).Inc()
}

// SetConnectionState marks s as the current downstream state.
func (m *Metrics) SetConnectionState(s connstate.State) {
	for _, state := range connectionStates {
		v := 0.0
		if state == s {
			v = 1
		}
		m.connectionGauge.WithLabelValues(string(state)).Set(v)
	}
}

// Middleware records status and duration for requests on route.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snoop := httpsnoop.CaptureMetrics(next, w, r)
			m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(snoop.Code)).Inc()
			m.httpDuration.WithLabelValues(route, r.Method).Observe(snoop.Duration.Seconds())
		})
	}
}

// Verify interface compliance.
var (
	_ session.Observer  = (*Metrics)(nil)
	_ requests.Observer = (*Metrics)(nil)
	_ mcphttp.Observer  = (*Metrics)(nil)
)
