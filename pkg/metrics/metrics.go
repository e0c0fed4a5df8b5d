package metrics

import (
	"net/http"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fiscalbridge"

// Metrics holds the bridge collectors on a private registry. It observes the
// session, the fiscal machine and the sequencer.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	sessionState *prometheus.GaugeVec
	reconnects   *prometheus.CounterVec
	loggedIn     prometheus.Gauge

	dayNumber    prometheus.Gauge
	transactions prometheus.Gauge
	dayTotal     prometheus.Gauge
	ambiguous    prometheus.Gauge
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "path"}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Resolved bridge commands by kind and outcome.",
		}, []string{"kind", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Time from queueing to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "queue_depth",
			Help:      "Commands waiting behind the running one.",
		}),

		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current device session state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by outcome.",
		}, []string{"success"}),
		loggedIn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operator_logged_in",
			Help:      "1 while an operator context is held.",
		}),

		dayNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fiscal",
			Name:      "day_number",
			Help:      "Current fiscal day number.",
		}),
		transactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fiscal",
			Name:      "day_transactions",
			Help:      "Receipts in the current fiscal day.",
		}),
		dayTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fiscal",
			Name:      "day_total",
			Help:      "Turnover of the current fiscal day.",
		}),
		ambiguous: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fiscal",
			Name:      "unresolved_ambiguity",
			Help:      "1 while a non-idempotent command awaits confirmation.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.commands, m.commandDuration, m.queueDepth,
		m.sessionState, m.reconnects, m.loggedIn,
		m.dayNumber, m.transactions, m.dayTotal, m.ambiguous,
	)

	for state := session.StateDisconnected; state <= session.StateFaulted; state++ {
		m.sessionState.WithLabelValues(state.String()).Set(0)
	}
	m.sessionState.WithLabelValues(session.StateDisconnected.String()).Set(1)

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrementInFlight increments the in-flight HTTP request gauge
func (m *Metrics) IncrementInFlight() {
	m.httpInFlight.Inc()
}

// DecrementInFlight decrements the in-flight HTTP request gauge
func (m *Metrics) DecrementInFlight() {
	m.httpInFlight.Dec()
}

// RecordHTTPRequest records one handled HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// NotifyStateChange tracks the session state
func (m *Metrics) NotifyStateChange(from, to session.State) {
	m.sessionState.WithLabelValues(from.String()).Set(0)
	m.sessionState.WithLabelValues(to.String()).Set(1)
}

// NotifyOperator tracks the operator context
func (m *Metrics) NotifyOperator(code, till string, loggedIn bool) {
	if loggedIn {
		m.loggedIn.Set(1)
	} else {
		m.loggedIn.Set(0)
	}
}

// NotifyReconnect counts reconnect attempts
func (m *Metrics) NotifyReconnect(attempt int, err error) {
	if err != nil {
		m.reconnects.WithLabelValues("false").Inc()
		return
	}
	m.reconnects.WithLabelValues("true").Inc()
}

// NotifyDayChange tracks the fiscal day
func (m *Metrics) NotifyDayChange(snap fiscal.Snapshot) {
	m.dayNumber.Set(float64(snap.Day.DayNumber))
	m.transactions.Set(float64(snap.Day.Transactions))
	m.dayTotal.Set(snap.Day.Total.InexactFloat64())
	if snap.Ambiguity != nil {
		m.ambiguous.Set(1)
	} else {
		m.ambiguous.Set(0)
	}
}

// NotifyQueued tracks the queue depth
func (m *Metrics) NotifyQueued(cmd command.BridgeCommand, depth int) {
	m.queueDepth.Set(float64(depth))
}

// NotifyResult counts resolved commands
func (m *Metrics) NotifyResult(result command.CommandResult, elapsed time.Duration) {
	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorKind)
	}
	kind := result.Kind.String()
	m.commands.WithLabelValues(kind, outcome).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveQueueDepth sets the queue depth gauge
func (m *Metrics) ObserveQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
