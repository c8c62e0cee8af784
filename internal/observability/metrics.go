package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gamectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamectl",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"node", "from", "to"},
	)
	sessionExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamectl",
			Subsystem: "session",
			Name:      "exits_total",
			Help:      "Game process exits by kind.",
		},
		[]string{"node", "kind", "solicited"},
	)
	sessionStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gamectl",
			Subsystem: "session",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to reported success or failure.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"node", "success"},
	)
	telemetryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamectl",
			Subsystem: "telemetry",
			Name:      "events_total",
			Help:      "Telemetry events by outcome.",
		},
		[]string{"node", "outcome"},
	)
	telemetrySubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gamectl",
			Subsystem: "telemetry",
			Name:      "subscribers",
			Help:      "Attached telemetry subscribers.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			sessionExits,
			sessionStartDuration,
			telemetryEvents,
			telemetrySubscribers,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Metrics binds the session and telemetry recorders to one node label.
type Metrics struct {
	node string
}

func NewMetrics(node string) *Metrics {
	RegisterMetrics()
	return &Metrics{node: node}
}

func (m *Metrics) ObserveTransition(from, to string) {
	sessionTransitions.WithLabelValues(m.node, from, to).Inc()
}

func (m *Metrics) ObserveExit(kind string, solicited bool) {
	sessionExits.WithLabelValues(m.node, kind, strconv.FormatBool(solicited)).Inc()
}

func (m *Metrics) ObserveStart(duration time.Duration, success bool) {
	sessionStartDuration.WithLabelValues(m.node, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTelemetryPublish(delivered bool) {
	outcome := "dropped"
	if delivered {
		outcome = "published"
	}
	telemetryEvents.WithLabelValues(m.node, outcome).Inc()
}

func (m *Metrics) SetTelemetrySubscribers(n int) {
	telemetrySubscribers.WithLabelValues(m.node).Set(float64(n))
}
