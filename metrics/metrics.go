// Package metrics records server activity. The server only depends on the
// ServerMetrics interface; NewPrometheus backs it with client_golang and
// Noop discards everything.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics is the set of hooks the reactor and its workers call.
// Implementations must be safe for concurrent use.
type ServerMetrics interface {
	ConnectionAccepted()
	ConnectionRejected(reason string)
	ConnectionClosed(reason string)
	SetActiveConnections(n int)
	RecordRequest(method string, code int, duration time.Duration)
	RecordBytes(direction string, n int)
}

// Close reasons and rejection reasons used as label values.
const (
	ReasonPeer     = "peer"
	ReasonError    = "error"
	ReasonIdle     = "idle"
	ReasonDone     = "done"
	ReasonShutdown = "shutdown"
	ReasonCapacity = "capacity"
	ReasonRate     = "rate"
)

type noop struct{}

// Noop returns a ServerMetrics that records nothing.
func Noop() ServerMetrics { return noop{} }

func (noop) ConnectionAccepted()                      {}
func (noop) ConnectionRejected(string)                {}
func (noop) ConnectionClosed(string)                  {}
func (noop) SetActiveConnections(int)                 {}
func (noop) RecordRequest(string, int, time.Duration) {}
func (noop) RecordBytes(string, int)                  {}

type promMetrics struct {
	accepted prometheus.Counter
	rejected *prometheus.CounterVec
	closed   *prometheus.CounterVec
	active   prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// NewPrometheus registers the server collectors on reg.
func NewPrometheus(reg prometheus.Registerer) ServerMetrics {
	f := promauto.With(reg)
	return &promMetrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "rawhttp_connections_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rawhttp_connections_rejected_total",
			Help: "Connections refused at accept time",
		}, []string{"reason"}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rawhttp_connections_closed_total",
			Help: "Connections closed, by reason",
		}, []string{"reason"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "rawhttp_active_connections",
			Help: "Currently open client connections",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rawhttp_requests_total",
			Help: "HTTP requests answered, by method and status code",
		}, []string{"method", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rawhttp_request_duration_milliseconds",
			Help:    "Time from a complete parse to an assembled response",
			Buckets: []float64{0.1, 1, 10, 100, 1000},
		}, []string{"method"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rawhttp_bytes_total",
			Help: "Bytes moved through client sockets",
		}, []string{"direction"}),
	}
}

func (m *promMetrics) ConnectionAccepted() { m.accepted.Inc() }

func (m *promMetrics) ConnectionRejected(reason string) { m.rejected.WithLabelValues(reason).Inc() }

func (m *promMetrics) ConnectionClosed(reason string) { m.closed.WithLabelValues(reason).Inc() }

func (m *promMetrics) SetActiveConnections(n int) { m.active.Set(float64(n)) }

func (m *promMetrics) RecordRequest(method string, code int, d time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method).Observe(float64(d.Microseconds()) / 1000)
}

func (m *promMetrics) RecordBytes(direction string, n int) {
	if n > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(n))
	}
}
