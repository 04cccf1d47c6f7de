// Package metrics holds the prometheus collectors of the RPC substrate.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hen"

// Label names.
const (
	LabelDaemon = "daemon"
	LabelMethod = "method"
	LabelStatus = "status"
	LabelResult = "result"
)

// Result label values for outbound calls.
const (
	ResultOK      = "ok"
	ResultStatus  = "err_status"
	ResultTimeout = "err_timeout"
	ResultNetwork = "err_network"
)

// DefaultLatencyBuckets 1ms ... ~8s.
var DefaultLatencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 14)

// Server instruments one daemon's supervisor and dispatcher.
type Server struct {
	Accepted      prometheus.Counter
	ActiveWorkers prometheus.Gauge
	State         prometheus.Gauge
	Requests      *prometheus.CounterVec
	Latency       *prometheus.HistogramVec
}

// NewServer registers the daemon collectors with reg. A nil reg uses a private
// registry, which keeps tests from colliding on the default one.
func NewServer(reg prometheus.Registerer, daemon string) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	labels := prometheus.Labels{LabelDaemon: daemon}
	return &Server{
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "connections_accepted_total",
			Help:        "Connections accepted by the supervisor.",
			ConstLabels: labels,
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "active_workers",
			Help:        "Connection workers currently running.",
			ConstLabels: labels,
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "state",
			Help:        "Supervisor state: 0 starting, 1 accepting, 2 draining, 3 stopped.",
			ConstLabels: labels,
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "requests_total",
			Help:        "Requests dispatched, by method and reply status.",
			ConstLabels: labels,
		}, []string{LabelMethod, LabelStatus}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "request_duration_seconds",
			Help:        "Time spent in handlers.",
			ConstLabels: labels,
			Buckets:     DefaultLatencyBuckets,
		}, []string{LabelMethod}),
	}
}

// ObserveRequest records one handled request.
func (m *Server) ObserveRequest(method string, status uint16, seconds float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, strconv.Itoa(int(status))).Inc()
	m.Latency.WithLabelValues(method).Observe(seconds)
}

// Client instruments outbound daemon-to-daemon calls.
type Client struct {
	Calls   *prometheus.CounterVec
	Latency *prometheus.HistogramVec
}

// NewClient registers the client collectors with reg; nil uses a private registry.
func NewClient(reg prometheus.Registerer) *Client {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Client{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Outbound calls, by target daemon, method and result.",
		}, []string{LabelDaemon, LabelMethod, LabelResult}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Round trip time of outbound calls.",
			Buckets:   DefaultLatencyBuckets,
		}, []string{LabelDaemon, LabelMethod}),
	}
}

// ObserveCall records one outbound call.
func (m *Client) ObserveCall(daemon, method, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(daemon, method, result).Inc()
	m.Latency.WithLabelValues(daemon, method).Observe(seconds)
}
