package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	accepted          *prometheus.CounterVec
	handshakeFailures prometheus.Counter
	commands          *prometheus.CounterVec
	handshakeLatency  *prometheus.HistogramVec
	appended          prometheus.Counter
	appendedBytes     prometheus.Counter
	evicted           prometheus.Counter
	delivered         *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	logEntries        prometheus.Gauge
	clients           *prometheus.GaugeVec
	stalls            *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements Collector.
var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus-backed collector and registers its
// metrics with reg.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: metrics namespace (defaults to "castor" if empty)
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	collector := metrics.NewPrometheus(reg, "")
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "castor"
	}

	p := &PrometheusCollector{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acceptor",
			Name:      "connections_total",
			Help:      "Command connections accepted, by kind (new, reattach).",
		}, []string{"kind"}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acceptor",
			Name:      "handshake_failures_total",
			Help:      "Command connections dropped before the client id was read.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "commands_total",
			Help:      "Commands processed, by verb and outcome.",
		}, []string{"verb", "outcome"}),
		handshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "message_channel_handshake_seconds",
			Help:      "Time spent waiting for a participant to open its message channel.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}, []string{"verb", "result"}),
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "appended_total",
			Help:      "Multicast messages appended to the log.",
		}),
		appendedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "appended_bytes_total",
			Help:      "Payload bytes appended to the log.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "evicted_total",
			Help:      "Log entries removed after leaving the retention window.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Messages written to message channels, by path (live, replay).",
		}, []string{"path"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "failures_total",
			Help:      "Failed writes to message channels, by path.",
		}, []string{"path"}),
		logEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "entries",
			Help:      "Entries currently retained in the log.",
		}),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "clients",
			Help:      "Known clients by connection state.",
		}, []string{"state"}),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stalls_total",
			Help:      "Times a worker was flagged as stalled by the health monitor.",
		}, []string{"worker"}),
	}

	reg.MustRegister(
		p.accepted,
		p.handshakeFailures,
		p.commands,
		p.handshakeLatency,
		p.appended,
		p.appendedBytes,
		p.evicted,
		p.delivered,
		p.deliveryFailures,
		p.logEntries,
		p.clients,
		p.stalls,
	)
	return p
}

// ConnectionAccepted records an accepted command connection.
func (p *PrometheusCollector) ConnectionAccepted(reattach bool) {
	kind := "new"
	if reattach {
		kind = "reattach"
	}
	p.accepted.WithLabelValues(kind).Inc()
}

// HandshakeFailed records a dropped command connection.
func (p *PrometheusCollector) HandshakeFailed() {
	p.handshakeFailures.Inc()
}

// CommandProcessed records one processed command.
func (p *PrometheusCollector) CommandProcessed(verb, outcome string) {
	p.commands.WithLabelValues(verb, outcome).Inc()
}

// MessageChannelHandshake records a register/reconnect accept duration.
func (p *PrometheusCollector) MessageChannelHandshake(verb string, d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.handshakeLatency.WithLabelValues(verb, result).Observe(d.Seconds())
}

// MessageAppended records a log append.
func (p *PrometheusCollector) MessageAppended(bytes int) {
	p.appended.Inc()
	p.appendedBytes.Add(float64(bytes))
}

// MessagesEvicted records evicted entries.
func (p *PrometheusCollector) MessagesEvicted(n int) {
	p.evicted.Add(float64(n))
}

// MessageDelivered records a message channel write.
func (p *PrometheusCollector) MessageDelivered(path string) {
	p.delivered.WithLabelValues(path).Inc()
}

// DeliveryFailed records a failed message channel write.
func (p *PrometheusCollector) DeliveryFailed(path string) {
	p.deliveryFailures.WithLabelValues(path).Inc()
}

// SetLogEntries reports the retained log size.
func (p *PrometheusCollector) SetLogEntries(n int) {
	p.logEntries.Set(float64(n))
}

// SetClients reports the client count for one state.
func (p *PrometheusCollector) SetClients(state string, n int) {
	p.clients.WithLabelValues(state).Set(float64(n))
}

// WorkerStalled records a stalled worker.
func (p *PrometheusCollector) WorkerStalled(worker int) {
	p.stalls.WithLabelValues(strconv.Itoa(worker)).Inc()
}
