// Package metrics provides Prometheus metrics for Muti Relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "muti_relay"
)

// Registration results used as label values.
const (
	ResultRegistered = "registered"
	ResultRefreshed  = "refreshed"
	ResultRejected   = "rejected"
	ResultLimited    = "rate_limited"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Session table
	PeersRegistered prometheus.Gauge
	PeersRemoved    prometheus.Counter

	// Registration service
	Registrations        *prometheus.CounterVec
	RegistrationLatency  prometheus.Histogram
	RegistrationConnsNow prometheus.Gauge

	// Relay service
	DatagramsReceived  prometheus.Counter
	DatagramsForwarded prometheus.Counter
	ForwardErrors      prometheus.Counter
	FanoutSize         prometheus.Histogram
	BytesReceived      prometheus.Counter
	BytesForwarded     prometheus.Counter

	// Peer client
	ClientDatagramsSent     prometheus.Counter
	ClientDatagramsReceived prometheus.Counter
	ClientInboxDropped      prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_registered",
			Help:      "Number of peers in the session table",
		}),
		PeersRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_removed_total",
			Help:      "Total peers removed by operator request",
		}),

		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total registration requests by result",
		}, []string{"result"}),
		RegistrationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "registration_latency_seconds",
			Help:      "Time from accepting a registration connection to writing the reply",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RegistrationConnsNow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registration_connections_active",
			Help:      "Number of registration connections being served",
		}),

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received on the relay socket",
		}),
		DatagramsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagram copies written to peers",
		}),
		ForwardErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total failed writes to individual peers",
		}),
		FanoutSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_size",
			Help:      "Number of recipients per relayed datagram",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received on the relay socket",
		}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes written to peers",
		}),

		ClientDatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent by the peer client",
		}),
		ClientDatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received by the peer client",
		}),
		ClientInboxDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "inbox_dropped_total",
			Help:      "Total datagrams dropped from a full client inbox",
		}),
	}
}

// RecordRegistration records the outcome of one registration request.
func (m *Metrics) RecordRegistration(result string, latencySeconds float64) {
	m.Registrations.WithLabelValues(result).Inc()
	m.RegistrationLatency.Observe(latencySeconds)
}

// RecordConnOpen records a registration connection being accepted.
func (m *Metrics) RecordConnOpen() {
	m.RegistrationConnsNow.Inc()
}

// RecordConnClose records a registration connection being closed.
func (m *Metrics) RecordConnClose() {
	m.RegistrationConnsNow.Dec()
}

// SetPeers sets the session table size.
func (m *Metrics) SetPeers(count int) {
	m.PeersRegistered.Set(float64(count))
}

// RecordPeerRemoved records an explicit removal.
func (m *Metrics) RecordPeerRemoved() {
	m.PeersRemoved.Inc()
}

// RecordDatagram records one inbound relay datagram and its fan-out size.
func (m *Metrics) RecordDatagram(bytes, recipients int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
	m.FanoutSize.Observe(float64(recipients))
}

// RecordForward records one successful copy written to a peer.
func (m *Metrics) RecordForward(bytes int) {
	m.DatagramsForwarded.Inc()
	m.BytesForwarded.Add(float64(bytes))
}

// RecordForwardError records a failed write to a peer.
func (m *Metrics) RecordForwardError() {
	m.ForwardErrors.Inc()
}

// RecordClientSend records a datagram sent by a peer client.
func (m *Metrics) RecordClientSend() {
	m.ClientDatagramsSent.Inc()
}

// RecordClientReceive records a datagram received by a peer client.
func (m *Metrics) RecordClientReceive() {
	m.ClientDatagramsReceived.Inc()
}

// RecordClientDrop records a datagram evicted from a full client inbox.
func (m *Metrics) RecordClientDrop() {
	m.ClientInboxDropped.Inc()
}

// Unregistered returns metrics bound to a private registry. Components use it
// when no metrics were configured, and tests use it for isolation.
func Unregistered() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}
