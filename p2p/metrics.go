package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "chainnet/p2p"

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers          *prometheus.GaugeVec
	handshake      *prometheus.CounterVec
	messages       *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	addrBook       prometheus.Gauge

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	requestCounter   metric.Int64Counter
	messageCounter   metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainnet_p2p_peers",
				Help: "Connections by readiness.",
			}, []string{"state"}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_messages_total",
				Help: "Wire messages by direction and command.",
			}, []string{"direction", "command"}),
			evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_evictions_total",
				Help: "Connections removed from the peer set by reason.",
			}, []string{"reason"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_requests_total",
				Help: "Routed requests by kind and result.",
			}, []string{"kind", "result"}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "chainnet_p2p_request_seconds",
				Help:    "Latency of routed requests.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			}, []string{"kind"}),
			addrBook: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainnet_p2p_address_book_entries",
				Help: "Known peer addresses.",
			}),
		}
		prometheus.MustRegister(nm.peers, nm.handshake, nm.messages, nm.evictions, nm.requests, nm.requestLatency, nm.addrBook)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	handshakes, err := meter.Int64Counter("chainnet.p2p.handshakes")
	if err != nil {
		handshakes, _ = fallback.Int64Counter("chainnet.p2p.handshakes")
	}
	requests, err := meter.Int64Counter("chainnet.p2p.requests")
	if err != nil {
		requests, _ = fallback.Int64Counter("chainnet.p2p.requests")
	}
	messages, err := meter.Int64Counter("chainnet.p2p.messages")
	if err != nil {
		messages, _ = fallback.Int64Counter("chainnet.p2p.messages")
	}
	latency, err := meter.Float64Histogram("chainnet.p2p.request_latency_ms")
	if err != nil {
		latency, _ = fallback.Float64Histogram("chainnet.p2p.request_latency_ms")
	}
	m.meter = meter
	m.handshakeCounter = handshakes
	m.requestCounter = requests
	m.messageCounter = messages
	m.latencyHistogram = latency
}

func (m *networkMetrics) setPeerCounts(ready, total int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("ready").Set(float64(ready))
	m.peers.WithLabelValues("total").Set(float64(total))
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *networkMetrics) recordMessage(direction, command string) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	m.messages.WithLabelValues(direction, command).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("command", command),
			))
	}
}

func (m *networkMetrics) recordEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *networkMetrics) recordRequest(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
	m.requestLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("result", result))
	if m.requestCounter != nil {
		m.requestCounter.Add(context.Background(), 1, attrs)
	}
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(context.Background(), float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

func (m *networkMetrics) setAddressBookSize(n int) {
	if m == nil {
		return
	}
	m.addrBook.Set(float64(n))
}
