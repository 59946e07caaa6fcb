package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/ldp/internal/protocol/frame"
	"github.com/danmuck/ldp/internal/protocol/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ldp"

// Metrics owns one prometheus registry for a daemon.
type Metrics struct {
	reg *prometheus.Registry

	frames       *prometheus.CounterVec
	messages     *prometheus.CounterVec
	messageBytes *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	handshakes   *prometheus.CounterVec
	rtt          *prometheus.HistogramVec
	active       *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Frames decoded, by transport and frame type.",
			},
			[]string{"transport", "type"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages sent or received.",
			},
			[]string{"transport", "direction"},
		),
		messageBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_bytes_total",
				Help:      "Message payload bytes sent or received.",
			},
			[]string{"transport", "direction"},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Streams that stopped on undecodable input.",
			},
			[]string{"transport"},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Server-initiated handshakes by result.",
			},
			[]string{"transport", "result"},
		),
		rtt: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rtt_seconds",
				Help:      "Measured round trips for handshakes and pings.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"transport", "kind"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Open sessions.",
			},
			[]string{"transport"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total admin HTTP requests.",
			},
			[]string{"node", "method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node", "method", "path", "status"},
		),
	}
	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.frames, m.messages, m.messageBytes, m.decodeErrors,
		m.handshakes, m.rtt, m.active,
		m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) SessionOpened(transport string) {
	m.active.WithLabelValues(transport).Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	m.active.WithLabelValues(transport).Dec()
}

func (m *Metrics) Handshake(transport string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.handshakes.WithLabelValues(transport, result).Inc()
}

// ForTransport returns a session.Observer that labels everything with transport.
func (m *Metrics) ForTransport(transport string) session.Observer {
	return sessionObserver{m: m, transport: transport}
}

type sessionObserver struct {
	m         *Metrics
	transport string
}

func (o sessionObserver) FrameReceived(t frame.Type) {
	o.m.frames.WithLabelValues(o.transport, t.String()).Inc()
}

func (o sessionObserver) MessageReceived(n int) {
	o.m.messages.WithLabelValues(o.transport, "in").Inc()
	o.m.messageBytes.WithLabelValues(o.transport, "in").Add(float64(n))
}

func (o sessionObserver) MessageSent(n int) {
	o.m.messages.WithLabelValues(o.transport, "out").Inc()
	o.m.messageBytes.WithLabelValues(o.transport, "out").Add(float64(n))
}

func (o sessionObserver) RTTMeasured(kind string, rtt time.Duration) {
	o.m.rtt.WithLabelValues(o.transport, kind).Observe(rtt.Seconds())
}

func (o sessionObserver) DecodeFailed(error) {
	o.m.decodeErrors.WithLabelValues(o.transport).Inc()
}
