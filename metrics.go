package websocket

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wmdanor/wsengine/frame"
)

// Metrics exports connection and negotiation counters. A nil *Metrics
// records nothing.
type Metrics struct {
	connectionsOpened prometheus.Counter
	connectionsClosed *prometheus.CounterVec
	negotiations      *prometheus.CounterVec
	queueRejections   prometheus.Counter
	queuePending      prometheus.Gauge
	framesRead        *prometheus.CounterVec
	framesWritten     *prometheus.CounterVec
	pingLatency       prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		connectionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wsengine",
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Total number of connections that reached the open state",
		}),
		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsengine",
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Total number of closed connections by the close code we sent",
		}, []string{"code"}),
		negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsengine",
			Subsystem: "negotiation",
			Name:      "handshakes_total",
			Help:      "Total number of opening handshakes by result",
		}, []string{"result"}),
		queueRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wsengine",
			Subsystem: "negotiation",
			Name:      "rejections_total",
			Help:      "Total number of sockets rejected because the negotiation queue was full",
		}),
		queuePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsengine",
			Subsystem: "negotiation",
			Name:      "pending",
			Help:      "Sockets queued or being negotiated",
		}),
		framesRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsengine",
			Subsystem: "frames",
			Name:      "read_total",
			Help:      "Total number of frames read by opcode",
		}, []string{"opcode"}),
		framesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsengine",
			Subsystem: "frames",
			Name:      "written_total",
			Help:      "Total number of frames written by opcode",
		}, []string{"opcode"}),
		pingLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wsengine",
			Subsystem: "ping",
			Name:      "latency_seconds",
			Help:      "One-way latency estimated from ping round trips",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsOpened.Inc()
}

func (m *Metrics) connClosed(code CloseCode) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *Metrics) negotiated(result string) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(result).Inc()
}

func (m *Metrics) queueRejected() {
	if m == nil {
		return
	}
	m.queueRejections.Inc()
}

func (m *Metrics) setPending(n int64) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(n))
}

func (m *Metrics) frameRead(op frame.Opcode) {
	if m == nil {
		return
	}
	m.framesRead.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) frameWritten(op frame.Opcode) {
	if m == nil {
		return
	}
	m.framesWritten.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) latency(d time.Duration) {
	if m == nil {
		return
	}
	m.pingLatency.Observe(d.Seconds())
}
