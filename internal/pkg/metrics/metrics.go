package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics счетчики ядра чата. Нулевой указатель допустим: методы ничего не делают
type Metrics struct {
	messagesSent   *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	statusPromoted *prometheus.CounterVec
	reactions      *prometheus.CounterVec
	typingEvents   prometheus.Counter
	wsConnections  prometheus.Gauge
	sendDuration   prometheus.Histogram
}

// New регистрирует метрики в reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat",
			Name:      "messages_sent_total",
			Help:      "Committed messages by type.",
		}, []string{"type"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat",
			Name:      "send_failures_total",
			Help:      "Rejected or failed sends by error kind.",
		}, []string{"kind"}),
		statusPromoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat",
			Name:      "delivery_status_promotions_total",
			Help:      "Messages promoted to a delivery status.",
		}, []string{"status"}),
		reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat",
			Name:      "reactions_total",
			Help:      "Reaction changes by operation.",
		}, []string{"op"}),
		typingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal_chat",
			Name:      "typing_events_total",
			Help:      "Typing indicator transitions.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal_chat",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "portal_chat",
			Name:      "send_duration_seconds",
			Help:      "Time spent committing a message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.messagesSent,
		m.sendFailures,
		m.statusPromoted,
		m.reactions,
		m.typingEvents,
		m.wsConnections,
		m.sendDuration,
	)
	return m
}

func (m *Metrics) MessageSent(messageType string, seconds float64) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType).Inc()
	m.sendDuration.Observe(seconds)
}

func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) StatusPromoted(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.statusPromoted.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) Reaction(op string) {
	if m == nil {
		return
	}
	m.reactions.WithLabelValues(op).Inc()
}

func (m *Metrics) Typing() {
	if m == nil {
		return
	}
	m.typingEvents.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
