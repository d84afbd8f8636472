// Package metrics exposes gateway counters and gauges through Prometheus.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ponder"

type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	HandshakeFailures  *prometheus.CounterVec
	HandshakeDuration  prometheus.Histogram
	PacketsReceived    *prometheus.CounterVec
	PacketsSent        *prometheus.CounterVec
	MessagesPublished  prometheus.Counter
	MessagesDelivered  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	RetainedMessages   prometheus.Gauge
	SessionsActive     prometheus.Gauge
	SessionEvictions   *prometheus.CounterVec
	DecodeFailures     *prometheus.CounterVec
	StateUpdates       *prometheus.CounterVec
	Commands           *prometheus.CounterVec
	WatcherDropped     prometheus.Counter
	SubscriptionsTotal prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open transport connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted transport connections by listener",
		}, []string{"listener"}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_failures_total",
			Help:      "Failed TLS handshakes by reason",
		}, []string{"reason"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_duration_seconds",
			Help:      "Duration of successful TLS handshakes",
			Buckets:   prometheus.DefBuckets,
		}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "packets_received_total",
			Help:      "MQTT control packets received by type",
		}, []string{"type"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "packets_sent_total",
			Help:      "MQTT control packets sent by type",
		}, []string{"type"}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "Messages accepted for routing",
		}),
		MessagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_delivered_total",
			Help:      "Message copies handed to sessions by QoS",
		}, []string{"qos"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_dropped_total",
			Help:      "Messages not delivered by reason",
		}, []string{"reason"}),
		RetainedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "retained_messages",
			Help:      "Number of retained messages",
		}),
		SubscriptionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscriptions",
			Help:      "Number of active subscriptions",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of connected sessions",
		}),
		SessionEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "terminations_total",
			Help:      "Session terminations by reason",
		}, []string{"reason"}),
		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "decode_failures_total",
			Help:      "Device payloads that failed to decode by model",
		}, []string{"model"}),
		StateUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "state_updates_total",
			Help:      "Successful device state decodes by model",
		}, []string{"model"}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "commands_total",
			Help:      "Device commands by result",
		}, []string{"result"}),
		WatcherDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "watcher_dropped_total",
			Help:      "State change notifications dropped for slow watchers",
		}),
	}
}

func (m *Metrics) ConnectionOpened(listener string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(listener).Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) HandshakeCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(d.Seconds())
}

func (m *Metrics) PacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(packetType).Inc()
}

func (m *Metrics) PacketSent(packetType string) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(packetType).Inc()
}

func (m *Metrics) MessagePublished() {
	if m == nil {
		return
	}
	m.MessagesPublished.Inc()
}

func (m *Metrics) MessageDelivered(qos byte) {
	if m == nil {
		return
	}
	label := "0"
	if qos > 0 {
		label = "1"
	}
	m.MessagesDelivered.WithLabelValues(label).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetRetained(n int) {
	if m == nil {
		return
	}
	m.RetainedMessages.Set(float64(n))
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.SubscriptionsTotal.Set(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionEvictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecodeFailed(model string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(model).Inc()
}

func (m *Metrics) StateUpdated(model string) {
	if m == nil {
		return
	}
	m.StateUpdates.WithLabelValues(model).Inc()
}

func (m *Metrics) CommandResult(result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(result).Inc()
}

func (m *Metrics) WatcherDrop() {
	if m == nil {
		return
	}
	m.WatcherDropped.Inc()
}
