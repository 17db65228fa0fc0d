package stack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "coap"

// metrics holds the Prometheus collectors of one Stack.
type metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	retransmissions  prometheus.Counter
	timeouts         prometheus.Counter
	resetsSent       prometheus.Counter
	responsesMatched prometheus.Counter
	activeTokens     prometheus.Gauge
}

// newMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_sent_total",
				Help:      "Messages handed to the transport, by message type.",
			},
			[]string{"type"},
		),
		messagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_received_total",
				Help:      "Messages received from the transport, by kind.",
			},
			[]string{"kind"},
		),
		retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmissions_total",
			Help:      "Confirmable messages resent after an ACK timeout.",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "timeouts_total",
			Help:      "Requests abandoned after the last retransmission.",
		}),
		resetsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resets_sent_total",
			Help:      "Reset messages sent for unmatched responses.",
		}),
		responsesMatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_matched_total",
			Help:      "Responses delivered to their exchange.",
		}),
		activeTokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_tokens",
			Help:      "Tokens currently mapped to an exchange.",
		}),
	}
}
