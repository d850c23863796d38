// Package monitoring exposes the gateway's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Intake metrics
	WebhookRequests   *prometheus.CounterVec
	EventsProcessed   *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	SignatureFailures *prometheus.CounterVec

	// Conversation metrics
	OTPOutcomes      *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec

	// Delivery metrics
	OutboundSends    *prometheus.CounterVec
	OutboundDuration *prometheus.HistogramVec

	// Escalation metrics
	EscalationsCreated  *prometheus.CounterVec
	EscalationsResolved *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics. A nil registerer
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_requests_total",
				Help: "Total webhook HTTP requests received",
			},
			[]string{"platform", "result"}, // result: accepted, bad_signature
		),

		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_processed_total",
				Help: "Total canonical inbound events processed",
			},
			[]string{"platform", "result"}, // result: ok, duplicate, stale, unresolved, timeout, error
		),

		EventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_event_duration_seconds",
				Help:    "Wall time spent dispatching one inbound event",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"platform"},
		),

		SignatureFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_signature_failures_total",
				Help: "Webhook requests rejected for a bad HMAC signature",
			},
			[]string{"platform"},
		),

		OTPOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_otp_outcomes_total",
				Help: "OTP verification outcomes",
			},
			[]string{"outcome"}, // outcome: ok, fail, fail_terminal, throttled
		),

		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_state_transitions_total",
				Help: "Conversation state machine transitions",
			},
			[]string{"to"},
		),

		OutboundSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_outbound_sends_total",
				Help: "Outbound platform sends by final result",
			},
			[]string{"platform", "result"}, // result: ok, error
		),

		OutboundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_outbound_duration_seconds",
				Help:    "Wall time for one outbound send including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"platform"},
		),

		EscalationsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_escalations_created_total",
				Help: "Escalations opened, by reason",
			},
			[]string{"reason"},
		),

		EscalationsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_escalations_resolved_total",
				Help: "Escalations closed, by outcome",
			},
			[]string{"outcome"}, // outcome: approved, rejected, expired
		),
	}
}
