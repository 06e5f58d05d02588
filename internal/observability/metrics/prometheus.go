// Package metrics provides Prometheus metrics for the referral hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ReferralsCreated      prometheus.Counter
	ReferralTransitions   *prometheus.CounterVec
	TransitionsRejected   *prometheus.CounterVec
	QueriesServed         *prometheus.CounterVec
	QueryDuration         prometheus.Histogram
	ActiveReferrals       prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	NotificationsSent     *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReferralsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "referrals_created_total",
			Help: "Total referrals created",
		}),
		ReferralTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_transitions_total",
			Help: "Committed referral status transitions",
		}, []string{"to"}),
		TransitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_transitions_rejected_total",
			Help: "Referral mutations refused by the lifecycle rules",
		}, []string{"reason"}),
		QueriesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_queries_total",
			Help: "Referral queries served by scope",
		}, []string{"scope"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "referral_query_duration_seconds",
			Help:    "Referral query duration",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		ActiveReferrals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "referrals_active",
			Help: "Referrals currently in the active bucket",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_notifications_total",
			Help: "Notifications delivered by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ReferralsCreated,
		m.ReferralTransitions,
		m.TransitionsRejected,
		m.QueriesServed,
		m.QueryDuration,
		m.ActiveReferrals,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.NotificationsSent,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
