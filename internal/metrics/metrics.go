// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/insider-one/notification-workers/internal/breaker"
)

// Metrics holds the Prometheus collectors for one worker process.
type Metrics struct {
	jobsConsumed     *prometheus.CounterVec
	jobsDelivered    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsRequeued     *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
}

// New registers the pipeline collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		jobsConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_jobs_consumed_total",
				Help: "Total number of jobs consumed from the broker",
			},
			[]string{"channel"},
		),
		jobsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_jobs_delivered_total",
				Help: "Total number of jobs delivered to the provider",
			},
			[]string{"channel"},
		),
		jobsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_jobs_failed_total",
				Help: "Total number of jobs that failed delivery",
			},
			[]string{"channel"},
		),
		jobsRequeued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_jobs_requeued_total",
				Help: "Total number of jobs republished for outer retry",
			},
			[]string{"channel"},
		),
		jobsDeadLettered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_jobs_dead_lettered_total",
				Help: "Total number of jobs published to the dead-letter stream",
			},
			[]string{"channel"},
		),
		deliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_delivery_duration_seconds",
				Help:    "Time spent in the delivery engine per job",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"channel"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notification_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"breaker"},
		),
	}
}

// RecordConsumed counts a job pulled off the broker.
func (m *Metrics) RecordConsumed(channel string) {
	m.jobsConsumed.WithLabelValues(channel).Inc()
}

// RecordDelivered counts a successful delivery.
func (m *Metrics) RecordDelivered(channel string, duration time.Duration) {
	m.jobsDelivered.WithLabelValues(channel).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordFailed counts a failed delivery.
func (m *Metrics) RecordFailed(channel string, duration time.Duration) {
	m.jobsFailed.WithLabelValues(channel).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordRequeued counts an outer-retry republish.
func (m *Metrics) RecordRequeued(channel string) {
	m.jobsRequeued.WithLabelValues(channel).Inc()
}

// RecordDeadLettered counts a dead-letter publish.
func (m *Metrics) RecordDeadLettered(channel string) {
	m.jobsDeadLettered.WithLabelValues(channel).Inc()
}

// ObserveBreaker updates the state gauge for one breaker.
func (m *Metrics) ObserveBreaker(name string, state breaker.State) {
	var v float64
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
