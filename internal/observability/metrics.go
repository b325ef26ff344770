package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dunning engine counters. Registered once on the default
// registry; the gin server exposes them on /metrics.
type Metrics struct {
	AttemptsRecorded  *prometheus.CounterVec
	Recoveries        prometheus.Counter
	Cancellations     prometheus.Counter
	NotificationsSent *prometheus.CounterVec
	JobsProcessed     *prometheus.CounterVec
	JobsRequeued      prometheus.Counter
}

func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the counters on the given registry. Tests
// pass a fresh registry so repeated construction cannot collide.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dunning",
			Name:      "retry_attempts_total",
			Help:      "Payment retry attempts recorded, by outcome.",
		}, []string{"outcome"}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dunning",
			Name:      "recoveries_total",
			Help:      "Invoices recovered by a successful retry.",
		}),
		Cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dunning",
			Name:      "cancellations_total",
			Help:      "Subscriptions canceled after retry exhaustion.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dunning",
			Name:      "notifications_enqueued_total",
			Help:      "Dunning notifications enqueued, by type.",
		}, []string{"type"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dunning",
			Subsystem: "scheduler",
			Name:      "jobs_processed_total",
			Help:      "Retry jobs processed by the scheduler worker, by result.",
		}, []string{"result"}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dunning",
			Subsystem: "scheduler",
			Name:      "jobs_requeued_total",
			Help:      "Retry jobs re-queued after a transient gateway error.",
		}),
	}

	reg.MustRegister(
		m.AttemptsRecorded,
		m.Recoveries,
		m.Cancellations,
		m.NotificationsSent,
		m.JobsProcessed,
		m.JobsRequeued,
	)
	return m
}
