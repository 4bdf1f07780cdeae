package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChainsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmail_chains_started_total",
			Help: "Chains materialized, by chain type",
		},
		[]string{"chain_type"},
	)

	ChainsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainmail_chains_merged_total",
			Help: "Triggers folded into an open merge window",
		},
	)

	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainmail_jobs_enqueued_total",
			Help: "Delayed jobs handed to the queue",
		},
	)

	JobsOrphaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainmail_jobs_orphaned_total",
			Help: "Fired jobs whose ledger row no longer exists",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainmail_emails_sent_total",
			Help: "Emails delivered",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainmail_email_failures_total",
			Help: "Email delivery attempts that failed",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		ChainsStarted,
		ChainsMerged,
		JobsEnqueued,
		JobsOrphaned,
		EmailsSent,
		EmailFailures,
	)
}

// SchedulerSink adapts the package counters to the scheduler's metrics
// interface.
type SchedulerSink struct{}

func (SchedulerSink) ChainStarted(chainType string) {
	ChainsStarted.WithLabelValues(chainType).Inc()
}

func (SchedulerSink) ChainMerged() {
	ChainsMerged.Inc()
}

func (SchedulerSink) JobsEnqueued(count int) {
	JobsEnqueued.Add(float64(count))
}

// DeliverySink adapts the package counters to the delivery processor's
// metrics interface.
type DeliverySink struct{}

func (DeliverySink) EmailSent() {
	EmailsSent.Inc()
}

func (DeliverySink) EmailFailed() {
	EmailFailures.Inc()
}

func (DeliverySink) JobOrphaned() {
	JobsOrphaned.Inc()
}
