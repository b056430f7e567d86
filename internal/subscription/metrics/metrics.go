package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the prometheus instruments for the subscription
// reconciliation core.
type Metrics struct {
	WebhooksTotal        *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	StaleEventsTotal     prometheus.Counter
	DuplicateEventsTotal prometheus.Counter
	StoreConflictsTotal  prometheus.Counter
	VerificationFailures *prometheus.CounterVec
	SweepExpired         prometheus.Counter
	SweepGraceExpired    prometheus.Counter
	SweepApproaching     prometheus.Counter
	SweepFailures        prometheus.Counter
	SweepDuration        prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		WebhooksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_subscription_webhooks_total",
			Help: "Vendor webhook deliveries by platform and resulting action",
		}, []string{"platform", "action"}),
		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_subscription_transitions_total",
			Help: "Applied status transitions by from and to status",
		}, []string{"from", "to"}),
		StaleEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tessera_subscription_stale_events_total",
			Help: "Out-of-order events rejected by the last-writer-wins rule",
		}),
		DuplicateEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tessera_subscription_duplicate_events_total",
			Help: "Deliveries suppressed by the processed-notification guard",
		}),
		StoreConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tessera_subscription_store_conflicts_total",
			Help: "Optimistic concurrency conflicts observed on conditional updates",
		}),
		VerificationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_receipt_verification_failures_total",
			Help: "Receipt verification failures by platform and reason",
		}, []string{"platform", "reason"}),
		SweepExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tessera_sweep_expired_total",
			Help: "Active subscriptions expired by the sweep",
		}),
		SweepGraceExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tessera_sweep_grace_expired_total",
			Help: "Grace-period subscriptions fully expired by the sweep",
		}),
		SweepApproaching: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tessera_sweep_approaching_expiry_total",
			Help: "Auto-renewing subscriptions observed approaching expiry",
		}),
		SweepFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tessera_sweep_record_failures_total",
			Help: "Per-record failures tolerated during a sweep",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_sweep_duration_seconds",
			Help:    "Wall time of one full sweep run",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
