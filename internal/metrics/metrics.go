// Package metrics holds the prometheus counters of the sync core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PublishOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_publish_ok_total",
		Help: "Total messages accepted by the remote store.",
	})
	PublishTransient = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_publish_transient_total",
		Help: "Total publish attempts that failed with a transient error.",
	})
	PublishPermanent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_publish_permanent_total",
		Help: "Total messages permanently rejected by the remote store.",
	})
	OutboxEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_outbox_enqueued_total",
		Help: "Total messages handed to the outbox after a failed publish.",
	})
	OutboxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_outbox_retries_total",
		Help: "Total outbox retry bumps.",
	})
	OutboxParked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_outbox_parked_total",
		Help: "Total outbox items parked after exhausting the retry ceiling.",
	})
	DrainRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worldchat_outbox_drain_runs_total",
		Help: "Total outbox drains by trigger.",
	}, []string{"trigger"})
	DrainCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_outbox_drain_coalesced_total",
		Help: "Total drain requests dropped because a drain was already running.",
	})
	InboundMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_inbound_merged_total",
		Help: "Total remote records merged into the local store.",
	})
	SnapshotsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_snapshots_discarded_total",
		Help: "Total snapshot batches discarded after unsubscribe.",
	})
	SummaryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldchat_summary_update_fail_total",
		Help: "Total best-effort remote conversation summary writes that failed.",
	})
)

// Register adds all counters to the default registry. Call once per process.
func Register() {
	prometheus.MustRegister(
		PublishOK, PublishTransient, PublishPermanent,
		OutboxEnqueued, OutboxRetries, OutboxParked,
		DrainRuns, DrainCoalesced,
		InboundMerged, SnapshotsDiscarded, SummaryFailures,
	)
}
