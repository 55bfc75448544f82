// Package metrics exposes ClaudeFS's Prometheus instrumentation: gauges
// and counters grouped by subsystem, registered as package vars, with a
// Handler() for the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft metrics, per shard.
	RaftIsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claudefs_raft_is_leader",
			Help: "Whether this node is the Raft leader for a shard (1=leader, 0=follower/candidate).",
		},
		[]string{"shard"},
	)

	RaftTerm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claudefs_raft_term",
			Help: "Current Raft term per shard.",
		},
		[]string{"shard"},
	)

	RaftCommitIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claudefs_raft_commit_index",
			Help: "Current Raft commit index per shard.",
		},
		[]string{"shard"},
	)

	// Journal metrics.
	JournalHeadSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claudefs_journal_head_sequence",
			Help: "Latest appended journal sequence per shard.",
		},
		[]string{"shard"},
	)

	JournalCompactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudefs_journal_compactions_total",
			Help: "Number of journal compaction passes per shard.",
		},
		[]string{"shard"},
	)

	// Lease metrics.
	LeasesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claudefs_lease_active_total",
			Help: "Active leases by type.",
		},
		[]string{"type"},
	)

	LeaseConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "claudefs_lease_conflicts_total",
			Help: "Lease grant attempts rejected due to conflict.",
		},
	)

	// Replication metrics.
	ReplicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claudefs_replication_lag",
			Help: "Journal sequence lag for a (site, shard) tailer.",
		},
		[]string{"site", "shard"},
	)

	ConflictsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudefs_conflicts_detected_total",
			Help: "Cross-site conflicts detected by outcome.",
		},
		[]string{"winner"},
	)

	// QoS metrics.
	QosRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudefs_qos_rejected_total",
			Help: "Requests rejected by QoS admission control, by tenant.",
		},
		[]string{"tenant"},
	)
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftTerm,
		RaftCommitIndex,
		JournalHeadSequence,
		JournalCompactions,
		LeasesActive,
		LeaseConflictsTotal,
		ReplicationLag,
		ConflictsDetectedTotal,
		QosRejectedTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
