package kvraft

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// serverMetrics are the counters a KVServer exposes. Each replica gets
// its own set registered against a caller-supplied registry (rather than
// the global default) so multiple replicas in one test binary never
// collide registering the same metric name twice.
type serverMetrics struct {
	mutationsApplied   prometheus.Counter
	dedupSkipsApply    prometheus.Counter
	dedupSkipsFast     prometheus.Counter
	snapshotsTaken     prometheus.Counter
	snapshotsInstalled prometheus.Counter
}

func newServerMetrics(reg *prometheus.Registry, me int) *serverMetrics {
	labels := prometheus.Labels{"server": strconv.Itoa(me)}
	m := &serverMetrics{
		mutationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kvraft_mutations_applied_total",
			Help:        "Mutations actually applied to the kv map.",
			ConstLabels: labels,
		}),
		dedupSkipsApply: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kvraft_dedup_skips_apply_total",
			Help:        "Mutations skipped as duplicates during apply.",
			ConstLabels: labels,
		}),
		dedupSkipsFast: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kvraft_dedup_skips_fast_total",
			Help:        "Mutations short-circuited by the fast-path dedupe check.",
			ConstLabels: labels,
		}),
		snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kvraft_snapshots_taken_total",
			Help:        "Snapshots this replica has taken.",
			ConstLabels: labels,
		}),
		snapshotsInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kvraft_snapshots_installed_total",
			Help:        "Snapshots this replica has installed from Raft.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.mutationsApplied, m.dedupSkipsApply, m.dedupSkipsFast,
			m.snapshotsTaken, m.snapshotsInstalled)
	}
	return m
}

// clerkMetrics are the counters a single Clerk exposes: how often it has
// to abandon a cached leader and how often a discovery round ends
// without finding a leader.
type clerkMetrics struct {
	leaderSwitches prometheus.Counter
	timeouts       prometheus.Counter
}

func newClerkMetrics(reg *prometheus.Registry, name string) *clerkMetrics {
	labels := prometheus.Labels{"clerk": name}
	m := &clerkMetrics{
		leaderSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kvraft_clerk_leader_switches_total",
			Help:        "Times this clerk discarded a cached leader guess.",
			ConstLabels: labels,
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kvraft_clerk_timeouts_total",
			Help:        "Discovery rounds this clerk closed without finding a leader.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.leaderSwitches, m.timeouts)
	}
	return m
}

