package raft

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the node's observable state as prometheus collectors.
// Each node owns its registry so several nodes can share a process.
type Metrics struct {
	registry *prometheus.Registry

	role        prometheus.Gauge
	currentTerm prometheus.Gauge
	commitIndex prometheus.Gauge
	lastApplied prometheus.Gauge
	logLength   prometheus.Gauge

	electionsStarted    prometheus.Counter
	replicationFailures prometheus.Counter
	snapshotsInstalled  prometheus.Counter
}

func newMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node": nodeID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		role: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "replikv_role",
			Help:        "Current role: 0 follower, 1 candidate, 2 leader.",
			ConstLabels: labels,
		}),
		currentTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "replikv_current_term",
			Help:        "Highest term seen.",
			ConstLabels: labels,
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "replikv_commit_index",
			Help:        "Highest known-committed log index.",
			ConstLabels: labels,
		}),
		lastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "replikv_last_applied",
			Help:        "Highest log index applied to the state machine.",
			ConstLabels: labels,
		}),
		logLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "replikv_log_length",
			Help:        "Number of entries physically present in the log.",
			ConstLabels: labels,
		}),
		electionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "replikv_elections_started_total",
			Help:        "Elections this node has started.",
			ConstLabels: labels,
		}),
		replicationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "replikv_replication_failures_total",
			Help:        "Failed or rejected replication attempts.",
			ConstLabels: labels,
		}),
		snapshotsInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "replikv_snapshots_installed_total",
			Help:        "Snapshots installed from a leader.",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.role, m.currentTerm, m.commitIndex, m.lastApplied, m.logLength,
		m.electionsStarted, m.replicationFailures, m.snapshotsInstalled,
	)
	return m
}

// Registry returns the node-local prometheus registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
