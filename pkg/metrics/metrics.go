package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tlogd"

// Metrics holds the collectors of one log server, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Version               *prometheus.GaugeVec
	QueueCommittedVersion *prometheus.GaugeVec
	KnownCommittedVersion *prometheus.GaugeVec
	DurableKnownCommitted *prometheus.GaugeVec

	BytesInput         *prometheus.GaugeVec
	BytesDurable       *prometheus.GaugeVec
	OverheadBytesInput *prometheus.GaugeVec

	Commits          *prometheus.CounterVec
	DuplicateCommits *prometheus.CounterVec
	Peeks            *prometheus.CounterVec
	Pops             *prometheus.CounterVec
	SpilledBytes     *prometheus.CounterVec
	QueueCommits     *prometheus.CounterVec

	CommitLatency *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Version: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "version",
			Help: "Newest version applied to a generation.",
		}, []string{"group", "log_id"}),
		QueueCommittedVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_committed_version",
			Help: "Newest version durable on the disk queue.",
		}, []string{"group", "log_id"}),
		KnownCommittedVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "known_committed_version",
			Help: "Newest version known committed on all logs.",
		}, []string{"group", "log_id"}),
		DurableKnownCommitted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "durable_known_committed_version",
			Help: "Known committed version as of the last queue commit.",
		}, []string{"group", "log_id"}),

		BytesInput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_input",
			Help: "Accounted bytes buffered by a group since start.",
		}, []string{"group"}),
		BytesDurable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_durable",
			Help: "Accounted bytes released by spill or pop.",
		}, []string{"group"}),
		OverheadBytesInput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "overhead_bytes_input",
			Help: "Per-entry overhead bytes buffered.",
		}, []string{"group"}),

		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total",
			Help: "Commit requests applied.",
		}, []string{"group"}),
		DuplicateCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_commits_total",
			Help: "Commit requests recognised as already applied.",
		}, []string{"group"}),
		Peeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "peeks_total",
			Help: "Peek requests served.",
		}, []string{"group"}),
		Pops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pops_total",
			Help: "Pop requests applied or deferred.",
		}, []string{"group", "result"}),
		SpilledBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "spilled_bytes_total",
			Help: "Message bytes moved from memory to the persistent store.",
		}, []string{"group"}),
		QueueCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_commits_total",
			Help: "Physical disk queue commits.",
		}, []string{"group"}),

		CommitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_latency_seconds",
			Help:    "Time from commit arrival to reply.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"group"}),
	}

	m.registry.MustRegister(
		m.Version, m.QueueCommittedVersion, m.KnownCommittedVersion, m.DurableKnownCommitted,
		m.BytesInput, m.BytesDurable, m.OverheadBytesInput,
		m.Commits, m.DuplicateCommits, m.Peeks, m.Pops, m.SpilledBytes, m.QueueCommits,
		m.CommitLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ForgetGeneration drops the per-generation series of a removed generation.
func (m *Metrics) ForgetGeneration(group, logID string) {
	for _, g := range []*prometheus.GaugeVec{m.Version, m.QueueCommittedVersion, m.KnownCommittedVersion, m.DurableKnownCommitted} {
		g.DeleteLabelValues(group, logID)
	}
}
