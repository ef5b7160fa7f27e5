// Package metrics holds the Prometheus instrumentation of the meta
// service. Collectors are created against an explicit registerer so
// tests can use throwaway registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CompactTasksIssued    prometheus.Counter
	CompactTasksSucceeded prometheus.Counter
	CompactTasksFailed    prometheus.Counter
	TrivialMoves          prometheus.Counter

	VacuumObjectsDeleted prometheus.Counter
	VacuumRuns           prometheus.Counter

	CurrentVersionID *prometheus.GaugeVec
	PinnedVersions   *prometheus.GaugeVec
	PinnedSnapshots  *prometheus.GaugeVec
	EpochsCommitted  prometheus.Counter
	EpochsAborted    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CompactTasksIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_compact_tasks_issued_total",
			Help: "Compaction tasks handed to workers.",
		}),
		CompactTasksSucceeded: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_compact_tasks_succeeded_total",
			Help: "Compaction tasks reported as successful.",
		}),
		CompactTasksFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_compact_tasks_failed_total",
			Help: "Compaction tasks reported as failed or cancelled.",
		}),
		TrivialMoves: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_trivial_moves_total",
			Help: "Compactions resolved as pure file relocations.",
		}),
		VacuumObjectsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_vacuum_objects_deleted_total",
			Help: "SSTable objects dispatched for deletion by vacuum.",
		}),
		VacuumRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_vacuum_runs_total",
			Help: "Completed vacuum passes.",
		}),
		CurrentVersionID: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hummock_current_version_id",
			Help: "Current version id per compaction group.",
		}, []string{"group"}),
		PinnedVersions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hummock_pinned_versions",
			Help: "Contexts holding a version pin per compaction group.",
		}, []string{"group"}),
		PinnedSnapshots: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hummock_pinned_snapshots",
			Help: "Contexts holding a snapshot pin per compaction group.",
		}, []string{"group"}),
		EpochsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_epochs_committed_total",
			Help: "Checkpoint epochs committed.",
		}),
		EpochsAborted: f.NewCounter(prometheus.CounterOpts{
			Name: "hummock_epochs_aborted_total",
			Help: "Checkpoint epochs aborted.",
		}),
	}
}

// NewNop returns metrics bound to a private registry; used by tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
