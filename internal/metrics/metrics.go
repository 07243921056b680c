// Package metrics exposes Prometheus instrumentation for the sync client and
// the ledger backend. Collectors register with the default registry and are
// served by promhttp on /metrics.
package metrics

import (
	"errors"

	"github.com/hyperengineering/ledgersync/internal/engine"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Sync Metrics ───────────────────────────────────────────────────────────

// SyncRuns counts completed engine runs by trigger and final phase.
var SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledgersync",
	Subsystem: "sync",
	Name:      "runs_total",
	Help:      "Total sync runs by trigger and final phase.",
}, []string{"trigger", "phase"})

// SyncRunDuration tracks run latency.
var SyncRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "ledgersync",
	Subsystem: "sync",
	Name:      "run_duration_seconds",
	Help:      "Duration of sync runs.",
	Buckets:   prometheus.DefBuckets,
})

// SyncFailures counts failed runs by reason.
var SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledgersync",
	Subsystem: "sync",
	Name:      "failures_total",
	Help:      "Total failed sync runs by reason.",
}, []string{"reason"})

// SyncConflicts counts version conflicts observed while committing.
var SyncConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ledgersync",
	Subsystem: "sync",
	Name:      "conflicts_total",
	Help:      "Total version conflicts observed by the sync engine.",
})

// MutationsAcknowledged counts mutations drained after a confirmed commit.
var MutationsAcknowledged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ledgersync",
	Subsystem: "queue",
	Name:      "acknowledged_total",
	Help:      "Total mutations removed from the queue after commit.",
})

// MutationsExhausted tracks mutations at the attempt cap after the last run.
var MutationsExhausted = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ledgersync",
	Subsystem: "queue",
	Name:      "exhausted",
	Help:      "Mutations that reached the retry cap and remain queued.",
})

// QueueDepth tracks the number of pending mutations.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ledgersync",
	Subsystem: "queue",
	Name:      "depth",
	Help:      "Current number of queued mutations.",
})

// ─── Backend Metrics ────────────────────────────────────────────────────────

// Commits counts conditional writes by outcome.
var Commits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledgersync",
	Subsystem: "backend",
	Name:      "commits_total",
	Help:      "Total conditional ledger writes by outcome.",
}, []string{"outcome"})

// CommitLogCompacted counts commit log rows removed by compaction.
var CommitLogCompacted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ledgersync",
	Subsystem: "backend",
	Name:      "commit_log_compacted_total",
	Help:      "Total commit log entries removed by compaction.",
})

// Backups counts backup attempts by result.
var Backups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledgersync",
	Subsystem: "backend",
	Name:      "backups_total",
	Help:      "Total backend backups by result.",
}, []string{"result"})

// Recorder adapts the collectors to the recorder hooks of the scheduler,
// the backend service and the workers.
type Recorder struct{}

// RunCompleted records one scheduler run.
func (Recorder) RunCompleted(trigger string, res *engine.Result, err error) {
	if res == nil {
		return
	}
	SyncRuns.WithLabelValues(trigger, string(res.Phase)).Inc()
	SyncRunDuration.Observe(res.Duration.Seconds())
	SyncConflicts.Add(float64(res.Conflicts))
	MutationsAcknowledged.Add(float64(res.Acknowledged))
	MutationsExhausted.Set(float64(len(res.Exhausted)))
	if res.Phase == types.PhaseFailed {
		SyncFailures.WithLabelValues(FailureReason(err)).Inc()
	}
}

// QueueDepth records the current queue size.
func (Recorder) QueueDepth(pending int) {
	QueueDepth.Set(float64(pending))
}

// CommitAccepted records a committed conditional write.
func (Recorder) CommitAccepted(string) {
	Commits.WithLabelValues("accepted").Inc()
}

// CommitConflicted records a conditional write rejected on version.
func (Recorder) CommitConflicted(string) {
	Commits.WithLabelValues("conflict").Inc()
}

// Compacted records commit log entries removed by compaction.
func (Recorder) Compacted(deleted int64) {
	CommitLogCompacted.Add(float64(deleted))
}

// BackupCompleted records the result of a backup attempt.
func (Recorder) BackupCompleted(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	Backups.WithLabelValues(result).Inc()
}

// FailureReason maps a run error to a bounded label value.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, types.ErrRetryLimitExceeded):
		return "retry_limit"
	case errors.Is(err, types.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, types.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, types.ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "other"
	}
}
