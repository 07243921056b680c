package worker

import (
	"context"
	"log/slog"
	"time"
)

// CompactionStore defines the backend operations required for commit log
// compaction. Implemented by backend.SQLiteStore.
type CompactionStore interface {
	// CompactCommitLog removes entries older than cutoff, keeping the latest per ledger.
	// Returns: entries exported, entries deleted, error.
	CompactCommitLog(ctx context.Context, cutoff time.Time, auditDir string) (exported int64, deleted int64, err error)

	// HeadSequence returns the highest commit sequence across all ledgers.
	HeadSequence(ctx context.Context) (int64, error)

	// SetLastCompaction records compaction metadata.
	SetLastCompaction(ctx context.Context, sequence int64, timestamp time.Time) error
}

// CompactionRecorder receives compaction results for metrics.
type CompactionRecorder interface {
	Compacted(deleted int64)
}

// CompactionWorker periodically trims the backend commit log.
type CompactionWorker struct {
	store     CompactionStore
	interval  time.Duration
	retention time.Duration
	auditDir  string
	recorder  CompactionRecorder
	now       func() time.Time
}

// NewCompactionWorker creates a compaction worker. An empty auditDir deletes
// compacted entries without exporting them. recorder may be nil.
func NewCompactionWorker(
	store CompactionStore,
	interval time.Duration,
	retention time.Duration,
	auditDir string,
	recorder CompactionRecorder,
) *CompactionWorker {
	return &CompactionWorker{
		store:     store,
		interval:  interval,
		retention: retention,
		auditDir:  auditDir,
		recorder:  recorder,
		now:       time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
//
// The first compaction waits for one interval; compaction is IO-intensive
// and startup is already busy.
func (w *CompactionWorker) Run(ctx context.Context) {
	slog.Info("compaction worker started",
		"component", "worker",
		"worker", "commit-log-compaction",
		"interval", w.interval.String(),
		"retention", w.retention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("compaction worker stopped",
				"component", "worker",
				"worker", "commit-log-compaction",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.Compact(ctx)
		}
	}
}

// Compact runs one compaction pass. Returns exported, deleted and whether it succeeded.
func (w *CompactionWorker) Compact(ctx context.Context) (int64, int64, bool) {
	start := w.now()
	cutoff := start.Add(-w.retention)

	// Taken before compaction so the watermark never covers commits that
	// landed during the pass.
	head, err := w.store.HeadSequence(ctx)
	if err != nil {
		slog.Error("failed to read commit log head",
			"component", "worker",
			"worker", "commit-log-compaction",
			"error", err,
		)
		return 0, 0, false
	}

	exported, deleted, err := w.store.CompactCommitLog(ctx, cutoff, w.auditDir)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, false // Graceful shutdown
		}
		slog.Error("commit log compaction failed",
			"component", "worker",
			"worker", "commit-log-compaction",
			"error", err,
		)
		return 0, 0, false
	}

	if w.recorder != nil {
		w.recorder.Compacted(deleted)
	}

	if exported == 0 && deleted == 0 {
		slog.Debug("no commit log entries to compact",
			"component", "worker",
			"worker", "commit-log-compaction",
		)
		return 0, 0, true
	}

	if err := w.store.SetLastCompaction(ctx, head, start); err != nil {
		slog.Warn("failed to record compaction",
			"component", "worker",
			"worker", "commit-log-compaction",
			"error", err,
		)
	}

	slog.Info("commit log compaction completed",
		"component", "worker",
		"worker", "commit-log-compaction",
		"entries_exported", exported,
		"entries_deleted", deleted,
		"head_sequence", head,
		"duration_ms", w.now().Sub(start).Milliseconds(),
	)
	return exported, deleted, true
}
