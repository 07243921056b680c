package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/ledgersync/internal/snapshot"
)

// BackupStore represents a backend that can write a consistent copy of itself.
type BackupStore interface {
	GenerateBackup(ctx context.Context) error
	BackupPath() string
}

// BackupRecorder receives backup results for metrics.
type BackupRecorder interface {
	BackupCompleted(err error)
}

// BackupWorker periodically backs up the backend database and uploads the
// copy when storage is configured.
type BackupWorker struct {
	store    BackupStore
	uploader snapshot.Uploader
	interval time.Duration
	recorder BackupRecorder
	now      func() time.Time
}

// NewBackupWorker creates a backup worker.
// uploader and recorder are optional; with a nil uploader backups stay local.
func NewBackupWorker(
	store BackupStore,
	interval time.Duration,
	uploader snapshot.Uploader,
	recorder BackupRecorder,
) *BackupWorker {
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
		recorder: recorder,
		now:      time.Now,
	}
}

// Run starts the worker loop. Backs up immediately on start, then on each
// interval.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Backup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.Backup(ctx)
		}
	}
}

// Backup writes one backup and uploads it. Returns true if the local backup
// succeeded; upload failures are logged and not fatal.
func (w *BackupWorker) Backup(ctx context.Context) bool {
	start := w.now()

	err := w.store.GenerateBackup(ctx)
	if err != nil && ctx.Err() != nil {
		return false // Graceful shutdown, don't log as error
	}
	if w.recorder != nil {
		w.recorder.BackupCompleted(err)
	}
	if err != nil {
		slog.Warn("backup generation failed",
			"component", "worker",
			"worker", "backup",
			"action", "backup_failed",
			"error", err,
		)
		return false
	}

	slog.Info("backup generated",
		"component", "worker",
		"worker", "backup",
		"action", "backup_complete",
		"path", w.store.BackupPath(),
		"duration_ms", w.now().Sub(start).Milliseconds(),
	)

	if w.uploader != nil {
		w.upload(ctx, start)
	}
	return true
}

// upload pushes the latest backup and a point-in-time archive copy.
func (w *BackupWorker) upload(ctx context.Context, at time.Time) {
	path := w.store.BackupPath()
	for _, name := range []string{snapshot.CurrentObject, snapshot.ArchiveName(at)} {
		if err := w.uploader.Upload(ctx, name, path); err != nil {
			slog.Warn("backup upload failed",
				"component", "worker",
				"worker", "backup",
				"action", "backup_upload_failed",
				"object", name,
				"error", err,
			)
			return
		}
	}

	slog.Info("backup uploaded",
		"component", "worker",
		"worker", "backup",
		"action", "backup_uploaded",
	)
}
