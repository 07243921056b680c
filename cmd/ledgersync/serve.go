package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/ledgersync/internal/api"
	"github.com/hyperengineering/ledgersync/internal/backend"
	"github.com/hyperengineering/ledgersync/internal/config"
	"github.com/hyperengineering/ledgersync/internal/metrics"
	"github.com/hyperengineering/ledgersync/internal/notify"
	"github.com/hyperengineering/ledgersync/internal/snapshot"
	"github.com/hyperengineering/ledgersync/internal/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authoritative ledger server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	// 3. Initialize logger
	setupLogger(os.Stdout, cfg.Log)
	slog.Info("configuration loaded", "component", "main")
	slog.Info("logger initialized", "component", "main", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := backend.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "component", "main", "path", cfg.Database.Path)

	// 5. Change fan-out: in-process hub, bridged through NATS when configured
	hub := notify.NewHub()
	var publisher notify.Publisher
	var bridge *notify.NATSBridge
	if cfg.Notify.NATSURL != "" {
		bridge, err = notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix, hub)
		if err != nil {
			db.Close()
			return err
		}
		publisher = bridge
		slog.Info("nats bridge connected", "component", "main", "subject", bridge.Subject("*"))
	}

	recorder := metrics.Recorder{}
	svc := backend.NewService(db, hub, publisher, recorder)

	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		slog.Warn("backup upload disabled", "component", "main", "error", err)
		uploader = nil
	}

	// 6. Initialize HTTP router
	handler := api.NewHandler(svc, cfg.Auth.APIKey, Version).WithBackups(uploader, db.BackupPath())
	router := api.NewRouter(handler)
	slog.Info("router initialized", "component", "main")

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Background workers
	var wg sync.WaitGroup
	compaction := worker.NewCompactionWorker(db,
		time.Duration(cfg.Worker.CompactionInterval),
		time.Duration(cfg.Worker.CommitRetention),
		cfg.Worker.AuditDir,
		recorder)
	startWorker(ctx, &wg, "compaction", compaction.Run)

	backup := worker.NewBackupWorker(db, time.Duration(cfg.Worker.BackupInterval), uploader, recorder)
	startWorker(ctx, &wg, "backup", backup.Run)

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "component", "main", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "component", "main", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "main")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Close event streams so Shutdown does not wait on them
	hub.Close()
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			slog.Error("nats close error", "component", "main", "error", err)
		}
	}

	// 11b. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "component", "main", "error", err)
	}

	// 11c. Wait for workers to complete
	wg.Wait()

	// 11d. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "component", "main", "error", err)
	}

	slog.Info("shutdown complete", "component", "main")
	return nil
}
