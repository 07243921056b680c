package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hyperengineering/ledgersync/internal/snapshot"
)

// WithBackups enables GET /api/v1/backup. uploader may be nil; localPath is
// the file the backup worker writes.
func (h *Handler) WithBackups(uploader snapshot.Uploader, localPath string) *Handler {
	h.uploader = uploader
	h.backupPath = localPath
	return h
}

// Backup handles GET /api/v1/backup. With object storage configured it
// redirects to a pre-signed URL for the latest backup; otherwise it serves
// the local copy.
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	if h.uploader != nil {
		url, expiry, err := h.uploader.PresignedURL(r.Context(), snapshot.CurrentObject)
		switch {
		case err == nil:
			w.Header().Set("X-Backup-Expires", expiry.UTC().Format(time.RFC3339))
			http.Redirect(w, r, url, http.StatusFound)
			return
		case !errors.Is(err, snapshot.ErrNotConfigured):
			slog.Error("presign backup failed", "component", "api", "action", "backup", "error", err)
			WriteProblem(w, r, http.StatusServiceUnavailable, "Backup storage unavailable")
			return
		}
	}

	if h.backupPath == "" {
		WriteProblem(w, r, http.StatusNotFound, "No backup available")
		return
	}
	info, err := os.Stat(h.backupPath)
	if err != nil || info.IsDir() {
		WriteProblem(w, r, http.StatusNotFound, "No backup available")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="`+snapshot.CurrentObject+`"`)
	http.ServeFile(w, r, h.backupPath)
}
