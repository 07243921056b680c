package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/ledgersync/internal/backend"
	"github.com/hyperengineering/ledgersync/internal/snapshot"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/hyperengineering/ledgersync/internal/validation"
)

// maxBodyBytes bounds a conditional write request body.
const maxBodyBytes = 1 << 20

// DefaultHeartbeat is the event stream keep-alive interval.
const DefaultHeartbeat = 25 * time.Second

// Handler implements the API handlers
type Handler struct {
	svc       *backend.Service
	apiKey    string
	version   string
	heartbeat time.Duration

	uploader   snapshot.Uploader
	backupPath string
}

// NewHandler creates a new Handler over the ledger service.
func NewHandler(svc *backend.Service, apiKey, version string) *Handler {
	return &Handler{
		svc:       svc,
		apiKey:    apiKey,
		version:   version,
		heartbeat: DefaultHeartbeat,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.LedgerCount(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "action", "health", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Ledger store unavailable")
		return
	}

	writeJSON(w, types.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		LedgerCount: count,
	})
}

// GetLedger handles GET /api/v1/ledgers/{key}
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	key := LedgerKeyFromContext(r.Context())

	snap, err := h.svc.Read(r.Context(), key)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			slog.Error("ledger read failed",
				"component", "api",
				"action", "read_failed",
				"ledger", key,
				"error", err,
			)
		}
		MapLedgerError(w, r, err)
		return
	}

	writeJSON(w, snap)
}

// PutLedger handles PUT /api/v1/ledgers/{key}: a write conditional on
// expected_version.
func (h *Handler) PutLedger(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := LedgerKeyFromContext(r.Context())

	var req types.UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	v := validation.ValidateSnapshot(req.Snapshot)
	if req.ExpectedVersion < 0 {
		v.Add(&validation.ValidationError{Field: "expected_version", Message: "must not be negative"})
	}
	if v.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", v.Errors())
		return
	}

	resp, err := h.svc.Update(r.Context(), key, req.ExpectedVersion, req.Snapshot)
	if err != nil {
		if errors.Is(err, types.ErrVersionConflict) {
			slog.Info("ledger update conflicted",
				"component", "api",
				"action", "update_conflict",
				"ledger", key,
				"expected_version", req.ExpectedVersion,
			)
		} else {
			slog.Error("ledger update failed",
				"component", "api",
				"action", "update_failed",
				"ledger", key,
				"error", err,
			)
		}
		MapLedgerError(w, r, err)
		return
	}

	writeJSON(w, resp)

	slog.Info("ledger updated",
		"component", "api",
		"action", "update",
		"ledger", key,
		"version", resp.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// History handles GET /api/v1/ledgers/{key}/history?after=N&limit=M
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	key := LedgerKeyFromContext(r.Context())

	after, limit, err := parseHistoryQuery(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.svc.History(r.Context(), key, after, limit)
	if err != nil {
		slog.Error("history query failed",
			"component", "api",
			"action", "history_failed",
			"ledger", key,
			"after", after,
			"error", err,
		)
		MapLedgerError(w, r, err)
		return
	}

	// Ensure entries is [] not null in JSON
	if resp.Entries == nil {
		resp.Entries = []types.CommitEntry{}
	}
	writeJSON(w, resp)
}

// parseHistoryQuery extracts the optional after and limit parameters.
// A zero limit means the service default.
func parseHistoryQuery(r *http.Request) (int64, int, error) {
	var after int64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, errors.New("invalid after parameter: must be an integer >= 0")
		}
		after = v
	}

	var limit int
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return 0, 0, errors.New("invalid limit parameter: must be an integer >= 1")
		}
		limit = v
	}
	return after, limit, nil
}
