package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// Events handles GET /api/v1/ledgers/{key}/events: a text/event-stream of
// committed snapshots. The current snapshot, if any, is sent first.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := LedgerKeyFromContext(ctx)

	// Subscribe before reading so no commit between the two is missed.
	ch, err := h.svc.Subscribe(ctx, key)
	if err != nil {
		MapLedgerError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if snap, err := h.svc.Read(ctx, key); err == nil {
		if err := writeEvent(w, snap); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("event stream not flushable", "component", "api", "error", err)
		return
	}

	slog.Debug("event stream opened", "component", "api", "action", "events_open", "ledger", key)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("event stream closed", "component", "api", "action", "events_closed", "ledger", key)
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeEvent writes one snapshot event.
func writeEvent(w io.Writer, snap types.LedgerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: snapshot\nid: %d\ndata: %s\n\n", snap.Version, data)
	return err
}
