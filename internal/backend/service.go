package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/ledgersync/internal/notify"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/hyperengineering/ledgersync/internal/validation"
)

// DefaultHistoryLimit caps commit log pages when the caller gives no limit.
const DefaultHistoryLimit = 100

// MaxHistoryLimit is the largest commit log page served.
const MaxHistoryLimit = 1000

// Recorder receives backend events for metrics.
type Recorder interface {
	CommitAccepted(key string)
	CommitConflicted(key string)
}

type noopRecorder struct{}

func (noopRecorder) CommitAccepted(string)   {}
func (noopRecorder) CommitConflicted(string) {}

// Service is the ledger backend used by the HTTP API and in-process clients.
// It validates writes, commits them to the Store, and announces each commit.
type Service struct {
	store     Store
	hub       *notify.Hub
	publisher notify.Publisher
	recorder  Recorder
}

// NewService creates a Service. Commits are published to publisher, which
// defaults to hub when nil. Subscribers always read from hub.
func NewService(store Store, hub *notify.Hub, publisher notify.Publisher, recorder Recorder) *Service {
	if publisher == nil {
		publisher = hub
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{store: store, hub: hub, publisher: publisher, recorder: recorder}
}

// Store returns the underlying record store.
func (s *Service) Store() Store {
	return s.store
}

// Read returns the ledger's snapshot or types.ErrNotFound.
func (s *Service) Read(ctx context.Context, key string) (types.LedgerSnapshot, error) {
	if err := validation.CheckLedgerKey(key); err != nil {
		return types.LedgerSnapshot{}, err
	}
	return s.store.Get(ctx, key)
}

// Update commits next if the ledger is at expected.
func (s *Service) Update(ctx context.Context, key string, expected int64, next types.LedgerSnapshot) (*types.UpdateResponse, error) {
	if err := validation.CheckLedgerKey(key); err != nil {
		return nil, err
	}
	if expected < 0 {
		return nil, fmt.Errorf("%w: expected_version must be non-negative", types.ErrInvalidMutation)
	}
	if v := validation.ValidateSnapshot(next); v.HasErrors() {
		return nil, v.Err()
	}

	entry, err := s.store.Update(ctx, key, expected, next)
	if err != nil {
		if errors.Is(err, types.ErrVersionConflict) {
			s.recorder.CommitConflicted(key)
		}
		return nil, err
	}
	s.recorder.CommitAccepted(key)

	committed, err := s.store.Get(ctx, key)
	if err == nil {
		if err := s.publisher.Publish(ctx, key, committed); err != nil {
			slog.Warn("failed to publish ledger change",
				"component", "backend",
				"action", "publish_failed",
				"ledger", key,
				"error", err,
			)
		}
	}

	slog.Debug("ledger committed",
		"component", "backend",
		"action", "commit",
		"ledger", key,
		"version", entry.Version,
		"sequence", entry.Sequence,
	)

	return &types.UpdateResponse{Version: entry.Version, CommittedAt: entry.CommittedAt}, nil
}

// History returns a page of the ledger's commit log.
func (s *Service) History(ctx context.Context, key string, afterSeq int64, limit int) (*types.HistoryResponse, error) {
	if err := validation.CheckLedgerKey(key); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	entries, err := s.store.GetCommitsAfter(ctx, key, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestSequence(ctx, key)
	if err != nil {
		return nil, err
	}
	return &types.HistoryResponse{Entries: entries, LatestSequence: latest}, nil
}

// Subscribe streams the ledger's committed snapshots until ctx is done.
// Only the latest undelivered snapshot is kept per subscriber.
func (s *Service) Subscribe(ctx context.Context, key string) (<-chan types.LedgerSnapshot, error) {
	if err := validation.CheckLedgerKey(key); err != nil {
		return nil, err
	}
	ch, cancel := s.hub.Subscribe(key)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, nil
}

// LedgerCount returns the number of ledgers.
func (s *Service) LedgerCount(ctx context.Context) (int64, error) {
	return s.store.LedgerCount(ctx)
}
