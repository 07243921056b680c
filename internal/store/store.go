package store

import (
	"context"
	"iter"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// Store defines the contract for the on-device ledger cache and mutation log.
// Enqueue and the sync engine's writes are each individually atomic; the
// engine is the only writer of the snapshot and the checkpoint.
type Store interface {
	// Mutation queue
	Enqueue(ctx context.Context, m types.Mutation) (bool, error)
	PeekBatch(ctx context.Context, max int) iter.Seq2[types.Mutation, error]
	Acknowledge(ctx context.Context, ids []string) (int64, error)
	Requeue(ctx context.Context, ids []string, reason string) ([]types.Mutation, error)
	Pending(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]types.Mutation, error)
	Exhausted(ctx context.Context, maxAttempts int) ([]types.Mutation, error)
	QueueStats(ctx context.Context, maxAttempts int) (*types.QueueStats, error)

	// Snapshot cache
	GetSnapshot(ctx context.Context) (types.LedgerSnapshot, error)
	PutSnapshot(ctx context.Context, s types.LedgerSnapshot) (bool, error)
	Drain(ctx context.Context, ids []string, s types.LedgerSnapshot) error

	// Sync metadata
	DeviceID(ctx context.Context) (string, error)
	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error
	LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error)
	ClearCheckpoint(ctx context.Context) error
	SaveSyncState(ctx context.Context, st types.SyncState) error
	LoadSyncState(ctx context.Context) (types.SyncState, error)

	Close() error
}
