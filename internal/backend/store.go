// Package backend is the authoritative ledger record store that sync clients
// commit to. Each ledger key holds one snapshot; writes are conditional on
// the caller's expected version and every accepted write is appended to a
// per-ledger commit log.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// ErrBackupUnsupported is returned when backing up an in-memory database.
var ErrBackupUnsupported = errors.New("backup not supported for in-memory database")

// Store defines the contract for ledger record storage.
type Store interface {
	// Get returns the ledger's snapshot, or types.ErrNotFound.
	Get(ctx context.Context, key string) (types.LedgerSnapshot, error)

	// Update writes next if the stored version equals expected (0 for a
	// ledger that does not exist yet). The stored version becomes expected+1.
	// Returns types.ErrVersionConflict otherwise.
	Update(ctx context.Context, key string, expected int64, next types.LedgerSnapshot) (*types.CommitEntry, error)

	// Commit log
	GetCommitsAfter(ctx context.Context, key string, afterSeq int64, limit int) ([]types.CommitEntry, error)
	LatestSequence(ctx context.Context, key string) (int64, error)
	HeadSequence(ctx context.Context) (int64, error)
	CompactCommitLog(ctx context.Context, cutoff time.Time, auditDir string) (exported int64, deleted int64, err error)
	SetLastCompaction(ctx context.Context, sequence int64, timestamp time.Time) error

	// Backup
	GenerateBackup(ctx context.Context) error
	BackupPath() string

	LedgerCount(ctx context.Context) (int64, error)
	Close() error
}
