package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/ledgersync/internal/sqlitedb"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/hyperengineering/ledgersync/migrations"
	"github.com/shopspring/decimal"
)

const (
	metaDeviceID   = "device_id"
	metaCheckpoint = "checkpoint"
	metaSyncState  = "sync_state"
)

// SQLiteStore is the SQLite-backed on-device ledger cache and mutation log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the local database at dbPath, applying pragmas and migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(context.Background(), dbPath, migrations.Local, "local")
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const upsertSnapshotSQL = `
	INSERT INTO ledger_snapshot (id, balance, version, earnings, applied_ids, last_synced_at, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		balance = excluded.balance,
		version = excluded.version,
		earnings = excluded.earnings,
		applied_ids = excluded.applied_ids,
		last_synced_at = excluded.last_synced_at,
		updated_at = excluded.updated_at
	WHERE excluded.version >= ledger_snapshot.version`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// putSnapshot replaces the cached snapshot unless the cached one is newer.
func putSnapshot(ctx context.Context, ex execer, snap types.LedgerSnapshot) (bool, error) {
	earnings := snap.Earnings
	if earnings == nil {
		earnings = map[string]decimal.Decimal{}
	}
	earningsJSON, err := json.Marshal(earnings)
	if err != nil {
		return false, fmt.Errorf("marshal earnings: %w", err)
	}
	applied := snap.AppliedIDs
	if applied == nil {
		applied = []string{}
	}
	appliedJSON, err := json.Marshal(applied)
	if err != nil {
		return false, fmt.Errorf("marshal applied ids: %w", err)
	}

	result, err := ex.ExecContext(ctx, upsertSnapshotSQL,
		snap.Balance.String(),
		snap.Version,
		string(earningsJSON),
		string(appliedJSON),
		sqlitedb.NullableTime(snap.LastSyncedAt),
		sqlitedb.FormatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// GetSnapshot returns the cached ledger snapshot, or an empty version-0
// snapshot if nothing has been cached yet. The value may be stale.
func (s *SQLiteStore) GetSnapshot(ctx context.Context) (types.LedgerSnapshot, error) {
	var balance, earningsJSON, appliedJSON string
	var lastSynced sql.NullString
	snap := types.EmptySnapshot()

	err := s.db.QueryRowContext(ctx, `
		SELECT balance, version, earnings, applied_ids, last_synced_at
		FROM ledger_snapshot WHERE id = 1
	`).Scan(&balance, &snap.Version, &earningsJSON, &appliedJSON, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("query snapshot: %w", err)
	}

	if snap.Balance, err = decimal.NewFromString(balance); err != nil {
		return snap, fmt.Errorf("%w: balance %q", ErrCorruptValue, balance)
	}
	if err := json.Unmarshal([]byte(earningsJSON), &snap.Earnings); err != nil {
		return snap, fmt.Errorf("%w: earnings: %v", ErrCorruptValue, err)
	}
	if snap.Earnings == nil {
		snap.Earnings = map[string]decimal.Decimal{}
	}
	if err := json.Unmarshal([]byte(appliedJSON), &snap.AppliedIDs); err != nil {
		return snap, fmt.Errorf("%w: applied ids: %v", ErrCorruptValue, err)
	}
	if lastSynced.Valid {
		if t, err := sqlitedb.ParseTime(lastSynced.String); err == nil {
			snap.LastSyncedAt = t
		}
	}

	return snap, nil
}

// PutSnapshot replaces the cached snapshot if its version is not older than
// the cached one. Returns whether the cache changed.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap types.LedgerSnapshot) (bool, error) {
	return putSnapshot(ctx, s.db, snap)
}

// Drain acknowledges committed mutations, replaces the cached snapshot and
// clears the commit checkpoint in one local transaction.
func (s *SQLiteStore) Drain(ctx context.Context, ids []string, snap types.LedgerSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(ids) > 0 {
		query := "DELETE FROM mutations WHERE id IN (" + placeholders(len(ids)) + ")"
		if _, err := tx.ExecContext(ctx, query, stringArgs(ids)...); err != nil {
			return fmt.Errorf("acknowledge mutations: %w", err)
		}
	}

	if _, err := putSnapshot(ctx, tx, snap); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_meta WHERE key = ?", metaCheckpoint); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeviceID returns this install's origin id, generating it on first use.
func (s *SQLiteStore) DeviceID(ctx context.Context) (string, error) {
	id, err := s.getMeta(ctx, metaDeviceID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sync_meta (key, value) VALUES (?, ?)",
		metaDeviceID, uuid.NewString()); err != nil {
		return "", fmt.Errorf("create device id: %w", err)
	}
	return s.getMeta(ctx, metaDeviceID)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
