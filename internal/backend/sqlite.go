package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/ledgersync/internal/sqlitedb"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/hyperengineering/ledgersync/migrations"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db        *sql.DB
	backupDir string
}

// NewSQLiteStore opens the backend database at dbPath. Backups are written
// to a snapshot/ directory next to it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(context.Background(), dbPath, migrations.Backend, "backend")
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if dbPath != sqlitedb.MemoryPath {
		s.backupDir = filepath.Join(filepath.Dir(dbPath), "snapshot")
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLedger(ctx context.Context, q queryRower, key string) (types.LedgerSnapshot, error) {
	var balance, earningsJSON, appliedJSON string
	var lastSynced sql.NullString
	snap := types.EmptySnapshot()

	err := q.QueryRowContext(ctx, `
		SELECT balance, version, earnings, applied_ids, last_synced_at
		FROM ledgers WHERE key = ?
	`, key).Scan(&balance, &snap.Version, &earningsJSON, &appliedJSON, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, types.ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("query ledger: %w", err)
	}

	if snap.Balance, err = decimal.NewFromString(balance); err != nil {
		return snap, fmt.Errorf("parse balance for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(earningsJSON), &snap.Earnings); err != nil {
		return snap, fmt.Errorf("parse earnings for %s: %w", key, err)
	}
	if snap.Earnings == nil {
		snap.Earnings = map[string]decimal.Decimal{}
	}
	if err := json.Unmarshal([]byte(appliedJSON), &snap.AppliedIDs); err != nil {
		return snap, fmt.Errorf("parse applied ids for %s: %w", key, err)
	}
	if lastSynced.Valid {
		if t, err := sqlitedb.ParseTime(lastSynced.String); err == nil {
			snap.LastSyncedAt = t
		}
	}
	return snap, nil
}

// Get returns the ledger's snapshot.
func (s *SQLiteStore) Get(ctx context.Context, key string) (types.LedgerSnapshot, error) {
	return getLedger(ctx, s.db, key)
}

// Update conditionally replaces the ledger's snapshot and appends the commit
// to the log, all in one transaction.
func (s *SQLiteStore) Update(ctx context.Context, key string, expected int64, next types.LedgerSnapshot) (*types.CommitEntry, error) {
	now := time.Now().UTC()
	next = next.Clone()
	next.Version = expected + 1
	if next.LastSyncedAt.IsZero() {
		next.LastSyncedAt = now
	}
	if next.Earnings == nil {
		next.Earnings = map[string]decimal.Decimal{}
	}
	if next.AppliedIDs == nil {
		next.AppliedIDs = []string{}
	}

	earningsJSON, err := json.Marshal(next.Earnings)
	if err != nil {
		return nil, fmt.Errorf("marshal earnings: %w", err)
	}
	appliedJSON, err := json.Marshal(next.AppliedIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal applied ids: %w", err)
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal commit payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var result sql.Result
	if expected == 0 {
		result, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO ledgers
				(key, balance, version, earnings, applied_ids, last_synced_at, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		`, key, next.Balance.String(), string(earningsJSON), string(appliedJSON),
			sqlitedb.FormatTime(next.LastSyncedAt), sqlitedb.FormatTime(now), sqlitedb.FormatTime(now))
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE ledgers
			SET balance = ?, version = ?, earnings = ?, applied_ids = ?, last_synced_at = ?, updated_at = ?
			WHERE key = ? AND version = ?
		`, next.Balance.String(), next.Version, string(earningsJSON), string(appliedJSON),
			sqlitedb.FormatTime(next.LastSyncedAt), sqlitedb.FormatTime(now), key, expected)
	}
	if err != nil {
		return nil, fmt.Errorf("write ledger: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: ledger %s is not at version %d", types.ErrVersionConflict, key, expected)
	}

	entry := &types.CommitEntry{
		Key:         key,
		Version:     next.Version,
		Balance:     next.Balance,
		Payload:     payload,
		CommittedAt: now,
	}
	res, err := tx.ExecContext(ctx, insertCommitSQL, commitArgs(entry)...)
	if err != nil {
		return nil, fmt.Errorf("append commit log: %w", err)
	}
	if entry.Sequence, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entry, nil
}

// LedgerCount returns the number of ledgers.
func (s *SQLiteStore) LedgerCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledgers").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledgers: %w", err)
	}
	return n, nil
}

// BackupPath returns where GenerateBackup writes, or "" for in-memory databases.
func (s *SQLiteStore) BackupPath() string {
	if s.backupDir == "" {
		return ""
	}
	return filepath.Join(s.backupDir, "current.db")
}

// GenerateBackup writes a consistent copy of the database to BackupPath.
// The copy is built beside the target and renamed into place.
func (s *SQLiteStore) GenerateBackup(ctx context.Context) error {
	dest := s.BackupPath()
	if dest == "" {
		return ErrBackupUnsupported
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	tmp := dest + ".tmp"
	os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vacuum into %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move backup into place: %w", err)
	}
	return nil
}
