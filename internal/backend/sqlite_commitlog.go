package backend

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hyperengineering/ledgersync/internal/sqlitedb"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/shopspring/decimal"
)

const insertCommitSQL = `
	INSERT INTO commit_log (ledger_key, version, balance, payload, committed_at)
	VALUES (?, ?, ?, ?, ?)`

// commitArgs returns the SQL arguments for inserting a CommitEntry.
func commitArgs(e *types.CommitEntry) []any {
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	return []any{e.Key, e.Version, e.Balance.String(), payload, sqlitedb.FormatTime(e.CommittedAt)}
}

const selectCommitColumns = `
	SELECT sequence, ledger_key, version, balance, payload, committed_at
	FROM commit_log`

func scanCommits(rows *sql.Rows) ([]types.CommitEntry, error) {
	defer rows.Close()

	entries := make([]types.CommitEntry, 0)
	for rows.Next() {
		var e types.CommitEntry
		var balance, committedAt string
		var payload sql.NullString

		if err := rows.Scan(&e.Sequence, &e.Key, &e.Version, &balance, &payload, &committedAt); err != nil {
			return nil, fmt.Errorf("scan commit entry: %w", err)
		}
		var err error
		if e.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse commit balance %q: %w", balance, err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if e.CommittedAt, err = sqlitedb.ParseTime(committedAt); err != nil {
			slog.Warn("commit_log: failed to parse committed_at", "value", committedAt, "error", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCommitsAfter returns the ledger's commits with sequence > afterSeq, up to limit.
func (s *SQLiteStore) GetCommitsAfter(ctx context.Context, key string, afterSeq int64, limit int) ([]types.CommitEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCommitColumns+` WHERE ledger_key = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		key, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query commit log: %w", err)
	}
	return scanCommits(rows)
}

// LatestSequence returns the ledger's highest commit sequence, or 0.
func (s *SQLiteStore) LatestSequence(ctx context.Context, key string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM commit_log WHERE ledger_key = ?`, key).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// HeadSequence returns the highest commit sequence across all ledgers, or 0.
func (s *SQLiteStore) HeadSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM commit_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get head sequence: %w", err)
	}
	return seq.Int64, nil
}

const compactableWhere = `
	WHERE committed_at < ?
	  AND sequence NOT IN (SELECT MAX(sequence) FROM commit_log GROUP BY ledger_key)`

// CompactCommitLog deletes commits older than cutoff, always keeping each
// ledger's latest commit. When auditDir is set, deleted entries are first
// exported there as JSON lines.
func (s *SQLiteStore) CompactCommitLog(ctx context.Context, cutoff time.Time, auditDir string) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoffStr := sqlitedb.FormatTime(cutoff)

	var exported int64
	if auditDir != "" {
		rows, err := tx.QueryContext(ctx, selectCommitColumns+compactableWhere+` ORDER BY sequence ASC`, cutoffStr)
		if err != nil {
			return 0, 0, fmt.Errorf("query compactable commits: %w", err)
		}
		entries, err := scanCommits(rows)
		if err != nil {
			return 0, 0, err
		}
		if len(entries) > 0 {
			if err := writeAudit(auditDir, entries); err != nil {
				return 0, 0, err
			}
			exported = int64(len(entries))
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM commit_log`+compactableWhere, cutoffStr)
	if err != nil {
		return 0, 0, fmt.Errorf("delete compacted commits: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return exported, deleted, nil
}

func writeAudit(dir string, entries []types.CommitEntry) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	name := fmt.Sprintf("commit-log-%d-%d.jsonl", entries[0].Sequence, entries[len(entries)-1].Sequence)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("create audit file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}
	return f.Sync()
}

// SetLastCompaction records compaction metadata.
func (s *SQLiteStore) SetLastCompaction(ctx context.Context, sequence int64, timestamp time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `INSERT INTO backend_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, upsert, "last_compaction_seq", strconv.FormatInt(sequence, 10)); err != nil {
		return fmt.Errorf("set last_compaction_seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "last_compaction_at", sqlitedb.FormatTime(timestamp)); err != nil {
		return fmt.Errorf("set last_compaction_at: %w", err)
	}
	return tx.Commit()
}

// LastCompaction returns the recorded compaction metadata, zero if never run.
func (s *SQLiteStore) LastCompaction(ctx context.Context) (int64, time.Time, error) {
	var seqStr, atStr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT value FROM backend_meta WHERE key = 'last_compaction_seq'),
			(SELECT value FROM backend_meta WHERE key = 'last_compaction_at')
	`).Scan(&seqStr, &atStr)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("get last compaction: %w", err)
	}

	var seq int64
	var at time.Time
	if seqStr.Valid {
		seq, _ = strconv.ParseInt(seqStr.String, 10, 64)
	}
	if atStr.Valid {
		at, _ = sqlitedb.ParseTime(atStr.String)
	}
	return seq, at, nil
}
