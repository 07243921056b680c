package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	"github.com/hyperengineering/ledgersync/internal/sqlitedb"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/shopspring/decimal"
)

const selectMutationColumns = `
	SELECT id, kind, amount, category, origin, base_version, created_at, attempts, last_error
	FROM mutations`

const mutationOrder = ` ORDER BY created_at ASC, seq ASC`

// Enqueue durably appends a mutation to the log. Re-enqueueing an id that is
// already queued is a no-op and returns false.
func (s *SQLiteStore) Enqueue(ctx context.Context, m types.Mutation) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mutations (id, kind, amount, category, origin, base_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Kind), m.Amount.String(), m.Category, m.Origin, m.BaseVersion,
		sqlitedb.FormatTime(m.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("enqueue mutation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n == 1, nil
}

// PeekBatch returns up to max queued mutations in creation order. Rows are
// streamed lazily; each range over the sequence re-runs the query.
func (s *SQLiteStore) PeekBatch(ctx context.Context, max int) iter.Seq2[types.Mutation, error] {
	return func(yield func(types.Mutation, error) bool) {
		rows, err := s.db.QueryContext(ctx, selectMutationColumns+mutationOrder+" LIMIT ?", max)
		if err != nil {
			yield(types.Mutation{}, fmt.Errorf("query mutations: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMutation(rows)
			if err != nil {
				yield(types.Mutation{}, err)
				return
			}
			if !yield(*m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(types.Mutation{}, fmt.Errorf("iterate mutations: %w", err))
		}
	}
}

// Acknowledge removes confirmed mutations. Returns the number removed.
func (s *SQLiteStore) Acknowledge(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM mutations WHERE id IN ("+placeholders(len(ids))+")", stringArgs(ids)...)
	if err != nil {
		return 0, fmt.Errorf("acknowledge mutations: %w", err)
	}
	return result.RowsAffected()
}

// Requeue keeps unconfirmed mutations for retry, incrementing their attempt
// counter and recording reason. Returns the updated entries.
func (s *SQLiteStore) Requeue(ctx context.Context, ids []string, reason string) ([]types.Mutation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	args := append([]any{reason}, stringArgs(ids)...)
	if _, err := tx.ExecContext(ctx,
		"UPDATE mutations SET attempts = attempts + 1, last_error = ? WHERE id IN ("+placeholders(len(ids))+")",
		args...); err != nil {
		return nil, fmt.Errorf("requeue mutations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectMutationColumns+" WHERE id IN ("+placeholders(len(ids))+")"+mutationOrder,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query requeued mutations: %w", err)
	}
	updated, err := collectMutations(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

// Pending returns the number of queued mutations.
func (s *SQLiteStore) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

// List returns up to limit queued mutations in creation order.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]types.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, selectMutationColumns+mutationOrder+" LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	return collectMutations(rows)
}

// Exhausted returns queued mutations whose attempts reached maxAttempts.
// They stay queued; callers surface them as data-quality problems.
func (s *SQLiteStore) Exhausted(ctx context.Context, maxAttempts int) ([]types.Mutation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectMutationColumns+" WHERE attempts >= ?"+mutationOrder, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("query exhausted mutations: %w", err)
	}
	return collectMutations(rows)
}

// QueueStats summarizes the mutation log.
func (s *SQLiteStore) QueueStats(ctx context.Context, maxAttempts int) (*types.QueueStats, error) {
	var stats types.QueueStats
	var oldest sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN attempts >= ? THEN 1 ELSE 0 END), 0),
		       MIN(created_at)
		FROM mutations
	`, maxAttempts).Scan(&stats.Pending, &stats.Exhausted, &oldest)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}

	if oldest.Valid {
		if t, err := sqlitedb.ParseTime(oldest.String); err == nil {
			stats.OldestCreatedAt = &t
		}
	}
	return &stats, nil
}

func collectMutations(rows *sql.Rows) ([]types.Mutation, error) {
	defer rows.Close()

	out := make([]types.Mutation, 0)
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// scanMutation scans one row of selectMutationColumns.
func scanMutation(scanner interface{ Scan(...any) error }) (*types.Mutation, error) {
	var m types.Mutation
	var kind, amount, createdAt string
	var lastError sql.NullString

	if err := scanner.Scan(&m.ID, &kind, &amount, &m.Category, &m.Origin,
		&m.BaseVersion, &createdAt, &m.Attempts, &lastError); err != nil {
		return nil, fmt.Errorf("scan mutation: %w", err)
	}

	m.Kind = types.MutationKind(kind)
	var err error
	if m.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("%w: amount %q for mutation %s", ErrCorruptValue, amount, m.ID)
	}
	if m.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("%w: created_at %q for mutation %s", ErrCorruptValue, createdAt, m.ID)
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	return &m, nil
}
