package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/ledgersync/internal/types"
)

func (s *SQLiteStore) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// SaveCheckpoint records the commit about to be attempted.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.setMeta(ctx, metaCheckpoint, string(data))
}

// LoadCheckpoint returns the in-flight commit checkpoint, or ErrNoCheckpoint.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	value, err := s.getMeta(ctx, metaCheckpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, err
	}

	var cp types.Checkpoint
	if err := json.Unmarshal([]byte(value), &cp); err != nil {
		return nil, fmt.Errorf("%w: checkpoint: %v", ErrCorruptValue, err)
	}
	return &cp, nil
}

// ClearCheckpoint removes the commit checkpoint. Clearing an absent
// checkpoint is not an error.
func (s *SQLiteStore) ClearCheckpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_meta WHERE key = ?", metaCheckpoint); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// SaveSyncState persists sync bookkeeping.
func (s *SQLiteStore) SaveSyncState(ctx context.Context, st types.SyncState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal sync state: %w", err)
	}
	return s.setMeta(ctx, metaSyncState, string(data))
}

// LoadSyncState returns persisted sync bookkeeping. A fresh install returns
// the zero state with unknown connectivity.
func (s *SQLiteStore) LoadSyncState(ctx context.Context) (types.SyncState, error) {
	st := types.SyncState{Connectivity: types.ConnectivityUnknown}

	value, err := s.getMeta(ctx, metaSyncState)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, err
	}

	if err := json.Unmarshal([]byte(value), &st); err != nil {
		return types.SyncState{Connectivity: types.ConnectivityUnknown},
			fmt.Errorf("%w: sync state: %v", ErrCorruptValue, err)
	}
	if st.Connectivity == "" {
		st.Connectivity = types.ConnectivityUnknown
	}
	return st, nil
}
