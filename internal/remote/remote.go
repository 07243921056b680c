// Package remote is the sync engine's view of the authoritative ledger store.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// Client reads and conditionally writes one user's ledger record.
//
// Errors: types.ErrUnavailable (no connectivity, timeout, server failure),
// types.ErrUnauthenticated (no token), types.ErrNotFound (no record yet) and
// types.ErrVersionConflict (another writer advanced the version). A cancelled
// caller context is returned as ctx.Err().
type Client interface {
	ReadSnapshot(ctx context.Context, key string) (types.LedgerSnapshot, error)
	TransactionalUpdate(ctx context.Context, key string, expectedVersion int64, next types.LedgerSnapshot) error
	// Subscribe delivers committed snapshots until ctx is done, reconnecting
	// after interruptions. The channel is closed when the stream ends.
	Subscribe(ctx context.Context, key string) (<-chan types.LedgerSnapshot, error)
}

// TokenSource supplies the auth token attached to every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token. The empty token is treated as signed out.
type StaticToken string

// Token returns the token or types.ErrUnauthenticated when empty.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", types.ErrUnauthenticated
	}
	return string(t), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// token resolves a token, folding every failure into types.ErrUnauthenticated.
func token(ctx context.Context, ts TokenSource) (string, error) {
	if ts == nil {
		return "", nil
	}
	tok, err := ts.Token(ctx)
	if err != nil {
		if errors.Is(err, types.ErrUnauthenticated) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", types.ErrUnauthenticated, err)
	}
	if tok == "" {
		return "", types.ErrUnauthenticated
	}
	return tok, nil
}
