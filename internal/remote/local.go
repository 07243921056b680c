package remote

import (
	"context"
	"sync/atomic"

	"github.com/hyperengineering/ledgersync/internal/backend"
	"github.com/hyperengineering/ledgersync/internal/types"
)

// Local is an in-process Client over a backend.Service. It can be switched
// offline to exercise the engine's unavailable paths without a network.
type Local struct {
	svc     *backend.Service
	tokens  TokenSource
	offline atomic.Bool
}

// NewLocal creates a Local client. A nil tokens source skips authentication.
func NewLocal(svc *backend.Service, tokens TokenSource) *Local {
	return &Local{svc: svc, tokens: tokens}
}

// SetOnline toggles simulated connectivity.
func (l *Local) SetOnline(online bool) {
	l.offline.Store(!online)
}

func (l *Local) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.offline.Load() {
		return types.ErrUnavailable
	}
	_, err := token(ctx, l.tokens)
	return err
}

// ReadSnapshot returns the ledger's snapshot.
func (l *Local) ReadSnapshot(ctx context.Context, key string) (types.LedgerSnapshot, error) {
	if err := l.check(ctx); err != nil {
		return types.LedgerSnapshot{}, err
	}
	return l.svc.Read(ctx, key)
}

// TransactionalUpdate commits next if the ledger is at expectedVersion.
func (l *Local) TransactionalUpdate(ctx context.Context, key string, expectedVersion int64, next types.LedgerSnapshot) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	_, err := l.svc.Update(ctx, key, expectedVersion, next)
	return err
}

// Subscribe streams committed snapshots until ctx is done. Simulated
// connectivity does not interrupt an established subscription.
func (l *Local) Subscribe(ctx context.Context, key string) (<-chan types.LedgerSnapshot, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	return l.svc.Subscribe(ctx, key)
}
