package engine

import (
	"context"
	"sync"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// fakeRemote is an in-memory authoritative record with scripted failures.
type fakeRemote struct {
	mu      sync.Mutex
	snap    *types.LedgerSnapshot
	reads   int
	updates int
	commits int

	readErrs   []error
	updateErrs []error
	// beforeUpdate runs (unlocked) ahead of the version check, e.g. to let
	// another device commit first.
	beforeUpdate func()
	// loseResponse makes the next successful commit report ErrUnavailable.
	loseResponse bool
}

func newFakeRemote(snap *types.LedgerSnapshot) *fakeRemote {
	return &fakeRemote{snap: snap}
}

func (f *fakeRemote) ReadSnapshot(ctx context.Context, key string) (types.LedgerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		if err != nil {
			return types.LedgerSnapshot{}, err
		}
	}
	if f.snap == nil {
		return types.LedgerSnapshot{}, types.ErrNotFound
	}
	return f.snap.Clone(), nil
}

func (f *fakeRemote) TransactionalUpdate(ctx context.Context, key string, expected int64, next types.LedgerSnapshot) error {
	f.mu.Lock()
	hook := f.beforeUpdate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return err
		}
	}

	var current int64
	if f.snap != nil {
		current = f.snap.Version
	}
	if current != expected {
		return types.ErrVersionConflict
	}
	committed := next.Clone()
	committed.Version = expected + 1
	f.snap = &committed
	f.commits++

	if f.loseResponse {
		f.loseResponse = false
		return types.ErrUnavailable
	}
	return nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, key string) (<-chan types.LedgerSnapshot, error) {
	ch := make(chan types.LedgerSnapshot)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// commitOther simulates another device committing a credit.
func (f *fakeRemote) commitOther(id string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.snap.Clone()
	next.Balance = next.Balance.Add(decimalInt(amount))
	next.Version++
	next.AppliedIDs = append(next.AppliedIDs, id)
	f.snap = &next
}

func (f *fakeRemote) current() types.LedgerSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		return types.LedgerSnapshot{}
	}
	return f.snap.Clone()
}
