// Package policy folds ledger mutations into a snapshot. Policies are pure:
// no I/O, no clock, no version bookkeeping.
package policy

import (
	"fmt"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// DefaultAppliedWindow is the number of recent mutation ids kept in a snapshot.
const DefaultAppliedWindow = 512

// Policy applies one mutation to a base snapshot.
type Policy interface {
	Apply(base types.LedgerSnapshot, m types.Mutation) (types.LedgerSnapshot, error)
}

// Windowed is implemented by policies that keep a bounded applied-id window.
// A commit may carry at most Window mutations, or its oldest ids fall out of
// the window before a lost response can be reconciled.
type Windowed interface {
	Window() int
}

// Additive is the default policy: credits and claims add, debits subtract.
// Mutations commute, so cross-device order does not matter.
type Additive struct {
	// StalenessWindow rejects a mutation whose base version trails the
	// snapshot by more than this many versions. Zero disables the check.
	StalenessWindow int64
	// AppliedWindow bounds Snapshot.AppliedIDs. Zero means DefaultAppliedWindow.
	AppliedWindow int
}

// Apply returns the snapshot with m folded in. base is never modified.
func (p Additive) Apply(base types.LedgerSnapshot, m types.Mutation) (types.LedgerSnapshot, error) {
	if p.StalenessWindow > 0 && base.Version-m.BaseVersion > p.StalenessWindow {
		return base, fmt.Errorf("%w: mutation %s based on v%d, ledger at v%d",
			types.ErrStaleMutation, m.ID, m.BaseVersion, base.Version)
	}

	next := base.Clone()
	category := m.Category
	if category == "" {
		category = types.DefaultCategory
	}

	switch {
	case m.Kind.Additive():
		next.Balance = next.Balance.Add(m.Amount)
		next.Earnings[category] = next.Earnings[category].Add(m.Amount)
	case m.Kind == types.KindDebit:
		balance := next.Balance.Sub(m.Amount)
		if balance.IsNegative() {
			return base, fmt.Errorf("%w: debit %s exceeds balance %s",
				types.ErrInsufficientBalance, m.Amount, base.Balance)
		}
		next.Balance = balance
	default:
		return base, fmt.Errorf("%w: unknown kind %q", types.ErrInvalidMutation, m.Kind)
	}

	next.AppliedIDs = appendWindow(next.AppliedIDs, m.ID, p.Window())
	return next, nil
}

// Window returns the effective applied-id window size.
func (p Additive) Window() int {
	if p.AppliedWindow <= 0 {
		return DefaultAppliedWindow
	}
	return p.AppliedWindow
}

// AlreadyApplied reports whether id is already folded into base.
func AlreadyApplied(base types.LedgerSnapshot, id string) bool {
	return base.HasApplied(id)
}

func appendWindow(ids []string, id string, max int) []string {
	ids = append(ids, id)
	if over := len(ids) - max; over > 0 {
		ids = ids[over:]
	}
	return ids
}
