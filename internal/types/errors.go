package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable is transient: no connectivity, timeout, or server failure.
	ErrUnavailable = errors.New("remote store unavailable")
	// ErrUnauthenticated halts sync until the token source yields a token again.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means the user has no remote record yet.
	ErrNotFound = errors.New("ledger not found")
	// ErrVersionConflict means another writer advanced the version first.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStaleMutation means the mutation's base version is outside the staleness window.
	ErrStaleMutation = errors.New("stale mutation")
	// ErrInsufficientBalance means applying a debit would make the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidMutation means the mutation failed validation.
	ErrInvalidMutation = errors.New("invalid mutation")
	// ErrInvalidLedgerKey means the per-user record key is malformed.
	ErrInvalidLedgerKey = errors.New("invalid ledger key")
	// ErrRetryLimitExceeded is a non-fatal sync failure; the affected data stays queued.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
	// ErrSyncInProgress is returned by synchronous sync requests while a run is active.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// RetryLimitError names the mutations that reached the attempt cap.
// It matches ErrRetryLimitExceeded with errors.Is.
type RetryLimitError struct {
	IDs         []string
	MaxAttempts int
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("%s: %d mutation(s) reached %d attempts: %s",
		ErrRetryLimitExceeded, len(e.IDs), e.MaxAttempts, strings.Join(e.IDs, ","))
}

func (e *RetryLimitError) Is(target error) bool {
	return target == ErrRetryLimitExceeded
}

// IsRetryable reports whether a sync failure will resolve on a later attempt
// without outside intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrVersionConflict)
}
