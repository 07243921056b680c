package ledgersync

import (
	"time"

	"github.com/hyperengineering/ledgersync/internal/engine"
	"github.com/hyperengineering/ledgersync/internal/policy"
	"github.com/hyperengineering/ledgersync/internal/remote"
	"github.com/hyperengineering/ledgersync/internal/scheduler"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/shopspring/decimal"
)

// Re-exported so callers never import internal packages.
type (
	LedgerSnapshot = types.LedgerSnapshot
	Mutation       = types.Mutation
	MutationKind   = types.MutationKind
	SyncStatus     = types.SyncStatus
	SyncState      = types.SyncState
	SyncPhase      = types.SyncPhase
	QueueStats     = types.QueueStats
	Result         = engine.Result
	RemoteClient   = remote.Client
	TokenSource    = remote.TokenSource
	Policy         = policy.Policy
	Recorder       = scheduler.Recorder
)

const (
	KindCredit = types.KindCredit
	KindDebit  = types.KindDebit
	KindClaim  = types.KindClaim
)

var (
	ErrUnavailable         = types.ErrUnavailable
	ErrUnauthenticated     = types.ErrUnauthenticated
	ErrVersionConflict     = types.ErrVersionConflict
	ErrStaleMutation       = types.ErrStaleMutation
	ErrInsufficientBalance = types.ErrInsufficientBalance
	ErrInvalidMutation     = types.ErrInvalidMutation
	ErrRetryLimitExceeded  = types.ErrRetryLimitExceeded
	ErrSyncInProgress      = types.ErrSyncInProgress
)

// Config holds the ledgersync client configuration
type Config struct {
	LocalPath string       // Local SQLite database path
	Key       string       // Per-user remote record key
	Remote    RemoteClient // Authoritative store (see NewHTTPRemote)

	// Policy folds mutations into snapshots. Default: additive with the
	// staleness and applied-id windows below.
	Policy          Policy
	StalenessWindow int64
	AppliedWindow   int

	// BatchSize bounds mutations per commit. It never exceeds the policy's
	// applied-id window.
	BatchSize             int
	MaxConflictRetries    int
	MaxUnavailableRetries int
	MaxAttempts           int
	BackoffBase           time.Duration
	BackoffMax            time.Duration

	SyncInterval    time.Duration // Periodic trigger (default: 5 minutes)
	MinSyncInterval time.Duration // Periodic throttle (default: 30 seconds)

	// WatchRemote follows the remote change stream and refreshes the cache
	// when another device commits.
	WatchRemote bool

	Recorder Recorder // Optional run metrics
}

// MutationParams describes a change to enqueue.
type MutationParams struct {
	// ID makes redelivery idempotent. Generated when empty.
	ID       string
	Kind     MutationKind
	Amount   decimal.Decimal
	Category string // Default: "general"
}

// Stats summarizes the client's local state.
type Stats struct {
	DeviceID string         `json:"device_id"`
	Queue    QueueStats     `json:"queue"`
	Status   SyncStatus     `json:"status"`
	Snapshot LedgerSnapshot `json:"snapshot"`
}

// NewHTTPRemote returns a RemoteClient for a ledgersync server.
func NewHTTPRemote(baseURL string, tokens TokenSource, timeout time.Duration) RemoteClient {
	return remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: baseURL,
		Tokens:  tokens,
		Timeout: timeout,
	})
}

// StaticToken is a TokenSource for a fixed bearer token.
func StaticToken(token string) TokenSource {
	return remote.StaticToken(token)
}
