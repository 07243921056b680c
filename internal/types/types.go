package types

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// MutationKind represents the kind of ledger change a mutation carries.
type MutationKind string

const (
	KindCredit MutationKind = "credit"
	KindDebit  MutationKind = "debit"
	KindClaim  MutationKind = "claim"
)

// MutationKinds lists every accepted mutation kind.
var MutationKinds = []string{string(KindCredit), string(KindDebit), string(KindClaim)}

// Valid reports whether k is a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindClaim:
		return true
	}
	return false
}

// Additive reports whether the kind increases the balance.
func (k MutationKind) Additive() bool {
	return k == KindCredit || k == KindClaim
}

// DefaultCategory is the earnings bucket used when a mutation names none.
const DefaultCategory = "general"

// LedgerSnapshot is the authoritative balance record plus its version counter.
type LedgerSnapshot struct {
	Balance      decimal.Decimal            `json:"balance"`
	Version      int64                      `json:"version"`
	LastSyncedAt time.Time                  `json:"last_synced_at"`
	Earnings     map[string]decimal.Decimal `json:"earnings,omitempty"`
	AppliedIDs   []string                   `json:"applied_ids,omitempty"`
}

// EmptySnapshot returns the snapshot of a user with no remote record yet.
func EmptySnapshot() LedgerSnapshot {
	return LedgerSnapshot{
		Balance:  decimal.Zero,
		Earnings: map[string]decimal.Decimal{},
	}
}

// Clone returns a deep copy so policy code never aliases the caller's maps.
func (s LedgerSnapshot) Clone() LedgerSnapshot {
	out := s
	out.Earnings = make(map[string]decimal.Decimal, len(s.Earnings))
	for k, v := range s.Earnings {
		out.Earnings[k] = v
	}
	out.AppliedIDs = slices.Clone(s.AppliedIDs)
	return out
}

// HasApplied reports whether the mutation id is already folded into the snapshot.
func (s LedgerSnapshot) HasApplied(id string) bool {
	return slices.Contains(s.AppliedIDs, id)
}

// Mutation is a pending local change not yet confirmed by the remote store.
type Mutation struct {
	ID          string          `json:"id"`
	Kind        MutationKind    `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Origin      string          `json:"origin"`
	CreatedAt   time.Time       `json:"created_at"`
	BaseVersion int64           `json:"base_version"`
	Attempts    int             `json:"attempts,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// SyncPhase is a state of the sync engine's state machine.
type SyncPhase string

const (
	PhaseIdle       SyncPhase = "idle"
	PhaseReading    SyncPhase = "reading"
	PhaseApplying   SyncPhase = "applying"
	PhaseCommitting SyncPhase = "committing"
	PhaseDraining   SyncPhase = "draining"
	PhaseBackoff    SyncPhase = "backoff"
	PhaseFailed     SyncPhase = "failed"
)

// Connectivity is the last known network reachability.
type Connectivity string

const (
	ConnectivityUnknown Connectivity = "unknown"
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
)

// SyncState is process-wide sync bookkeeping, checkpointed best-effort.
type SyncState struct {
	LastAttemptAt       time.Time    `json:"last_attempt_at"`
	LastSuccessAt       time.Time    `json:"last_success_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Connectivity        Connectivity `json:"connectivity"`
}

// SyncStatus is delivered to status listeners whenever the sync state changes.
type SyncStatus struct {
	Phase     SyncPhase      `json:"phase"`
	Trigger   string         `json:"trigger,omitempty"`
	State     SyncState      `json:"state"`
	Pending   int            `json:"pending"`
	LastError string         `json:"last_error,omitempty"`
	Exhausted []string       `json:"exhausted,omitempty"`
	Snapshot  LedgerSnapshot `json:"snapshot"`
}

// Checkpoint records an in-flight commit so a restarted process can resume.
type Checkpoint struct {
	ExpectedVersion int64     `json:"expected_version"`
	MutationIDs     []string  `json:"mutation_ids"`
	StartedAt       time.Time `json:"started_at"`
}

// QueueStats summarizes the local mutation log.
type QueueStats struct {
	Pending         int        `json:"pending"`
	Exhausted       int        `json:"exhausted"`
	OldestCreatedAt *time.Time `json:"oldest_created_at,omitempty"`
}

// CommitEntry is one accepted transactional update in the remote commit log.
type CommitEntry struct {
	Sequence    int64           `json:"sequence"`
	Key         string          `json:"key"`
	Version     int64           `json:"version"`
	Balance     decimal.Decimal `json:"balance"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// UpdateRequest is the body of a conditional ledger write.
type UpdateRequest struct {
	ExpectedVersion int64          `json:"expected_version"`
	Snapshot        LedgerSnapshot `json:"snapshot"`
}

// UpdateResponse is returned when a conditional write commits.
type UpdateResponse struct {
	Version     int64     `json:"version"`
	CommittedAt time.Time `json:"committed_at"`
}

// HistoryResponse lists commit log entries for a ledger.
type HistoryResponse struct {
	Entries        []CommitEntry `json:"entries"`
	LatestSequence int64         `json:"latest_sequence"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	LedgerCount int64  `json:"ledger_count"`
}
