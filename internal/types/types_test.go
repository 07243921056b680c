package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMutationKind_Valid(t *testing.T) {
	tests := []struct {
		kind MutationKind
		want bool
	}{
		{KindCredit, true},
		{KindDebit, true},
		{KindClaim, true},
		{"refund", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("MutationKind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestMutationKind_Additive(t *testing.T) {
	if !KindCredit.Additive() || !KindClaim.Additive() {
		t.Error("credit and claim should be additive")
	}
	if KindDebit.Additive() {
		t.Error("debit should not be additive")
	}
}

func TestEmptySnapshot(t *testing.T) {
	s := EmptySnapshot()
	if !s.Balance.IsZero() {
		t.Errorf("Expected zero balance, got %s", s.Balance)
	}
	if s.Version != 0 {
		t.Errorf("Expected version 0, got %d", s.Version)
	}
	if s.Earnings == nil {
		t.Error("Expected non-nil earnings map")
	}
}

func TestLedgerSnapshot_CloneDoesNotAlias(t *testing.T) {
	orig := LedgerSnapshot{
		Balance:    decimal.NewFromInt(10),
		Version:    3,
		Earnings:   map[string]decimal.Decimal{"mining": decimal.NewFromInt(10)},
		AppliedIDs: []string{"a"},
	}

	clone := orig.Clone()
	clone.Earnings["mining"] = decimal.NewFromInt(99)
	clone.AppliedIDs[0] = "b"

	if !orig.Earnings["mining"].Equal(decimal.NewFromInt(10)) {
		t.Errorf("Clone aliased earnings map: %s", orig.Earnings["mining"])
	}
	if orig.AppliedIDs[0] != "a" {
		t.Errorf("Clone aliased applied ids: %v", orig.AppliedIDs)
	}
}

func TestLedgerSnapshot_HasApplied(t *testing.T) {
	s := LedgerSnapshot{AppliedIDs: []string{"m1", "m2"}}
	if !s.HasApplied("m2") {
		t.Error("Expected m2 to be applied")
	}
	if s.HasApplied("m3") {
		t.Error("Expected m3 not to be applied")
	}
}

func TestLedgerSnapshot_JSONBalanceAsString(t *testing.T) {
	s := LedgerSnapshot{Balance: decimal.RequireFromString("17.25"), Version: 4}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["balance"] != "17.25" {
		t.Errorf("Expected balance encoded as string \"17.25\", got %v", raw["balance"])
	}

	var back LedgerSnapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Balance.Equal(s.Balance) {
		t.Errorf("Expected balance %s, got %s", s.Balance, back.Balance)
	}
}

func TestRetryLimitError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("sync: %w", &RetryLimitError{IDs: []string{"m1"}, MaxAttempts: 5})

	if !errors.Is(err, ErrRetryLimitExceeded) {
		t.Error("Expected errors.Is(err, ErrRetryLimitExceeded)")
	}

	var rle *RetryLimitError
	if !errors.As(err, &rle) {
		t.Fatal("Expected errors.As to find RetryLimitError")
	}
	if len(rle.IDs) != 1 || rle.IDs[0] != "m1" {
		t.Errorf("Unexpected ids: %v", rle.IDs)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("read: %w", ErrUnavailable), true},
		{ErrVersionConflict, true},
		{ErrUnauthenticated, false},
		{ErrStaleMutation, false},
		{errors.New("boom"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
