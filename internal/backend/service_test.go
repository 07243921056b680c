package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/ledgersync/internal/notify"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/shopspring/decimal"
)

type mockRecorder struct {
	mu        sync.Mutex
	accepted  int
	conflicts int
}

func (m *mockRecorder) CommitAccepted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted++
}

func (m *mockRecorder) CommitConflicted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, types.LedgerSnapshot) error {
	return errors.New("broker down")
}

func newTestService(t *testing.T) (*Service, *notify.Hub, *mockRecorder) {
	t.Helper()
	hub := notify.NewHub()
	rec := &mockRecorder{}
	return NewService(newTestStore(t), hub, nil, rec), hub, rec
}

func TestService_UpdatePublishesToSubscribers(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := svc.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Update(ctx, "alice", 0, balance("10"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Version != 1 {
		t.Errorf("Expected version 1, got %d", resp.Version)
	}

	select {
	case snap := <-ch:
		if snap.Version != 1 || !snap.Balance.Equal(decimal.NewFromInt(10)) {
			t.Errorf("Unexpected published snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published snapshot")
	}

	if rec.accepted != 1 {
		t.Errorf("Expected 1 accepted commit recorded, got %d", rec.accepted)
	}
}

func TestService_UpdateConflictRecorded(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	svc.Update(ctx, "alice", 0, balance("10"))

	_, err := svc.Update(ctx, "alice", 0, balance("11"))
	if !errors.Is(err, types.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
	if rec.conflicts != 1 {
		t.Errorf("Expected 1 conflict recorded, got %d", rec.conflicts)
	}
}

func TestService_UpdateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		key      string
		expected int64
		snap     types.LedgerSnapshot
		wantErr  error
	}{
		{"bad key", "a/b", 0, balance("1"), types.ErrInvalidLedgerKey},
		{"negative expected", "alice", -1, balance("1"), types.ErrInvalidMutation},
		{"negative balance", "alice", 0, balance("-1"), types.ErrInvalidMutation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Update(ctx, tt.key, tt.expected, tt.snap)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestService_PublishFailureDoesNotFailCommit(t *testing.T) {
	hub := notify.NewHub()
	svc := NewService(newTestStore(t), hub, failingPublisher{}, nil)

	if _, err := svc.Update(context.Background(), "alice", 0, balance("1")); err != nil {
		t.Errorf("Expected commit to succeed despite publish failure, got %v", err)
	}
}

func TestService_History(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for v := int64(0); v < 3; v++ {
		if _, err := svc.Update(ctx, "alice", v, balance("1")); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := svc.History(ctx, "alice", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 3 {
		t.Errorf("Expected 3 entries, got %d", len(resp.Entries))
	}
	if resp.LatestSequence != resp.Entries[2].Sequence {
		t.Errorf("Expected latest sequence %d, got %d", resp.Entries[2].Sequence, resp.LatestSequence)
	}
}

func TestService_SubscribeEndsWithContext(t *testing.T) {
	svc, hub, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := svc.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription to close")
	}
	if hub.Subscribers("alice") != 0 {
		t.Error("Expected subscription removed from hub")
	}
}
