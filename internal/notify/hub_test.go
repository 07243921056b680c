package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/nats-io/nats.go"
)

func snapAt(version int64) types.LedgerSnapshot {
	s := types.EmptySnapshot()
	s.Version = version
	return s
}

func receive(t *testing.T, ch <-chan types.LedgerSnapshot) types.LedgerSnapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return types.LedgerSnapshot{}
	}
}

func TestHub_PublishDeliversToKeySubscribers(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	alice, cancelAlice := h.Subscribe("alice")
	defer cancelAlice()
	bob, cancelBob := h.Subscribe("bob")
	defer cancelBob()

	h.Publish(ctx, "alice", snapAt(3))

	if got := receive(t, alice); got.Version != 3 {
		t.Errorf("Expected version 3, got %d", got.Version)
	}
	select {
	case s := <-bob:
		t.Errorf("Expected nothing for bob, got %+v", s)
	default:
	}
}

func TestHub_LatestWins(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	for v := int64(1); v <= 5; v++ {
		h.Publish(ctx, "alice", snapAt(v))
	}

	if got := receive(t, ch); got.Version != 5 {
		t.Errorf("Expected latest version 5, got %d", got.Version)
	}
	select {
	case s := <-ch:
		t.Errorf("Expected a single pending snapshot, got another %+v", s)
	default:
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("alice")

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after cancel")
	}
	if n := h.Subscribers("alice"); n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}

	// Publishing after cancel must not panic.
	h.Publish(context.Background(), "alice", snapAt(1))
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("alice")

	h.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after hub close")
	}
	late, _ := h.Subscribe("alice")
	if _, ok := <-late; ok {
		t.Error("Expected subscriptions after close to be closed")
	}
}

func TestHub_ConcurrentPublishAndCancel(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		ch, cancel := h.Subscribe("alice")
		go func() {
			defer wg.Done()
			for v := int64(0); v < 50; v++ {
				h.Publish(ctx, "alice", snapAt(v))
			}
		}()
		go func() {
			defer wg.Done()
			<-ch
			cancel()
		}()
	}
	wg.Wait()
}

func TestNATSBridge_HandleFeedsHub(t *testing.T) {
	h := NewHub()
	b := &NATSBridge{prefix: "test.ledger", hub: h}
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	if got := b.Subject("alice"); got != "test.ledger.alice" {
		t.Errorf("Subject() = %q", got)
	}

	b.handle(&nats.Msg{Subject: "test.ledger.alice", Data: []byte(`{"balance":"15","version":4,"last_synced_at":"2026-01-01T00:00:00Z"}`)})

	got := receive(t, ch)
	if got.Version != 4 || got.Balance.String() != "15" {
		t.Errorf("Unexpected snapshot: %+v", got)
	}
}

func TestNATSBridge_HandleDropsMalformed(t *testing.T) {
	h := NewHub()
	b := &NATSBridge{prefix: "test.ledger", hub: h}
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	b.handle(&nats.Msg{Subject: "test.ledger.alice", Data: []byte(`not json`)})

	select {
	case s := <-ch:
		t.Errorf("Expected malformed message dropped, got %+v", s)
	default:
	}
}
