// Package notify fans out ledger change notifications to subscribers.
package notify

import (
	"context"
	"sync"

	"github.com/hyperengineering/ledgersync/internal/types"
)

// Publisher announces that a ledger committed a new snapshot.
type Publisher interface {
	Publish(ctx context.Context, key string, snap types.LedgerSnapshot) error
}

// Hub delivers snapshots to in-process subscribers. Each subscription is a
// one-slot channel that always holds the latest snapshot; slow readers skip
// intermediate versions rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan types.LedgerSnapshot]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan types.LedgerSnapshot]struct{})}
}

// Subscribe registers for changes to key. The returned cancel func removes
// the subscription and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(key string) (<-chan types.LedgerSnapshot, func()) {
	ch := make(chan types.LedgerSnapshot, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan types.LedgerSnapshot]struct{})
	}
	h.subs[key][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[key][ch]; !ok {
				return
			}
			delete(h.subs[key], ch)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			close(ch)
		})
	}
}

// Publish offers snap to every subscriber of key.
func (h *Hub) Publish(_ context.Context, key string, snap types.LedgerSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[key] {
		Offer(ch, snap)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, chans := range h.subs {
		for ch := range chans {
			close(ch)
		}
		delete(h.subs, key)
	}
}

// Offer places snap in a one-slot channel without blocking, replacing any
// snapshot the reader has not taken yet. The caller must be the only sender.
func Offer(ch chan types.LedgerSnapshot, snap types.LedgerSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
