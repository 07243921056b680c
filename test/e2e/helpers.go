package e2e

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/ledgersync/internal/api"
	"github.com/hyperengineering/ledgersync/internal/backend"
	"github.com/hyperengineering/ledgersync/internal/notify"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/hyperengineering/ledgersync/pkg/ledgersync"
	"github.com/shopspring/decimal"
)

const testAPIKey = "e2e-test-api-key"

// testServer is an in-process ledgersync server on a loopback port.
type testServer struct {
	svc *backend.Service
	url string
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	st, err := backend.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("backend store: %v", err)
	}
	hub := notify.NewHub()
	svc := backend.NewService(st, hub, nil, nil)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(svc, testAPIKey, "e2e")))

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		st.Close()
	})
	return &testServer{svc: svc, url: srv.URL}
}

// seed writes balance directly as the given number of commits so the
// ledger ends at that version.
func (s *testServer) seed(t *testing.T, key string, balance int64, versions int) {
	t.Helper()
	ctx := context.Background()
	for v := 0; v < versions; v++ {
		snap := types.EmptySnapshot()
		snap.Balance = decimal.NewFromInt(balance)
		if _, err := s.svc.Update(ctx, key, int64(v), snap); err != nil {
			t.Fatalf("seed v%d: %v", v+1, err)
		}
	}
}

func (s *testServer) ledger(t *testing.T, key string) types.LedgerSnapshot {
	t.Helper()
	snap, err := s.svc.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return snap
}

// credit commits amount on behalf of some other writer.
func (s *testServer) credit(ctx context.Context, key string, amount int64) error {
	cur, err := s.svc.Read(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		cur = types.EmptySnapshot()
	} else if err != nil {
		return err
	}
	next := cur.Clone()
	next.Balance = cur.Balance.Add(decimal.NewFromInt(amount))
	_, err = s.svc.Update(ctx, key, cur.Version, next)
	return err
}

// httpRemote returns a remote client speaking HTTP to s.
func (s *testServer) httpRemote() ledgersync.RemoteClient {
	return ledgersync.NewHTTPRemote(s.url, ledgersync.StaticToken(testAPIKey), 2*time.Second)
}

func newDevice(t *testing.T, rc ledgersync.RemoteClient, key string, mutate func(*ledgersync.Config)) *ledgersync.Client {
	t.Helper()
	cfg := ledgersync.Config{
		LocalPath:   filepath.Join(t.TempDir(), "device.db"),
		Key:         key,
		Remote:      rc,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := ledgersync.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func enqueue(t *testing.T, c *ledgersync.Client, kind ledgersync.MutationKind, amount int64) ledgersync.Mutation {
	t.Helper()
	m, err := c.Enqueue(context.Background(), ledgersync.MutationParams{
		Kind:   kind,
		Amount: decimal.NewFromInt(amount),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return m
}

func assertBalance(t *testing.T, snap types.LedgerSnapshot, balance int64, version int64) {
	t.Helper()
	if !snap.Balance.Equal(decimal.NewFromInt(balance)) || snap.Version != version {
		t.Errorf("snapshot = balance %s v%d, want %d v%d", snap.Balance, snap.Version, balance, version)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// interferingRemote lets another writer commit just before each of the
// device's next n commits, forcing version conflicts.
type interferingRemote struct {
	ledgersync.RemoteClient
	srv *testServer

	mu        sync.Mutex
	remaining int
}

func (r *interferingRemote) interfere(n int) {
	r.mu.Lock()
	r.remaining = n
	r.mu.Unlock()
}

func (r *interferingRemote) TransactionalUpdate(ctx context.Context, key string, expected int64, next types.LedgerSnapshot) error {
	r.mu.Lock()
	hit := r.remaining > 0
	if hit {
		r.remaining--
	}
	r.mu.Unlock()

	if hit {
		if err := r.srv.credit(ctx, key, 1); err != nil {
			return err
		}
	}
	return r.RemoteClient.TransactionalUpdate(ctx, key, expected, next)
}

// lostResponseRemote commits but reports the first commit as unavailable,
// as when a response is lost after the server applied it.
type lostResponseRemote struct {
	ledgersync.RemoteClient

	mu   sync.Mutex
	lost bool
}

func (r *lostResponseRemote) TransactionalUpdate(ctx context.Context, key string, expected int64, next types.LedgerSnapshot) error {
	err := r.RemoteClient.TransactionalUpdate(ctx, key, expected, next)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil && !r.lost {
		r.lost = true
		return types.ErrUnavailable
	}
	return err
}

// switchRemote delegates to a remote that can be replaced mid-test.
type switchRemote struct {
	mu sync.Mutex
	ledgersync.RemoteClient
}

func (r *switchRemote) set(rc ledgersync.RemoteClient) {
	r.mu.Lock()
	r.RemoteClient = rc
	r.mu.Unlock()
}

func (r *switchRemote) current() ledgersync.RemoteClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.RemoteClient
}

func (r *switchRemote) ReadSnapshot(ctx context.Context, key string) (types.LedgerSnapshot, error) {
	return r.current().ReadSnapshot(ctx, key)
}

func (r *switchRemote) TransactionalUpdate(ctx context.Context, key string, expected int64, next types.LedgerSnapshot) error {
	return r.current().TransactionalUpdate(ctx, key, expected, next)
}

func (r *switchRemote) Subscribe(ctx context.Context, key string) (<-chan types.LedgerSnapshot, error) {
	return r.current().Subscribe(ctx, key)
}

func decimalOf(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}
