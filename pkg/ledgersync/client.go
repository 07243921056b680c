// Package ledgersync is the on-device entry point: collaborators enqueue
// ledger mutations and read the cached snapshot while a background
// scheduler reconciles with the remote store.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/ledgersync/internal/engine"
	"github.com/hyperengineering/ledgersync/internal/policy"
	"github.com/hyperengineering/ledgersync/internal/scheduler"
	"github.com/hyperengineering/ledgersync/internal/store"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/hyperengineering/ledgersync/internal/validation"
	"github.com/oklog/ulid/v2"
)

// ErrClosed is returned by every operation after Shutdown.
var ErrClosed = errors.New("ledgersync client is closed")

// Client owns the local store, the sync engine and its scheduler.
type Client struct {
	config   Config
	store    *store.SQLiteStore
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	deviceID string
	now      func() time.Time

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the local store and wires the sync engine. Nothing touches the
// network until Start.
func New(config Config) (*Client, error) {
	if config.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	if config.Remote == nil {
		return nil, errors.New("Remote is required")
	}
	if err := validation.CheckLedgerKey(config.Key); err != nil {
		return nil, err
	}
	if config.Policy == nil {
		config.Policy = policy.Additive{
			StalenessWindow: config.StalenessWindow,
			AppliedWindow:   config.AppliedWindow,
		}
	}

	st, err := store.NewSQLiteStore(config.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	deviceID, err := st.DeviceID(context.Background())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load device id: %w", err)
	}

	eng := engine.New(st, config.Remote, config.Policy, engine.Config{
		Key:                   config.Key,
		BatchSize:             config.BatchSize,
		MaxConflictRetries:    config.MaxConflictRetries,
		MaxUnavailableRetries: config.MaxUnavailableRetries,
		MaxAttempts:           config.MaxAttempts,
		BackoffBase:           config.BackoffBase,
		BackoffMax:            config.BackoffMax,
	})
	sched := scheduler.New(eng, st, scheduler.Config{
		Interval:    config.SyncInterval,
		MinInterval: config.MinSyncInterval,
		MaxAttempts: eng.Config().MaxAttempts,
	}, config.Recorder)

	return &Client{
		config:   config,
		store:    st,
		engine:   eng,
		sched:    sched,
		deviceID: deviceID,
		now:      time.Now,
	}, nil
}

// DeviceID returns this install's mutation origin.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Start resumes any interrupted sync and begins background scheduling.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}
	c.started = true
	c.cancel = cancel

	if c.config.WatchRemote {
		c.wg.Add(1)
		go c.watchRemote(runCtx)
	}

	slog.Info("ledgersync client started",
		"component", "client",
		"action", "started",
		"ledger", c.config.Key,
		"device_id", c.deviceID,
	)
	return nil
}

// Shutdown stops background sync and closes the local store. A run in
// progress is cancelled; queued mutations survive for the next Start.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if started {
		cancel()
		c.sched.Stop()
		c.wg.Wait()
	}

	slog.Info("ledgersync client stopped", "component", "client", "action", "stopped")
	return c.store.Close()
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Enqueue durably records a mutation against the cached snapshot version and,
// once started, schedules a sync. It never touches the network.
func (c *Client) Enqueue(ctx context.Context, params MutationParams) (Mutation, error) {
	if err := c.checkOpen(); err != nil {
		return Mutation{}, err
	}

	cached, err := c.store.GetSnapshot(ctx)
	if err != nil {
		return Mutation{}, fmt.Errorf("read cached snapshot: %w", err)
	}

	m := types.Mutation{
		ID:          params.ID,
		Kind:        params.Kind,
		Amount:      params.Amount,
		Category:    params.Category,
		Origin:      c.deviceID,
		CreatedAt:   c.now().UTC(),
		BaseVersion: cached.Version,
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.Category == "" {
		m.Category = types.DefaultCategory
	}

	if err := validation.ValidateMutation(m).Err(); err != nil {
		return Mutation{}, err
	}

	added, err := c.store.Enqueue(ctx, m)
	if err != nil {
		return Mutation{}, err
	}
	if !added {
		slog.Debug("mutation already queued", "component", "client", "action", "enqueue_duplicate", "id", m.ID)
	}

	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		c.sched.NotifyEnqueued()
	}
	return m, nil
}

// CachedSnapshot returns the last snapshot confirmed by the remote store.
// It may be stale and never blocks on the network.
func (c *Client) CachedSnapshot(ctx context.Context) (LedgerSnapshot, error) {
	if err := c.checkOpen(); err != nil {
		return LedgerSnapshot{}, err
	}
	return c.store.GetSnapshot(ctx)
}

// OnSyncStatusChanged registers listener and returns a func that removes it.
// Listeners run synchronously on the sync goroutine and must not block.
func (c *Client) OnSyncStatusChanged(listener func(SyncStatus)) func() {
	return c.sched.OnStatus(listener)
}

// SetConnectivity reports network reachability. Regaining it triggers a sync.
func (c *Client) SetConnectivity(online bool) {
	c.sched.SetConnectivity(online)
}

// Foreground reports the app returned to the foreground.
func (c *Client) Foreground() {
	c.sched.Foreground()
}

// SyncNow runs one sync and waits for it. Returns ErrSyncInProgress when a
// background run is active; a follow-up run is scheduled in that case.
func (c *Client) SyncNow(ctx context.Context) (*Result, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.sched.SyncNow(ctx)
}

// Stats summarizes the queue, the scheduler and the cached snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	qs, err := c.store.QueueStats(ctx, c.engine.Config().MaxAttempts)
	if err != nil {
		return nil, err
	}
	snap, err := c.store.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		DeviceID: c.deviceID,
		Queue:    *qs,
		Status:   c.sched.Status(ctx),
		Snapshot: snap,
	}, nil
}

// Pending lists up to limit queued mutations in creation order.
func (c *Client) Pending(ctx context.Context, limit int) ([]Mutation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.store.List(ctx, limit)
}
