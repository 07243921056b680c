// Package scheduler decides when the sync engine runs. At most one run is
// active at a time; triggers that arrive during a run collapse into a single
// follow-up run.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/ledgersync/internal/engine"
	"github.com/hyperengineering/ledgersync/internal/store"
	"github.com/hyperengineering/ledgersync/internal/types"
)

// Trigger names why a run started.
type Trigger string

const (
	TriggerStartup      Trigger = "startup"
	TriggerConnectivity Trigger = "connectivity"
	TriggerPeriodic     Trigger = "periodic"
	TriggerForeground   Trigger = "foreground"
	TriggerEnqueue      Trigger = "enqueue"
	TriggerRemoteChange Trigger = "remote_change"
	TriggerManual       Trigger = "manual"
	TriggerRerun        Trigger = "rerun"
	TriggerBacklog      Trigger = "backlog"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultMinInterval = 30 * time.Second
)

// ErrStopped is returned by SyncNow after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Runner performs one sync pass.
type Runner interface {
	Run(ctx context.Context) (*engine.Result, error)
}

// phaseNotifier is implemented by runners that report state transitions.
type phaseNotifier interface {
	OnPhase(fn func(types.SyncPhase))
}

// Recorder receives run outcomes for metrics.
type Recorder interface {
	RunCompleted(trigger string, res *engine.Result, err error)
	QueueDepth(pending int)
}

type noopRecorder struct{}

func (noopRecorder) RunCompleted(string, *engine.Result, error) {}
func (noopRecorder) QueueDepth(int)                             {}

// Config controls trigger timing.
type Config struct {
	// Interval is the periodic trigger period.
	Interval time.Duration
	// MinInterval suppresses periodic runs this soon after the last attempt.
	MinInterval time.Duration
	// MaxAttempts is used to list exhausted mutations in statuses.
	MaxAttempts int
}

// Scheduler owns the process-wide SyncState.
type Scheduler struct {
	runner   Runner
	store    store.Store
	cfg      Config
	recorder Recorder
	now      func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	running   bool
	rerun     bool
	phase     types.SyncPhase
	trigger   Trigger
	state     types.SyncState
	lastError string
	exhausted []string
	listeners map[int]func(types.SyncStatus)
	nextID    int

	wg sync.WaitGroup
}

// New creates a Scheduler. recorder may be nil.
func New(runner Runner, st store.Store, cfg Config, recorder Recorder) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	} else if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = engine.DefaultMaxAttempts
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:    runner,
		store:     st,
		cfg:       cfg,
		recorder:  recorder,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		phase:     types.PhaseIdle,
		state:     types.SyncState{Connectivity: types.ConnectivityUnknown},
		listeners: make(map[int]func(types.SyncStatus)),
	}
	if n, ok := runner.(phaseNotifier); ok {
		n.OnPhase(s.setPhase)
	}
	return s
}

// Start restores persisted sync state, resumes an interrupted sync if the
// queue or a commit checkpoint says one is owed, and starts the periodic
// trigger. The scheduler runs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	st, err := s.store.LoadSyncState(ctx)
	if err != nil {
		slog.Warn("failed to restore sync state",
			"component", "scheduler",
			"action", "restore_state",
			"error", err,
		)
	}
	// Connectivity describes the live network, not the previous process.
	st.Connectivity = types.ConnectivityUnknown
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	resume := false
	if _, err := s.store.LoadCheckpoint(ctx); err == nil {
		resume = true
	} else if !errors.Is(err, store.ErrNoCheckpoint) {
		slog.Warn("failed to read sync checkpoint", "component", "scheduler", "error", err)
	}
	pending, err := s.store.Pending(ctx)
	if err != nil {
		slog.Warn("failed to count pending mutations", "component", "scheduler", "error", err)
	}
	s.recorder.QueueDepth(pending)
	if pending > 0 {
		resume = true
	}

	slog.Info("scheduler started",
		"component", "scheduler",
		"action", "started",
		"interval", s.cfg.Interval.String(),
		"min_interval", s.cfg.MinInterval.String(),
		"pending", pending,
		"resume", resume,
	)

	s.mu.Lock()
	s.wg.Add(1)
	periodicCtx := s.ctx
	s.mu.Unlock()
	go s.periodic(periodicCtx)

	if resume {
		s.Trigger(TriggerStartup)
	}
	return nil
}

// Stop cancels any active run and waits for background work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	slog.Info("scheduler stopped", "component", "scheduler", "action", "stopped")
}

func (s *Scheduler) periodic(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.periodicTick()
		}
	}
}

// periodicTick triggers a run unless offline or throttled.
func (s *Scheduler) periodicTick() bool {
	s.mu.Lock()
	offline := s.state.Connectivity == types.ConnectivityOffline
	last := s.state.LastAttemptAt
	s.mu.Unlock()

	if offline {
		return false
	}
	if !last.IsZero() && s.now().Sub(last) < s.cfg.MinInterval {
		slog.Debug("periodic sync throttled",
			"component", "scheduler",
			"action", "throttled",
			"since_last", s.now().Sub(last).String(),
		)
		return false
	}
	s.Trigger(TriggerPeriodic)
	return true
}

// Trigger requests an asynchronous run. During an active run it sets the
// run-again flag instead.
func (s *Scheduler) Trigger(t Trigger) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	go s.loop(ctx, t)
}

func (s *Scheduler) loop(ctx context.Context, t Trigger) {
	defer s.wg.Done()
	for {
		res, _ := s.runOnce(ctx, t)
		backlog := s.backlog(ctx, res)
		if backlog {
			s.mu.Lock()
			s.rerun = true
			s.mu.Unlock()
		}
		if !s.next() {
			return
		}
		t = TriggerRerun
		if backlog {
			t = TriggerBacklog
		}
	}
}

// backlog reports whether a run drained part of the queue and left more
// behind. A run that acknowledged nothing never asks for a follow-up, so a
// queue holding only rejected mutations waits for the next trigger.
func (s *Scheduler) backlog(ctx context.Context, res *engine.Result) bool {
	if res == nil || res.Phase != types.PhaseIdle || res.Acknowledged == 0 || ctx.Err() != nil {
		return false
	}
	pending, err := s.store.Pending(ctx)
	return err == nil && pending > 0
}

// next consumes the run-again flag. It clears running when no rerun is owed.
func (s *Scheduler) next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rerun && !s.stopped && s.ctx.Err() == nil {
		s.rerun = false
		return true
	}
	s.rerun = false
	s.running = false
	return false
}

// SyncNow runs synchronously until the queue is drained or a run stops
// making progress, and returns the combined result. It returns
// types.ErrSyncInProgress (and schedules a follow-up run) when a run is
// already active.
func (s *Scheduler) SyncNow(ctx context.Context) (*engine.Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return nil, types.ErrSyncInProgress
	}
	s.running = true
	s.wg.Add(1)
	schedCtx := s.ctx
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(schedCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	res, err := s.runOnce(runCtx, TriggerManual)
	for err == nil && s.backlog(runCtx, res) {
		var more *engine.Result
		more, err = s.runOnce(runCtx, TriggerBacklog)
		res = combine(res, more)
	}

	if s.next() {
		go s.loop(schedCtx, TriggerRerun)
	} else {
		s.wg.Done()
	}
	return res, err
}

// combine folds a follow-up run into the result of the runs before it.
func combine(prev, next *engine.Result) *engine.Result {
	out := *next
	out.Committed = prev.Committed || next.Committed
	out.Applied += prev.Applied
	out.Acknowledged += prev.Acknowledged
	out.Conflicts += prev.Conflicts
	out.Requeued = append(append([]string(nil), prev.Requeued...), next.Requeued...)
	out.Duration += prev.Duration
	out.Version = max(prev.Version, next.Version)
	return &out
}

func (s *Scheduler) runOnce(ctx context.Context, t Trigger) (*engine.Result, error) {
	start := s.now()
	s.mu.Lock()
	s.trigger = t
	s.state.LastAttemptAt = start
	s.mu.Unlock()

	slog.Debug("sync run started",
		"component", "scheduler",
		"action", "run_started",
		"trigger", string(t),
	)

	res, err := s.runner.Run(ctx)
	if res == nil {
		res = &engine.Result{Phase: types.PhaseFailed}
	}

	s.mu.Lock()
	if res.Phase == types.PhaseIdle {
		s.state.LastSuccessAt = s.now()
		s.state.ConsecutiveFailures = 0
		s.state.Connectivity = types.ConnectivityOnline
	} else {
		s.state.ConsecutiveFailures++
	}
	s.phase = res.Phase
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.exhausted = res.Exhausted
	state := s.state
	s.mu.Unlock()

	if serr := s.store.SaveSyncState(context.WithoutCancel(ctx), state); serr != nil {
		slog.Warn("failed to checkpoint sync state", "component", "scheduler", "error", serr)
	}
	s.recorder.RunCompleted(string(t), res, err)

	attrs := []any{
		"component", "scheduler",
		"action", "run_completed",
		"trigger", string(t),
		"phase", string(res.Phase),
		"committed", res.Committed,
		"version", res.Version,
		"acknowledged", res.Acknowledged,
		"conflicts", res.Conflicts,
		"consecutive_failures", state.ConsecutiveFailures,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		slog.Warn("sync run completed with error", append(attrs, "error", err)...)
	} else {
		slog.Info("sync run completed", attrs...)
	}

	s.emit()
	return res, err
}

func (s *Scheduler) setPhase(p types.SyncPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.emit()
}

// SetConnectivity records reachability; regaining it triggers a run.
func (s *Scheduler) SetConnectivity(online bool) {
	next := types.ConnectivityOffline
	if online {
		next = types.ConnectivityOnline
	}

	s.mu.Lock()
	prev := s.state.Connectivity
	s.state.Connectivity = next
	state := s.state
	s.mu.Unlock()

	if prev == next {
		return
	}
	if err := s.store.SaveSyncState(context.Background(), state); err != nil {
		slog.Warn("failed to checkpoint sync state", "component", "scheduler", "error", err)
	}
	s.emit()

	if online {
		s.Trigger(TriggerConnectivity)
	}
}

// Foreground requests a run when the app returns to the foreground.
func (s *Scheduler) Foreground() {
	s.Trigger(TriggerForeground)
}

// NotifyEnqueued requests a run after a local mutation, unless known offline.
func (s *Scheduler) NotifyEnqueued() {
	if pending, err := s.store.Pending(context.Background()); err == nil {
		s.recorder.QueueDepth(pending)
	}
	s.emit()

	s.mu.Lock()
	offline := s.state.Connectivity == types.ConnectivityOffline
	s.mu.Unlock()
	if !offline {
		s.Trigger(TriggerEnqueue)
	}
}

// RemoteChanged requests a run after the remote record changed elsewhere.
func (s *Scheduler) RemoteChanged() {
	s.Trigger(TriggerRemoteChange)
}

// State returns a copy of the current SyncState.
func (s *Scheduler) State() types.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnStatus registers a listener for status changes and returns a func that
// removes it. Listeners are called synchronously and must not block.
func (s *Scheduler) OnStatus(fn func(types.SyncStatus)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Status builds the current SyncStatus.
func (s *Scheduler) Status(ctx context.Context) types.SyncStatus {
	s.mu.Lock()
	status := types.SyncStatus{
		Phase:     s.phase,
		Trigger:   string(s.trigger),
		State:     s.state,
		LastError: s.lastError,
		Exhausted: append([]string(nil), s.exhausted...),
	}
	s.mu.Unlock()

	if pending, err := s.store.Pending(ctx); err == nil {
		status.Pending = pending
	}
	if len(status.Exhausted) == 0 {
		if exhausted, err := s.store.Exhausted(ctx, s.cfg.MaxAttempts); err == nil {
			for _, m := range exhausted {
				status.Exhausted = append(status.Exhausted, m.ID)
			}
		}
	}
	if snap, err := s.store.GetSnapshot(ctx); err == nil {
		status.Snapshot = snap
	}
	return status
}

func (s *Scheduler) emit() {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	listeners := make([]func(types.SyncStatus), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	status := s.Status(context.Background())
	for _, fn := range listeners {
		fn(status)
	}
}
