// Package engine reconciles the on-device mutation queue with the remote
// ledger record. One Run reads the authoritative snapshot, folds queued
// mutations into it through a policy, commits with an expected-version
// check, and drains what was committed from the local queue.
//
//	Idle → Reading → Applying → Committing → Draining → Idle
//	Reading → Backoff → Reading       (remote unavailable)
//	Committing → Reading              (version conflict)
//	any → Failed
//
// Nothing changes remotely before Committing, and the remote snapshot's
// applied-id window lets a run that crashed between Committing and Draining
// recognize its own commit, so cancellation is safe at every state boundary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/ledgersync/internal/policy"
	"github.com/hyperengineering/ledgersync/internal/remote"
	"github.com/hyperengineering/ledgersync/internal/store"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/sethvargo/go-retry"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultBatchSize             = 100
	DefaultMaxConflictRetries    = 5
	DefaultMaxUnavailableRetries = 3
	DefaultMaxAttempts           = 10
	DefaultBackoffBase           = 500 * time.Millisecond
	DefaultBackoffMax            = 30 * time.Second
)

// Config controls a sync run.
type Config struct {
	// Key is the per-user remote record key.
	Key       string
	BatchSize int
	// MaxConflictRetries bounds re-reads after version conflicts in one run.
	MaxConflictRetries int
	// MaxUnavailableRetries bounds backoff cycles in one run.
	MaxUnavailableRetries int
	// MaxAttempts is the per-mutation attempt count reported as exhausted.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if c.MaxUnavailableRetries < 0 {
		c.MaxUnavailableRetries = 0
	} else if c.MaxUnavailableRetries == 0 {
		c.MaxUnavailableRetries = DefaultMaxUnavailableRetries
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// Result summarizes one run.
type Result struct {
	Phase        types.SyncPhase      `json:"phase"`
	Committed    bool                 `json:"committed"`
	Version      int64                `json:"version"`
	Applied      int                  `json:"applied"`
	Acknowledged int                  `json:"acknowledged"`
	Requeued     []string             `json:"requeued,omitempty"`
	Exhausted    []string             `json:"exhausted,omitempty"`
	Conflicts    int                  `json:"conflicts"`
	Snapshot     types.LedgerSnapshot `json:"snapshot"`
	Duration     time.Duration        `json:"duration"`
}

// Engine runs the reconciliation state machine. It is not safe for
// concurrent Runs; the scheduler provides single-flight.
type Engine struct {
	store  store.Store
	remote remote.Client
	policy policy.Policy
	cfg    Config

	onPhase func(types.SyncPhase)
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// New creates an Engine. BatchSize is capped at the policy's applied-id
// window when it has one.
func New(st store.Store, rc remote.Client, p policy.Policy, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if w, ok := p.(policy.Windowed); ok && w.Window() > 0 && cfg.BatchSize > w.Window() {
		cfg.BatchSize = w.Window()
	}
	return &Engine{
		store:   st,
		remote:  rc,
		policy:  p,
		cfg:     cfg,
		onPhase: func(types.SyncPhase) {},
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// OnPhase registers fn to be called on every state transition. Must be set
// before the first Run.
func (e *Engine) OnPhase(fn func(types.SyncPhase)) {
	if fn == nil {
		fn = func(types.SyncPhase) {}
	}
	e.onPhase = fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) newBackoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.BackoffBase)
	b = retry.WithCappedDuration(e.cfg.BackoffMax, b)
	return retry.WithJitterPercent(20, b)
}

func (e *Engine) enter(phase types.SyncPhase) {
	slog.Debug("sync phase",
		"component", "engine",
		"action", "phase",
		"ledger", e.cfg.Key,
		"phase", string(phase),
	)
	e.onPhase(phase)
}

// plan is the outcome of folding a batch into a base snapshot.
type plan struct {
	next     types.LedgerSnapshot
	included []string
	already  []string
	rejected map[string]error
}

// apply folds batch into base in order. Mutations the base already contains
// are acknowledged without re-applying; rejected ones are left out.
func (e *Engine) apply(base types.LedgerSnapshot, batch []types.Mutation) plan {
	p := plan{next: base, rejected: make(map[string]error)}
	for _, m := range batch {
		if policy.AlreadyApplied(base, m.ID) {
			p.already = append(p.already, m.ID)
			continue
		}
		next, err := e.policy.Apply(p.next, m)
		if err != nil {
			p.rejected[m.ID] = err
			continue
		}
		p.next = next
		p.included = append(p.included, m.ID)
	}
	return p
}

func (e *Engine) loadBatch(ctx context.Context) ([]types.Mutation, error) {
	var batch []types.Mutation
	for m, err := range e.store.PeekBatch(ctx, e.cfg.BatchSize) {
		if err != nil {
			return nil, fmt.Errorf("peek batch: %w", err)
		}
		batch = append(batch, m)
	}
	return batch, nil
}

// Run performs one reconciliation pass. It returns a Result in every case;
// the error is nil on success. A run whose requeued mutations reached
// MaxAttempts returns an error matching types.ErrRetryLimitExceeded even
// when the commit itself succeeded.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := e.now()
	res := &Result{Phase: types.PhaseIdle}
	defer func() { res.Duration = e.now().Sub(start) }()

	batch, err := e.loadBatch(ctx)
	if err != nil {
		return e.fail(ctx, res, nil, nil, err, false)
	}

	backoff := e.newBackoff()
	unavailable := 0
	var last plan

	// waitOut handles an unavailable remote. It returns a non-nil error when
	// the run must stop.
	waitOut := func(cause error) error {
		unavailable++
		if unavailable > e.cfg.MaxUnavailableRetries {
			return cause
		}
		e.enter(types.PhaseBackoff)
		delay, _ := backoff.Next()
		slog.Info("remote unavailable, backing off",
			"component", "engine",
			"action", "backoff",
			"ledger", e.cfg.Key,
			"attempt", unavailable,
			"delay", delay.String(),
			"error", cause,
		)
		return e.sleep(ctx, delay)
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, res, batch, last.rejected, err, false)
		}

		e.enter(types.PhaseReading)
		base, err := e.remote.ReadSnapshot(ctx, e.cfg.Key)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrNotFound):
			base = types.EmptySnapshot()
		case errors.Is(err, types.ErrUnavailable):
			if stop := waitOut(err); stop != nil {
				return e.fail(ctx, res, batch, last.rejected, stop, false)
			}
			continue
		default:
			return e.fail(ctx, res, batch, last.rejected, fmt.Errorf("read snapshot: %w", err), requeueFor(err))
		}
		if base.Earnings == nil {
			base = base.Clone()
		}

		e.enter(types.PhaseApplying)
		last = e.apply(base, batch)
		res.Applied = len(last.included)

		if err := ctx.Err(); err != nil {
			return e.fail(ctx, res, batch, last.rejected, err, false)
		}
		if len(last.included) == 0 {
			return e.finishWithoutCommit(ctx, res, base, last)
		}

		next := last.next
		next.Version = base.Version + 1
		next.LastSyncedAt = e.now().UTC()
		ackIDs := append(append([]string{}, last.included...), last.already...)

		e.enter(types.PhaseCommitting)
		cp := types.Checkpoint{ExpectedVersion: base.Version, MutationIDs: ackIDs, StartedAt: e.now().UTC()}
		if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
			return e.fail(ctx, res, batch, last.rejected, fmt.Errorf("save checkpoint: %w", err), true)
		}

		err = e.remote.TransactionalUpdate(ctx, e.cfg.Key, base.Version, next)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrVersionConflict):
			res.Conflicts++
			// The write was refused, so nothing of this attempt landed.
			if cerr := e.store.ClearCheckpoint(ctx); cerr != nil {
				slog.Warn("failed to clear checkpoint", "component", "engine", "error", cerr)
			}
			if res.Conflicts > e.cfg.MaxConflictRetries {
				limitErr := fmt.Errorf("%w: %d version conflicts: %w",
					types.ErrRetryLimitExceeded, res.Conflicts, err)
				return e.fail(ctx, res, batch, last.rejected, limitErr, true)
			}
			slog.Info("version conflict, re-reading",
				"component", "engine",
				"action", "conflict",
				"ledger", e.cfg.Key,
				"expected_version", base.Version,
				"conflicts", res.Conflicts,
			)
			continue
		case errors.Is(err, types.ErrUnavailable):
			// The commit may have landed; the next read's applied-id window decides.
			if stop := waitOut(err); stop != nil {
				return e.fail(ctx, res, batch, last.rejected, stop, false)
			}
			continue
		default:
			return e.fail(ctx, res, batch, last.rejected, fmt.Errorf("commit: %w", err), requeueFor(err))
		}

		e.enter(types.PhaseDraining)
		// Once committed, draining must complete even if the caller gave up.
		if err := e.store.Drain(context.WithoutCancel(ctx), ackIDs, next); err != nil {
			res.Committed = true
			res.Version = next.Version
			return e.fail(ctx, res, nil, nil, fmt.Errorf("drain: %w", err), false)
		}

		res.Committed = true
		res.Version = next.Version
		res.Acknowledged = len(ackIDs)
		res.Snapshot = next

		slog.Info("sync committed",
			"component", "engine",
			"action", "commit",
			"ledger", e.cfg.Key,
			"version", next.Version,
			"applied", len(last.included),
			"acknowledged", len(ackIDs),
			"conflicts", res.Conflicts,
		)
		return e.finish(ctx, res, last.rejected, nil)
	}
}

// finishWithoutCommit handles a plan with nothing new to write: acknowledge
// what the remote already contains and refresh the cache.
func (e *Engine) finishWithoutCommit(ctx context.Context, res *Result, base types.LedgerSnapshot, p plan) (*Result, error) {
	e.enter(types.PhaseDraining)
	if err := e.store.Drain(context.WithoutCancel(ctx), p.already, base); err != nil {
		return e.fail(ctx, res, nil, p.rejected, fmt.Errorf("refresh cache: %w", err), false)
	}
	res.Version = base.Version
	res.Acknowledged = len(p.already)
	res.Snapshot = base

	if len(p.already) > 0 {
		slog.Info("acknowledged mutations already in remote record",
			"component", "engine",
			"action", "recover",
			"ledger", e.cfg.Key,
			"version", base.Version,
			"acknowledged", len(p.already),
		)
	}
	return e.finish(ctx, res, p.rejected, nil)
}

// requeueFor reports whether a failure counts against the batch's attempts.
// Missing credentials and cancellation are not the mutations' fault.
func requeueFor(err error) bool {
	return !errors.Is(err, types.ErrUnauthenticated) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// fail ends the run in Failed. When requeue is set, the whole batch is
// requeued with cause; policy rejections are requeued regardless.
func (e *Engine) fail(ctx context.Context, res *Result, batch []types.Mutation, rejected map[string]error, cause error, requeue bool) (*Result, error) {
	if requeue {
		ids := make([]string, 0, len(batch))
		for _, m := range batch {
			if _, ok := rejected[m.ID]; !ok {
				ids = append(ids, m.ID)
			}
		}
		e.requeue(ctx, res, ids, cause.Error())
	}

	res, err := e.finish(ctx, res, rejected, cause)
	res.Phase = types.PhaseFailed
	e.enter(types.PhaseFailed)

	level := slog.LevelWarn
	if errors.Is(cause, context.Canceled) {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, "sync run failed",
		"component", "engine",
		"action", "run_failed",
		"ledger", e.cfg.Key,
		"requeued", len(res.Requeued),
		"error", cause,
	)
	return res, err
}

// finish requeues rejected mutations, collects exhausted ones and settles
// the run error.
func (e *Engine) finish(ctx context.Context, res *Result, rejected map[string]error, cause error) (*Result, error) {
	if ctx.Err() == nil {
		for id, reason := range rejected {
			e.requeue(ctx, res, []string{id}, reason.Error())
		}
	}

	if cause == nil {
		res.Phase = types.PhaseIdle
		e.enter(types.PhaseIdle)
	}
	if len(res.Exhausted) > 0 {
		limit := &types.RetryLimitError{IDs: res.Exhausted, MaxAttempts: e.cfg.MaxAttempts}
		slog.Warn("mutations reached retry limit",
			"component", "engine",
			"action", "retry_limit",
			"ledger", e.cfg.Key,
			"mutations", res.Exhausted,
			"max_attempts", e.cfg.MaxAttempts,
		)
		if cause == nil {
			return res, limit
		}
		return res, errors.Join(cause, limit)
	}
	return res, cause
}

func (e *Engine) requeue(ctx context.Context, res *Result, ids []string, reason string) {
	if len(ids) == 0 || ctx.Err() != nil {
		return
	}
	updated, err := e.store.Requeue(ctx, ids, reason)
	if err != nil {
		slog.Error("failed to requeue mutations",
			"component", "engine",
			"action", "requeue_failed",
			"ledger", e.cfg.Key,
			"error", err,
		)
		return
	}
	for _, m := range updated {
		res.Requeued = append(res.Requeued, m.ID)
		if m.Attempts >= e.cfg.MaxAttempts {
			res.Exhausted = append(res.Exhausted, m.ID)
		}
	}
}
