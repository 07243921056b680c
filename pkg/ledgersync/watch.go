package ledgersync

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

func (c *Client) watchBackoff() retry.Backoff {
	cfg := c.engine.Config()
	b := retry.NewExponential(cfg.BackoffBase)
	b = retry.WithCappedDuration(cfg.BackoffMax, b)
	return retry.WithJitterPercent(20, b)
}

// watchRemote follows commits made by other devices until ctx is done.
// A refused or ended subscription is re-established with backoff, so a
// watch that starts before a token is available recovers once it is.
func (c *Client) watchRemote(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.watchBackoff()
	for {
		ch, err := c.config.Remote.Subscribe(ctx, c.config.Key)
		if err == nil {
			if c.follow(ctx, ch) {
				backoff = c.watchBackoff()
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay, _ := backoff.Next()
		slog.Warn("remote watch interrupted",
			"component", "client",
			"action", "watch_retry",
			"ledger", c.config.Key,
			"retry_in", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// follow consumes one subscription. Newer snapshots refresh the cache; if
// this device still has queued work a sync is requested so it rebases onto
// the new version. It reports whether any snapshot arrived.
func (c *Client) follow(ctx context.Context, ch <-chan LedgerSnapshot) bool {
	received := false
	for snap := range ch {
		received = true
		cached, err := c.store.GetSnapshot(ctx)
		if err == nil && snap.Version <= cached.Version {
			continue
		}
		if _, err := c.store.PutSnapshot(ctx, snap); err != nil {
			if ctx.Err() != nil {
				return received
			}
			slog.Warn("failed to cache remote snapshot", "component", "client", "error", err)
			continue
		}

		slog.Debug("remote ledger changed",
			"component", "client",
			"action", "remote_changed",
			"ledger", c.config.Key,
			"version", snap.Version,
		)
		if pending, err := c.store.Pending(ctx); err == nil && pending > 0 {
			c.sched.RemoteChanged()
		}
	}
	return received
}
