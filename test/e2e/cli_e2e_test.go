//go:build e2e

package e2e

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperengineering/ledgersync/pkg/ledgersync"
	"github.com/shopspring/decimal"
)

// Two devices record independently through the CLI and converge.
func TestCLI_TwoDevicesConverge(t *testing.T) {
	srv := startLedgersync(t)

	phone := newDeviceCLI(t, srv, "alice")
	tablet := newDeviceCLI(t, srv, "alice")

	phone.mustRun(t, "enqueue", "credit", "10", "--category", "mining")
	tablet.mustRun(t, "enqueue", "credit", "2.5", "--category", "spin")
	phone.mustRun(t, "enqueue", "debit", "3")

	phone.mustRun(t, "sync")
	tablet.mustRun(t, "sync")

	snap := srv.getLedger(t, "alice")
	if !snap.Balance.Equal(decimal.RequireFromString("9.5")) || snap.Version != 2 {
		t.Fatalf("server ledger = %s v%d, want 9.5 v2", snap.Balance, snap.Version)
	}

	// The phone catches up on the tablet's commit.
	phone.mustRun(t, "sync")
	out := phone.mustRun(t, "status", "--json")
	var stats ledgersync.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if stats.Snapshot.Version != 2 || stats.Queue.Pending != 0 {
		t.Errorf("phone status = v%d pending %d", stats.Snapshot.Version, stats.Queue.Pending)
	}
	if !stats.Snapshot.Earnings["spin"].Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("spin earnings = %s, want 2.5", stats.Snapshot.Earnings["spin"])
	}
}

// Mutations recorded while the server is down survive until it returns.
func TestCLI_QueueSurvivesOutage(t *testing.T) {
	srv := startLedgersync(t)
	device := newDeviceCLI(t, srv, "bob")

	device.mustRun(t, "enqueue", "claim", "4")
	srv.stop()

	if _, err := device.run(t, "sync"); err == nil {
		t.Fatal("sync against a stopped server succeeded")
	}
	out := device.mustRun(t, "queue")
	if !strings.Contains(out, "claim") {
		t.Errorf("queue after failed sync:\n%s", out)
	}
}
