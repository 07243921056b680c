package main

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/ledgersync/pkg/ledgersync"
	"github.com/spf13/cobra"
)

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local queue with the server once",
	Args:  cobra.NoArgs,
	RunE:  runClientSync,
}

func runClientSync(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	res, err := c.SyncNow(cmd.Context())
	// Exhausted mutations are reported, not fatal; the result is still useful.
	if res == nil || (err != nil && !errors.Is(err, ledgersync.ErrRetryLimitExceeded)) {
		return err
	}

	out := cmd.OutOrStdout()
	if clientJSONOutput {
		if perr := printJSON(out, res); perr != nil {
			return perr
		}
		return err
	}

	if res.Committed {
		fmt.Fprintf(out, "Committed version %d: %d applied, %d acknowledged\n",
			res.Version, res.Applied, res.Acknowledged)
	} else {
		fmt.Fprintf(out, "Up to date at version %d\n", res.Snapshot.Version)
	}
	fmt.Fprintf(out, "Balance: %s\n", res.Snapshot.Balance)
	if res.Conflicts > 0 {
		fmt.Fprintf(out, "Conflicts retried: %d\n", res.Conflicts)
	}
	if len(res.Requeued) > 0 {
		fmt.Fprintf(out, "Requeued: %d\n", len(res.Requeued))
	}
	if len(res.Exhausted) > 0 {
		fmt.Fprintf(out, "Exhausted (still queued): %v\n", res.Exhausted)
	}
	return err
}
