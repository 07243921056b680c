package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached ledger and sync state",
	Args:  cobra.NoArgs,
	RunE:  runClientStatus,
}

func runClientStatus(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	stats, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if clientJSONOutput {
		return printJSON(out, stats)
	}

	snap := stats.Snapshot
	state := stats.Status.State
	fmt.Fprintf(out, "Device:        %s\n", stats.DeviceID)
	fmt.Fprintf(out, "Balance:       %s\n", snap.Balance)
	fmt.Fprintf(out, "Version:       %d\n", snap.Version)
	fmt.Fprintf(out, "Last synced:   %s\n", formatTime(snap.LastSyncedAt))
	fmt.Fprintf(out, "Last attempt:  %s\n", formatTime(state.LastAttemptAt))
	fmt.Fprintf(out, "Last success:  %s\n", formatTime(state.LastSuccessAt))
	fmt.Fprintf(out, "Failures:      %d\n", state.ConsecutiveFailures)
	fmt.Fprintf(out, "Connectivity:  %s\n", state.Connectivity)
	fmt.Fprintf(out, "Pending:       %d\n", stats.Queue.Pending)
	if stats.Queue.Exhausted > 0 {
		fmt.Fprintf(out, "Exhausted:     %d\n", stats.Queue.Exhausted)
	}

	if len(snap.Earnings) > 0 {
		categories := make([]string, 0, len(snap.Earnings))
		for category := range snap.Earnings {
			categories = append(categories, category)
		}
		sort.Strings(categories)

		fmt.Fprintln(out, "Earnings:")
		tw := newTabWriter(out)
		for _, category := range categories {
			fmt.Fprintf(tw, "  %s\t%s\n", category, snap.Earnings[category])
		}
		return tw.Flush()
	}
	return nil
}
