package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueLimit int

var clientQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued mutations",
	Args:  cobra.NoArgs,
	RunE:  runClientQueue,
}

func init() {
	clientQueueCmd.Flags().IntVar(&queueLimit, "limit", 50, "Maximum mutations to list")
}

func runClientQueue(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	pending, err := c.Pending(cmd.Context(), queueLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if clientJSONOutput {
		return printJSON(out, pending)
	}

	if len(pending) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "ID\tKIND\tAMOUNT\tCATEGORY\tBASE\tATTEMPTS\tLAST ERROR")
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			m.ID, m.Kind, m.Amount, m.Category, m.BaseVersion, m.Attempts, m.LastError)
	}
	return tw.Flush()
}
