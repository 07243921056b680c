package main

import (
	"fmt"

	"github.com/hyperengineering/ledgersync/pkg/ledgersync"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	enqueueCategory string
	enqueueID       string
)

var clientEnqueueCmd = &cobra.Command{
	Use:   "enqueue <credit|debit|claim> <amount>",
	Short: "Record a ledger mutation locally",
	Long:  "Durably queue a mutation. Nothing is sent until the next sync.",
	Args:  cobra.ExactArgs(2),
	RunE:  runClientEnqueue,
}

func init() {
	clientEnqueueCmd.Flags().StringVar(&enqueueCategory, "category", "",
		"Earnings category (default \"general\")")
	clientEnqueueCmd.Flags().StringVar(&enqueueID, "id", "",
		"Mutation ULID for idempotent redelivery (generated when empty)")
}

func runClientEnqueue(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	m, err := c.Enqueue(cmd.Context(), ledgersync.MutationParams{
		ID:       enqueueID,
		Kind:     ledgersync.MutationKind(args[0]),
		Amount:   amount,
		Category: enqueueCategory,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if clientJSONOutput {
		return printJSON(out, m)
	}
	fmt.Fprintf(out, "Queued %s %s (%s) as %s\n", m.Kind, m.Amount, m.Category, m.ID)
	return nil
}
