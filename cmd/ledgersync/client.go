package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/ledgersync/internal/config"
	"github.com/hyperengineering/ledgersync/pkg/ledgersync"
	"github.com/spf13/cobra"
)

var (
	clientJSONOutput bool
	clientLedgerKey  string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Operate an on-device sync client",
	Long:  "Enqueue mutations, run a sync, and inspect the local queue without a long-running process.",
}

func init() {
	clientCmd.PersistentFlags().BoolVar(&clientJSONOutput, "json", false,
		"Output in JSON format")
	clientCmd.PersistentFlags().StringVar(&clientLedgerKey, "ledger", "",
		"Ledger key (overrides config and LEDGERSYNC_LEDGER_KEY)")

	clientCmd.AddCommand(clientEnqueueCmd)
	clientCmd.AddCommand(clientSyncCmd)
	clientCmd.AddCommand(clientStatusCmd)
	clientCmd.AddCommand(clientQueueCmd)
}

// openClient loads config and opens the local store. The client is not
// started; only an explicit sync touches the network.
func openClient(cmd *cobra.Command) (*ledgersync.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cmd.ErrOrStderr(), cfg.Log)

	cc := cfg.Client
	if clientLedgerKey != "" {
		cc.LedgerKey = clientLedgerKey
	}
	if cc.LedgerKey == "" {
		return nil, fmt.Errorf("ledger key is required (--ledger or LEDGERSYNC_LEDGER_KEY)")
	}

	return ledgersync.New(clientConfig(cc))
}

// clientConfig maps the YAML client section onto the library config.
func clientConfig(cc config.ClientConfig) ledgersync.Config {
	return ledgersync.Config{
		LocalPath: expandHome(cc.LocalPath),
		Key:       cc.LedgerKey,
		Remote: ledgersync.NewHTTPRemote(cc.RemoteURL,
			ledgersync.StaticToken(cc.Token), time.Duration(cc.Timeout)),
		StalenessWindow:       cc.StalenessWindow,
		AppliedWindow:         cc.AppliedWindow,
		BatchSize:             cc.BatchSize,
		MaxConflictRetries:    cc.MaxConflictRetries,
		MaxUnavailableRetries: cc.MaxUnavailableRetries,
		MaxAttempts:           cc.MaxAttempts,
		BackoffBase:           time.Duration(cc.BackoffBase),
		BackoffMax:            time.Duration(cc.BackoffMax),
		SyncInterval:          time.Duration(cc.SyncInterval),
		MinSyncInterval:       time.Duration(cc.MinSyncInterval),
	}
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05 MST")
}

// expandHome resolves a leading ~ in the default local path.
func expandHome(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
