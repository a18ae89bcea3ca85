package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/syncclient"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
	"github.com/spf13/cobra"
)

var controlPayloadPath string

// controlCmd drives one powersync_control invocation against a database
// file. The harness process is intentionally short-lived per call: a
// real host keeps one syncclient.Client alive for the connection's
// lifetime, which this command cannot emulate across process
// boundaries, so each run here starts a fresh Client. Driving a full
// session end to end requires the caller to script repeated `control`
// invocations, same as the protocol itself requires repeated
// powersync_control calls.
var controlCmd = &cobra.Command{
	Use:   "control <database-path> <command>",
	Short: "Invoke one powersync_control command",
	Long: `control dispatches a single powersync_control command (start, stop,
line_text, line_binary, refreshed_token, completed_upload, subscriptions,
update_subscriptions, connection) against a database file, reading the
command's JSON payload from --payload (or stdin if omitted), and prints
the resulting instructions as JSON.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadHarnessConfig()
		if err != nil {
			return err
		}
		logger := createLogger(cfg)
		ctx := context.Background()

		var payload []byte
		if controlPayloadPath != "" {
			payload, err = os.ReadFile(controlPayloadPath)
		} else {
			payload, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("failed to read control payload: %w", err)
		}

		adapter, err := hostdb.Open(ctx, args[0], logger)
		if err != nil {
			return err
		}
		defer adapter.Close()

		client := syncclient.NewClient(logger)

		var instructions []wire.Instruction
		if err := adapter.WithTxRetry(ctx, cfg.BusyRetries, cfg.BusyBackoff(), func(tx *sql.Tx) error {
			var txErr error
			instructions, txErr = client.Control(ctx, tx, args[1], payload)
			return txErr
		}); err != nil {
			return err
		}

		encoded, err := wire.EncodeInstructions(instructions)
		if err != nil {
			return fmt.Errorf("failed to encode instructions: %w", err)
		}

		var pretty json.RawMessage = encoded
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	controlCmd.Flags().StringVar(&controlPayloadPath, "payload", "", "Path to a JSON payload file (defaults to stdin)")
}
