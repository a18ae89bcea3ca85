package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/spf13/cobra"
)

var replaceSchemaCmd = &cobra.Command{
	Use:   "replace-schema <database-path> <schema.json>",
	Short: "Replace the declared sync schema",
	Long:  `replace-schema runs powersync_replace_schema: it reconciles ps_data__ views/triggers and raw table triggers against a new JSON schema document, idempotently.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadHarnessConfig()
		if err != nil {
			return err
		}
		logger := createLogger(cfg)
		ctx := context.Background()

		schemaJSON, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", args[1], err)
		}

		adapter, err := hostdb.Open(ctx, args[0], logger)
		if err != nil {
			return err
		}
		defer adapter.Close()

		if err := adapter.WithTxRetry(ctx, cfg.BusyRetries, cfg.BusyBackoff(), func(tx *sql.Tx) error {
			return schema.ReplaceSchema(ctx, tx, logger, schemaJSON)
		}); err != nil {
			return err
		}

		fmt.Println("schema replaced")
		return nil
	},
}
