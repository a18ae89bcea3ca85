package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init <database-path>",
	Short: "Create the engine's internal tables in a SQLite file",
	Long:  `init runs powersync_init: it creates ps_buckets, ps_oplog, and the rest of the internal schema if they don't already exist, and runs any pending migrations.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadHarnessConfig()
		if err != nil {
			return err
		}
		logger := createLogger(cfg)
		ctx := context.Background()

		adapter, err := hostdb.Open(ctx, args[0], logger)
		if err != nil {
			return err
		}
		defer adapter.Close()

		if err := adapter.WithTxRetry(ctx, cfg.BusyRetries, cfg.BusyBackoff(), func(tx *sql.Tx) error {
			return schema.Init(ctx, tx, logger)
		}); err != nil {
			return err
		}

		fmt.Println("initialized", args[0])
		return nil
	},
}
