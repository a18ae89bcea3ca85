package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/spf13/cobra"
)

var testMigrationCmd = &cobra.Command{
	Use:   "test-migration <database-path> <version>",
	Short: "Rewind the internal schema to an earlier version",
	Long:  `test-migration runs powersync_test_migration(k): it replays each applied migration's recorded down_migrations in descending order until the internal schema is back at version k. Run init afterwards to migrate forward again.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadHarnessConfig()
		if err != nil {
			return err
		}
		logger := createLogger(cfg)
		ctx := context.Background()

		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("version must be an integer, got %q", args[1])
		}

		adapter, err := hostdb.Open(ctx, args[0], logger)
		if err != nil {
			return err
		}
		defer adapter.Close()

		if err := adapter.WithTxRetry(ctx, cfg.BusyRetries, cfg.BusyBackoff(), func(tx *sql.Tx) error {
			return schema.TestMigration(ctx, tx, logger, version)
		}); err != nil {
			return err
		}

		fmt.Printf("rewound %s to schema version %d\n", args[0], version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(testMigrationCmd)
}
