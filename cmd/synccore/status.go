package main

import (
	"context"
	"fmt"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/subscriptions"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <database-path>",
	Short: "Print bucket and subscription state",
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

		buckets, err := oplog.ListBuckets(ctx, adapter.DB, true)
		if err != nil {
			return err
		}
		fmt.Printf("buckets (%d):\n", len(buckets))
		for _, b := range buckets {
			fmt.Printf("  %-20s last_applied_op=%d last_op=%d checksum=0x%08x\n", b.Name, b.LastAppliedOp, b.LastOp, b.Checksum())
		}

		subs, err := subscriptions.List(ctx, adapter.DB)
		if err != nil {
			return err
		}
		fmt.Printf("\nsubscriptions (%d):\n", len(subs))
		for _, s := range subs {
			fmt.Printf("  %-20s default=%v explicit=%v active=%v\n", s.StreamName, s.IsDefault, s.HasExplicitSubscription, s.Active)
		}
		return nil
	},
}
