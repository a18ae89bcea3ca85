package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/powersync-ja/powersync-sqlite-core/internal/crud"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/spf13/cobra"
)

var crudTxID int64

// crudCmd stands in for the virtual table `powersync_crud` (see
// internal/crud/writer.go: modernc.org/sqlite carries no public vtab
// API), exercising the same crud.Writer.Append choke point the
// trigger-generated SQL mirrors.
var crudCmd = &cobra.Command{
	Use:   "crud <database-path> <op> <type> <id> [data-json]",
	Short: "Append a local CRUD record directly",
	Long: `crud appends one PUT/PATCH/DELETE record to ps_crud, marks the
affected row as updated, and ensures the $local bucket exists — the same
effect a trigger-generated INSERT into powersync_crud would have.`,
	Args: cobra.RangeArgs(4, 5),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadHarnessConfig()
		if err != nil {
			return err
		}
		logger := createLogger(cfg)
		ctx := context.Background()

		op := crud.OpKind(args[1])
		switch op {
		case crud.OpPut, crud.OpPatch, crud.OpDelete:
		default:
			return fmt.Errorf("op must be one of PUT, PATCH, DELETE, got %q", args[1])
		}

		record := crud.Op{Op: op, Type: args[2], ID: args[3]}
		if len(args) == 5 {
			record.Data = json.RawMessage(args[4])
		}

		adapter, err := hostdb.Open(ctx, args[0], logger)
		if err != nil {
			return err
		}
		defer adapter.Close()

		writer := crud.NewWriter(logger)
		if err := adapter.WithTxRetry(ctx, cfg.BusyRetries, cfg.BusyBackoff(), func(tx *sql.Tx) error {
			return writer.Append(ctx, tx, record, crudTxID)
		}); err != nil {
			return err
		}

		fmt.Println("appended crud record")
		return nil
	},
}

func init() {
	crudCmd.Flags().Int64Var(&crudTxID, "tx-id", 1, "tx_id grouping column for this record")
}
