// Package schema reconciles user-supplied table/view specifications
// with generated SQL (data tables, views, CRUD-capture triggers) and
// owns the internal table DDL and migration ladder.
package schema

import (
	"context"
	"log/slog"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const (
	LOC_SCHEMA_INIT    = "SYN_SCH_010"
	LOC_SCHEMA_MIGRATE = "SYN_SCH_011"
)

// internalTableDDL is the engine's internal table layout. Column order
// and types are pinned; the migration round-trip tests compare the
// schema it produces.
var internalTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS ps_buckets (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		last_applied_op INTEGER NOT NULL DEFAULT 0,
		last_op INTEGER NOT NULL DEFAULT 0,
		target_op INTEGER NOT NULL DEFAULT 0,
		add_checksum INTEGER NOT NULL DEFAULT 0,
		op_checksum INTEGER NOT NULL DEFAULT 0,
		pending_delete INTEGER NOT NULL DEFAULT 0
	) STRICT`,
	`CREATE TABLE IF NOT EXISTS ps_oplog (
		bucket INTEGER NOT NULL,
		op_id INTEGER NOT NULL,
		row_type TEXT,
		row_id TEXT,
		key TEXT NOT NULL,
		data TEXT,
		hash INTEGER NOT NULL
	) STRICT`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ps_oplog_bucket_op ON ps_oplog(bucket, op_id)`,
	`CREATE INDEX IF NOT EXISTS ps_oplog_bucket_key ON ps_oplog(bucket, key)`,
	`CREATE TABLE IF NOT EXISTS ps_updated_rows (
		row_type TEXT NOT NULL,
		row_id TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ps_updated_rows_type_id ON ps_updated_rows(row_type, row_id)`,
	`CREATE TABLE IF NOT EXISTS ps_crud (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data TEXT NOT NULL,
		tx_id INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS ps_kv (
		key TEXT PRIMARY KEY,
		value BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS ps_migration (
		id INTEGER PRIMARY KEY,
		down_migrations TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ps_sync_state (
		priority INTEGER PRIMARY KEY,
		last_synced_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ps_stream_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream_name TEXT NOT NULL,
		parameters TEXT,
		ttl INTEGER,
		expires_at TEXT,
		last_synced_at TEXT,
		is_default INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0,
		has_explicit_subscription INTEGER NOT NULL DEFAULT 0
	)`,
}

// Init is powersync_init(): idempotent creation of the internal tables
// followed by running any missing up-migrations.
func Init(ctx context.Context, conn hostdb.Conn, logger *slog.Logger) error {
	for _, stmt := range internalTableDDL {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_INIT, "failed to apply internal table DDL", err)
		}
	}
	logger.Debug("internal tables ready", "loc", LOC_SCHEMA_INIT)

	applied, err := runMigrations(ctx, conn, logger, CurrentVersion)
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.Info("applied migrations", "count", applied, "loc", LOC_SCHEMA_MIGRATE)
	}
	return nil
}
