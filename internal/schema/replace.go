package schema

import (
	"context"
	"encoding/json"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const (
	LOC_REPLACE_PARSE   = "SYN_SCH_020"
	LOC_REPLACE_APPLY   = "SYN_SCH_021"
	LOC_REPLACE_PERSIST = "SYN_SCH_022"
)

// schemaKVKey is the ps_kv row the currently-installed canonical schema
// is persisted under, so ReplaceSchema can detect a no-op call without
// re-deriving DDL from sqlite_schema.
const schemaKVKey = "ps_schema"

// ReplaceSchema is powersync_replace_schema(json): reconciles the user
// tables/views/triggers against the requested schema, applying DDL only
// for what actually changed.
func ReplaceSchema(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, schemaJSON []byte) error {
	var next Schema
	if err := json.Unmarshal(schemaJSON, &next); err != nil {
		return synccore.Wrap(synccore.ClassConfiguration, LOC_REPLACE_PARSE, "invalid schema JSON", err)
	}

	canonical, err := next.Canonical()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_PARSE, "failed to canonicalize schema", err)
	}

	current, currentRaw, err := loadStoredSchema(ctx, conn)
	if err != nil {
		return err
	}
	if currentRaw == canonical {
		logger.Debug("schema unchanged, skipping DDL", "loc", LOC_REPLACE_APPLY)
		return nil
	}

	if err := reconcileTables(ctx, conn, logger, current.Tables, next.Tables); err != nil {
		return err
	}
	if err := reconcileRawTables(ctx, conn, logger, current.RawTables, next.RawTables); err != nil {
		return err
	}

	if err := persistSchema(ctx, conn, canonical); err != nil {
		return err
	}
	logger.Info("schema replaced", "tables", len(next.Tables), "raw_tables", len(next.RawTables), "loc", LOC_REPLACE_APPLY)
	return nil
}

func loadStoredSchema(ctx context.Context, conn hostdb.Conn) (Schema, string, error) {
	query, args, err := sq.StatementBuilder.PlaceholderFormat(sq.Question).
		Select("value").From("ps_kv").Where(sq.Eq{"key": schemaKVKey}).ToSql()
	if err != nil {
		return Schema{}, "", synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_PARSE, "failed to build schema lookup", err)
	}

	var raw []byte
	row := conn.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&raw); err != nil {
		return Schema{}, "", nil // no schema stored yet
	}

	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return Schema{}, "", synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_PARSE, "failed to parse stored schema", err)
	}
	return s, string(raw), nil
}

func persistSchema(ctx context.Context, conn hostdb.Conn, canonical string) error {
	query, args, err := sq.StatementBuilder.PlaceholderFormat(sq.Question).
		Insert("ps_kv").Columns("key", "value").Values(schemaKVKey, canonical).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value").ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_PERSIST, "failed to build schema persist statement", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_PERSIST, "failed to persist schema", err)
	}
	return nil
}

func reconcileTables(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, old, next []TableSpec) error {
	byName := func(tables []TableSpec) map[string]TableSpec {
		m := make(map[string]TableSpec, len(tables))
		for _, t := range tables {
			m[t.Name] = t
		}
		return m
	}
	oldByName, nextByName := byName(old), byName(next)

	for name, o := range oldByName {
		n, stillPresent := nextByName[name]
		if !stillPresent || !sameTableShape(o, n) {
			if err := dropTableArtifacts(ctx, conn, o, !stillPresent); err != nil {
				return err
			}
			logger.Debug("dropped table artifacts", "table", name, "loc", LOC_REPLACE_APPLY)
		}
	}

	for name, n := range nextByName {
		o, existed := oldByName[name]
		if existed && sameTableShape(o, n) {
			continue
		}
		for _, stmt := range GenerateTableDDL(n) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return synccore.Wrap(synccore.ClassConfiguration, LOC_REPLACE_APPLY, "failed to apply table DDL for "+name, err)
			}
		}
	}
	return nil
}

func reconcileRawTables(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, old, next []RawTableSpec) error {
	byName := func(tables []RawTableSpec) map[string]RawTableSpec {
		m := make(map[string]RawTableSpec, len(tables))
		for _, t := range tables {
			m[t.Name] = t
		}
		return m
	}
	oldByName, nextByName := byName(old), byName(next)

	for name, o := range oldByName {
		if n, stillPresent := nextByName[name]; stillPresent && sameRawShape(o, n) {
			continue
		}
		for _, stmt := range dropRawTableDDL(o) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return synccore.Wrap(synccore.ClassConfiguration, LOC_REPLACE_APPLY, "failed to drop raw table triggers for "+name, err)
			}
		}
	}

	for name, n := range nextByName {
		if o, existed := oldByName[name]; existed && sameRawShape(o, n) {
			continue
		}
		stmts, err := RawTableTriggerDDL(n)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return synccore.Wrap(synccore.ClassConfiguration, LOC_REPLACE_APPLY, "failed to apply raw table DDL for "+name, err)
			}
		}
	}
	return nil
}

func dropTableArtifacts(ctx context.Context, conn hostdb.Conn, t TableSpec, dropData bool) error {
	for _, stmt := range DropTriggersDDL(t) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_APPLY, "failed to drop triggers for "+t.Name, err)
		}
	}
	if _, err := conn.ExecContext(ctx, DropViewDDL(t)); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_APPLY, "failed to drop view for "+t.Name, err)
	}
	if dropData {
		if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.DataTableName()); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_REPLACE_APPLY, "failed to drop data table for "+t.Name, err)
		}
	}
	return nil
}

func dropRawTableDDL(t RawTableSpec) []string {
	return []string{
		"DROP TRIGGER IF EXISTS ps_raw_insert_" + t.Name,
		"DROP TRIGGER IF EXISTS ps_raw_update_" + t.Name,
		"DROP TRIGGER IF EXISTS ps_raw_delete_" + t.Name,
	}
}

// sameTableShape compares two TableSpec values by their canonical JSON
// encoding, the same equality notion ReplaceSchema uses at the top
// level.
func sameTableShape(a, b TableSpec) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func sameRawShape(a, b RawTableSpec) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
