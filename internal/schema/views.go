package schema

import (
	"fmt"
	"strings"
)

// DataTableDDL is the backing JSON-blob table for a synced or local_only
// table: `ps_data__<name>(id TEXT PRIMARY KEY, data TEXT)`.
func DataTableDDL(t TableSpec) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY NOT NULL, data TEXT)`,
		t.DataTableName(),
	)
}

// ViewDDL projects the data table's JSON blob into typed columns via
// json_extract + CAST.
func ViewDDL(t TableSpec) string {
	var cols strings.Builder
	for i, c := range t.Columns {
		if i > 0 {
			cols.WriteString(", ")
		}
		fmt.Fprintf(&cols, "CAST(json_extract(data, '$.%s') AS %s) AS %s", c.Name, c.Type, c.Name)
	}
	if t.IncludeMetadata {
		// The soft-delete trigger fires on UPDATE OF _deleted, so the
		// view has to project both pseudo-columns even though the data
		// table never stores them.
		if len(t.Columns) > 0 {
			cols.WriteString(", ")
		}
		cols.WriteString("CAST(NULL AS TEXT) AS _metadata, CAST(0 AS INTEGER) AS _deleted")
	}
	return fmt.Sprintf(
		`CREATE VIEW IF NOT EXISTS %s AS SELECT id, %s FROM %s`,
		quoteIdent(t.EffectiveViewName()), cols.String(), t.DataTableName(),
	)
}

// IndexDDL returns the CREATE INDEX statements for a synced table: each
// index is built on the ps_data__ table over json_extract of its columns.
func IndexDDL(t TableSpec) []string {
	out := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		exprs := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			exprs[i] = fmt.Sprintf("json_extract(data, '$.%s')", c)
		}
		out = append(out, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s(%s)`,
			idx.Name, t.DataTableName(), strings.Join(exprs, ", "),
		))
	}
	return out
}

// DropViewDDL and DropTriggersDDL tear down a table's generated
// artifacts when it's removed from a replace_schema call, or is about to
// be regenerated with a different shape.
func DropViewDDL(t TableSpec) string {
	return fmt.Sprintf(`DROP VIEW IF EXISTS %s`, quoteIdent(t.EffectiveViewName()))
}

func DropTriggersDDL(t TableSpec) []string {
	name := t.EffectiveViewName()
	return []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS ps_view_insert_%s`, name),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS ps_view_update_%s`, name),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS ps_view_delete_%s`, name),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS ps_view_soft_delete_%s`, name),
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// dataJSONExpr builds the `json_object('col', NEW.col, ...)` expression
// that computes a row's canonical JSON blob from view-row values, using
// alias ("NEW" or "OLD") to reference the trigger's pseudo-row.
func dataJSONExpr(t TableSpec, alias string) string {
	var b strings.Builder
	b.WriteString("json_object(")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s', %s.%s", c.Name, alias, c.Name)
	}
	b.WriteString(")")
	return b.String()
}
