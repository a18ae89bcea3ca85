package schema

import (
	"fmt"
	"strings"
)

// oldDataSubquery reads back the canonical JSON currently stored for a
// row, since a view's OLD pseudo-row only carries the typed projection,
// not the raw blob the diff function needs.
func oldDataSubquery(t TableSpec) string {
	return fmt.Sprintf(`(SELECT data FROM %s WHERE id = OLD.id)`, t.DataTableName())
}

// touchLocalBucketSQL ensures $local exists without clobbering an
// already-present row's accumulators.
const touchLocalBucketSQL = `INSERT INTO ps_buckets(name, last_applied_op, last_op, target_op, add_checksum, op_checksum, count_at_last, count_since_last, pending_delete)
    SELECT '$local', 0, 0, 9223372036854775807, 0, 0, 0, 0, 0 WHERE NOT EXISTS (SELECT 1 FROM ps_buckets WHERE name = '$local')`

func markUpdatedRowSQL(typeLiteral, idExpr string) string {
	return fmt.Sprintf(
		`INSERT INTO ps_updated_rows(row_type, row_id) VALUES ('%s', %s) ON CONFLICT(row_type, row_id) DO NOTHING`,
		typeLiteral, idExpr,
	)
}

func crudInsertSQL(opLiteral, typeLiteral, idExpr, dataExpr, oldExpr, metadataExpr string) string {
	dataField := "NULL"
	if dataExpr != "" {
		dataField = dataExpr
	}
	oldField := "NULL"
	if oldExpr != "" {
		oldField = oldExpr
	}
	metaField := "NULL"
	if metadataExpr != "" {
		metaField = metadataExpr
	}
	return fmt.Sprintf(
		`INSERT INTO ps_crud(data, tx_id) VALUES (json_object('op', '%s', 'type', '%s', 'id', %s, 'data', json(%s), 'old', json(%s), 'metadata', json(%s)), NULL)`,
		opLiteral, typeLiteral, idExpr, dataField, oldField, metaField,
	)
}

// InsertTriggerDDL renders the INSTEAD OF INSERT trigger:
// requires a non-null id, writes the data table row, and — unless the
// table is local_only — appends a PUT crud record carrying the diff
// from `{}` and marks the row updated.
func InsertTriggerDDL(t TableSpec) string {
	view := t.EffectiveViewName()
	newData := dataJSONExpr(t, "NEW")

	var body strings.Builder
	fmt.Fprintf(&body, "CREATE TRIGGER IF NOT EXISTS ps_view_insert_%s INSTEAD OF INSERT ON %s\nBEGIN\n", view, quoteIdent(view))
	body.WriteString("  SELECT CASE WHEN NEW.id IS NULL THEN RAISE(ABORT, 'id is required') END;\n")
	fmt.Fprintf(&body, "  INSERT INTO %s(id, data) VALUES (NEW.id, %s);\n", t.DataTableName(), newData)

	if !t.LocalOnly {
		crud := crudInsertSQL("PUT", t.Name, "NEW.id", fmt.Sprintf("powersync_diff('{}', %s)", newData), "", metadataExprFor(t, "NEW"))
		fmt.Fprintf(&body, "  %s;\n", crud)
		fmt.Fprintf(&body, "  %s;\n", markUpdatedRowSQL(t.Name, "NEW.id"))
		fmt.Fprintf(&body, "  %s;\n", touchLocalBucketSQL)
	}
	body.WriteString("END")
	return body.String()
}

// UpdateTriggerDDL renders the INSTEAD OF UPDATE trigger. id changes are
// forbidden; ignore_empty_update skips the whole body (via the trigger's
// WHEN clause) when the computed JSON is unchanged; include_old attaches
// the previous values of the requested columns.
func UpdateTriggerDDL(t TableSpec) string {
	view := t.EffectiveViewName()
	newData := dataJSONExpr(t, "NEW")
	oldData := oldDataSubquery(t)

	var conditions []string
	if t.IncludeMetadata {
		// Soft deletes are handled by their own trigger; keep this one
		// from firing on the same UPDATE.
		conditions = append(conditions, "NOT IFNULL(NEW._deleted, 0)")
	}
	if t.IgnoreEmptyUpdate {
		conditions = append(conditions, fmt.Sprintf("%s IS NOT %s", newData, oldData))
	}
	var whenClause string
	if len(conditions) > 0 {
		whenClause = " WHEN " + strings.Join(conditions, " AND ")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "CREATE TRIGGER IF NOT EXISTS ps_view_update_%s INSTEAD OF UPDATE ON %s%s\nBEGIN\n", view, quoteIdent(view), whenClause)
	body.WriteString("  SELECT CASE WHEN NEW.id IS NOT OLD.id THEN RAISE(ABORT, 'id is immutable') END;\n")

	// The crud insert reads the stored row through oldData, so it runs
	// before the data row is overwritten.
	if !t.LocalOnly {
		oldExpr := ""
		if t.IncludeOld.Enabled() {
			oldExpr = oldValuesExpr(t, oldData)
		}
		crud := crudInsertSQL("PATCH", t.Name, "NEW.id", fmt.Sprintf("powersync_diff(%s, %s)", oldData, newData), oldExpr, metadataExprFor(t, "NEW"))
		fmt.Fprintf(&body, "  %s;\n", crud)
		fmt.Fprintf(&body, "  %s;\n", markUpdatedRowSQL(t.Name, "NEW.id"))
		fmt.Fprintf(&body, "  %s;\n", touchLocalBucketSQL)
	}
	fmt.Fprintf(&body, "  UPDATE %s SET data = %s WHERE id = OLD.id;\n", t.DataTableName(), newData)
	body.WriteString("END")
	return body.String()
}

// oldValuesExpr builds the 'old' JSON object for include_old, optionally
// restricted to columns that actually changed when
// include_old_only_when_changed is set.
func oldValuesExpr(t TableSpec, oldDataExpr string) string {
	cols := t.Columns
	if !t.IncludeOld.All {
		filtered := make([]ColumnSpec, 0, len(cols))
		for _, c := range cols {
			if t.IncludeOld.Wants(c.Name) {
				filtered = append(filtered, c)
			}
		}
		cols = filtered
	}

	var b strings.Builder
	b.WriteString("json_object(")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		oldCol := fmt.Sprintf("json_extract(%s, '$.%s')", oldDataExpr, c.Name)
		if t.IncludeOldOnlyWhenChanged {
			// Unchanged columns are reported as NULL rather than omitted,
			// matching powersync_diff's convention for removed keys.
			fmt.Fprintf(&b, "'%s', CASE WHEN NEW.%s IS NOT %s THEN %s ELSE NULL END", c.Name, c.Name, oldCol, oldCol)
		} else {
			fmt.Fprintf(&b, "'%s', %s", c.Name, oldCol)
		}
	}
	b.WriteString(")")
	return b.String()
}

// DeleteTriggerDDL renders the INSTEAD OF DELETE trigger: removes the
// data row, appends a DELETE crud record, and marks the row updated.
func DeleteTriggerDDL(t TableSpec) string {
	view := t.EffectiveViewName()

	var body strings.Builder
	fmt.Fprintf(&body, "CREATE TRIGGER IF NOT EXISTS ps_view_delete_%s INSTEAD OF DELETE ON %s\nBEGIN\n", view, quoteIdent(view))
	fmt.Fprintf(&body, "  DELETE FROM %s WHERE id = OLD.id;\n", t.DataTableName())

	if !t.LocalOnly {
		crud := crudInsertSQL("DELETE", t.Name, "OLD.id", "", "", metadataExprFor(t, "OLD"))
		fmt.Fprintf(&body, "  %s;\n", crud)
		fmt.Fprintf(&body, "  %s;\n", markUpdatedRowSQL(t.Name, "OLD.id"))
		fmt.Fprintf(&body, "  %s;\n", touchLocalBucketSQL)
	}
	body.WriteString("END")
	return body.String()
}

// SoftDeleteTriggerDDL renders the include_metadata soft-delete trigger:
// `UPDATE ... SET _deleted = TRUE, _metadata = ...` is converted into a
// real DELETE carrying the given metadata.
func SoftDeleteTriggerDDL(t TableSpec) string {
	view := t.EffectiveViewName()
	var body strings.Builder
	fmt.Fprintf(&body, "CREATE TRIGGER IF NOT EXISTS ps_view_soft_delete_%s INSTEAD OF UPDATE OF _deleted ON %s WHEN NEW._deleted\nBEGIN\n", view, quoteIdent(view))
	fmt.Fprintf(&body, "  DELETE FROM %s WHERE id = OLD.id;\n", t.DataTableName())
	crud := crudInsertSQL("DELETE", t.Name, "OLD.id", "", "", "NEW._metadata")
	fmt.Fprintf(&body, "  %s;\n", crud)
	fmt.Fprintf(&body, "  %s;\n", markUpdatedRowSQL(t.Name, "OLD.id"))
	fmt.Fprintf(&body, "  %s;\n", touchLocalBucketSQL)
	body.WriteString("END")
	return body.String()
}

// InsertOnlyGuardDDL renders the UPDATE/DELETE triggers an insert_only
// table gets instead of real mutation support: both simply raise.
func InsertOnlyGuardDDL(t TableSpec) []string {
	view := t.EffectiveViewName()
	return []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS ps_view_update_%s INSTEAD OF UPDATE ON %s\nBEGIN\n  SELECT RAISE(ABORT, '%s is insert-only');\nEND", view, quoteIdent(view), view),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS ps_view_delete_%s INSTEAD OF DELETE ON %s\nBEGIN\n  SELECT RAISE(ABORT, '%s is insert-only');\nEND", view, quoteIdent(view), view),
	}
}

func metadataExprFor(t TableSpec, alias string) string {
	if !t.IncludeMetadata {
		return ""
	}
	return alias + "._metadata"
}

// GenerateTableDDL returns every statement needed to install t: the data
// table, the view, its indexes, and whichever trigger set its flags
// select.
func GenerateTableDDL(t TableSpec) []string {
	stmts := []string{DataTableDDL(t), ViewDDL(t)}
	stmts = append(stmts, IndexDDL(t)...)

	stmts = append(stmts, InsertTriggerDDL(t))
	switch {
	case t.InsertOnly:
		stmts = append(stmts, InsertOnlyGuardDDL(t)...)
	default:
		stmts = append(stmts, UpdateTriggerDDL(t), DeleteTriggerDDL(t))
		if t.IncludeMetadata {
			stmts = append(stmts, SoftDeleteTriggerDDL(t))
		}
	}
	return stmts
}
