// Package synclocal implements sync_local: folding the oplog and the
// updated-rows marker table into user-visible ps_data__<table> rows,
// while respecting pending local writes.
package synclocal

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/powersync-ja/powersync-sqlite-core/internal/crud"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/metrics"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const (
	LOC_SYNCLOCAL_ROWS     = "SYN_SLC_010"
	LOC_SYNCLOCAL_MATERIAL = "SYN_SLC_011"
	LOC_SYNCLOCAL_PROGRESS = "SYN_SLC_012"
)

var statementBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Filter restricts sync_local to a subset of buckets at a given
// priority. Priority is nil for a full-checkpoint run.
type Filter struct {
	Buckets  []string
	Priority *int
}

// Result reports what materialization did, for DidCompleteSync /
// UpdateSyncStatus reporting.
type Result struct {
	Published  bool
	RowsTouched int
}

// rowRef identifies one user row to re-evaluate.
type rowRef struct {
	RowType string
	RowID   string
}

// Run executes sync_local for lastOpID against the given filter. It is
// the caller's responsibility to have already validated checksums for
// every bucket in scope.
func Run(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, lastOpID int64, filter Filter) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncLocalDuration)

	pending, err := crud.HasPending(ctx, conn)
	if err != nil {
		return Result{}, err
	}
	if pending {
		metrics.CrudUploadsPending.Set(1)
	} else {
		metrics.CrudUploadsPending.Set(0)
	}
	priorityIsZero := filter.Priority != nil && *filter.Priority == 0
	if pending && !priorityIsZero {
		logger.Debug("sync_local deferred: local writes pending", "loc", LOC_SYNCLOCAL_MATERIAL)
		return Result{Published: false}, nil
	}

	rows, err := collectUpdatedRows(ctx, conn, filter)
	if err != nil {
		return Result{}, err
	}

	for _, r := range rows {
		if err := materializeRow(ctx, conn, r); err != nil {
			return Result{}, err
		}
	}

	buckets, err := bucketsInScope(ctx, conn, filter)
	if err != nil {
		return Result{}, err
	}
	for _, b := range buckets {
		if err := oplog.UpdateLastAppliedOp(ctx, conn, b.ID, lastOpID); err != nil {
			return Result{}, err
		}
	}

	if err := recordSyncState(ctx, conn, filter.Priority); err != nil {
		return Result{}, err
	}

	if err := clearMaterializedRows(ctx, conn, rows); err != nil {
		return Result{}, err
	}

	metrics.SyncLocalPublishedTotal.Inc()
	logger.Info("sync_local materialized", "rows", len(rows), "buckets", len(buckets), "loc", LOC_SYNCLOCAL_MATERIAL)
	return Result{Published: true, RowsTouched: len(rows)}, nil
}

// collectUpdatedRows builds the set of rows to re-evaluate:
// every (row_type, row_id) in ps_updated_rows, plus every row touched by
// an oplog entry in a filtered bucket with op_id beyond that bucket's
// last_applied_op.
func collectUpdatedRows(ctx context.Context, conn hostdb.Conn, filter Filter) ([]rowRef, error) {
	seen := map[rowRef]bool{}
	var out []rowRef

	add := func(rowType, rowID string) {
		ref := rowRef{RowType: rowType, RowID: rowID}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}

	markedQuery, markedArgs, err := statementBuilder.Select("row_type", "row_id").From("ps_updated_rows").ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed to build updated-rows query", err)
	}
	markedRows, err := conn.QueryContext(ctx, markedQuery, markedArgs...)
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed to query updated rows", err)
	}
	for markedRows.Next() {
		var rt, rid string
		if err := markedRows.Scan(&rt, &rid); err != nil {
			markedRows.Close()
			return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed to scan updated row", err)
		}
		add(rt, rid)
	}
	if err := markedRows.Err(); err != nil {
		markedRows.Close()
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed iterating updated rows", err)
	}
	markedRows.Close()

	buckets, err := bucketsInScope(ctx, conn, filter)
	if err != nil {
		return nil, err
	}
	for _, b := range buckets {
		oplogQuery, oplogArgs, err := statementBuilder.
			Select("row_type", "row_id").From("ps_oplog").
			Where(sq.Eq{"bucket": b.ID}).
			Where(sq.Gt{"op_id": b.LastAppliedOp}).
			ToSql()
		if err != nil {
			return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed to build bucket oplog query", err)
		}
		bucketRows, err := conn.QueryContext(ctx, oplogQuery, oplogArgs...)
		if err != nil {
			return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed to query bucket oplog", err)
		}
		for bucketRows.Next() {
			var rt, rid string
			if err := bucketRows.Scan(&rt, &rid); err != nil {
				bucketRows.Close()
				return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed to scan bucket oplog row", err)
			}
			add(rt, rid)
		}
		if err := bucketRows.Err(); err != nil {
			bucketRows.Close()
			return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_ROWS, "failed iterating bucket oplog", err)
		}
		bucketRows.Close()
	}

	return out, nil
}

// bucketsInScope resolves filter.Buckets (or every non-$local bucket,
// for a full run) to their current Bucket rows.
func bucketsInScope(ctx context.Context, conn hostdb.Conn, filter Filter) ([]oplog.Bucket, error) {
	if len(filter.Buckets) == 0 {
		return oplog.ListBuckets(ctx, conn, false)
	}
	out := make([]oplog.Bucket, 0, len(filter.Buckets))
	for _, name := range filter.Buckets {
		b, err := oplog.GetBucket(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, *b)
		}
	}
	return out, nil
}

// materializeRow folds one row into its user table: the payload of the
// oplog row with the greatest op_id across ALL buckets (not just the
// ones in scope) wins. A max()+correlated-subquery pattern keeps the
// query plan to a single TEMP-B-TREE scan.
//
// A marked row with no oplog presence at all is a local write awaiting
// upload, not a deletion: server removals always arrive as explicit
// REMOVE ops (NULL payload), so only those delete the user row.
func materializeRow(ctx context.Context, conn hostdb.Conn, r rowRef) error {
	query, args, err := statementBuilder.
		Select("data").
		From("ps_oplog o").
		Where(sq.Eq{"o.row_type": r.RowType, "o.row_id": r.RowID}).
		Where(`o.op_id = (SELECT max(op_id) FROM ps_oplog WHERE row_type = o.row_type AND row_id = o.row_id)`).
		Limit(1).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to build latest-payload query", err)
	}

	var data sql.NullString
	row := conn.QueryRowContext(ctx, query, args...)
	switch err := row.Scan(&data); err {
	case nil:
		// fallthrough to upsert/delete below
	case sql.ErrNoRows:
		return nil
	default:
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to scan latest payload", err)
	}

	dataTable := "ps_data__" + r.RowType
	if !data.Valid {
		delQuery, delArgs, err := statementBuilder.Delete(dataTable).Where(sq.Eq{"id": r.RowID}).ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to build row delete", err)
		}
		if _, err := conn.ExecContext(ctx, delQuery, delArgs...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to delete materialized row", err)
		}
		return nil
	}

	upsertQuery, upsertArgs, err := statementBuilder.
		Insert(dataTable).Columns("id", "data").Values(r.RowID, data.String).
		Suffix("ON CONFLICT(id) DO UPDATE SET data = excluded.data").
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to build row upsert", err)
	}
	if _, err := conn.ExecContext(ctx, upsertQuery, upsertArgs...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to upsert materialized row", err)
	}
	return nil
}

// clearMaterializedRows removes the ps_updated_rows entries that were
// just folded into user tables.
func clearMaterializedRows(ctx context.Context, conn hostdb.Conn, rows []rowRef) error {
	for _, r := range rows {
		query, args, err := statementBuilder.Delete("ps_updated_rows").
			Where(sq.Eq{"row_type": r.RowType, "row_id": r.RowID}).ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to build updated-row clear", err)
		}
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_MATERIAL, "failed to clear updated row", err)
		}
	}
	return nil
}

// SyncStateEntry is one row of ps_sync_state as reported to the host:
// Priority is nil for the full-checkpoint ("priority ∞") entry.
type SyncStateEntry struct {
	Priority     *int
	LastSyncedAt string
}

// LoadSyncState returns every recorded last_synced_at, for
// UpdateSyncStatus.status.priority_status.
func LoadSyncState(ctx context.Context, conn hostdb.Conn) ([]SyncStateEntry, error) {
	query, args, err := statementBuilder.Select("priority", "last_synced_at").From("ps_sync_state").ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to build sync_state query", err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to list sync_state", err)
	}
	defer rows.Close()

	var out []SyncStateEntry
	for rows.Next() {
		var priority int
		var lastSyncedAt string
		if err := rows.Scan(&priority, &lastSyncedAt); err != nil {
			return nil, synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to scan sync_state row", err)
		}
		entry := SyncStateEntry{LastSyncedAt: lastSyncedAt}
		if priority != priorityNone {
			p := priority
			entry.Priority = &p
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// priorityNone is the ps_sync_state key a full-checkpoint completion
// records under, beyond any real priority.
const priorityNone = -1

// recordSyncState persists last_synced_at for the completed priority (or
// priorityNone for a full checkpoint) and removes now-redundant
// finer-priority entries: completing priority p implies every
// numerically smaller (more important) priority has also been reached,
// and a full completion subsumes every per-priority entry outright.
func recordSyncState(ctx context.Context, conn hostdb.Conn, priority *int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	key := priorityNone
	if priority != nil {
		key = *priority
	}

	query, args, err := statementBuilder.
		Insert("ps_sync_state").Columns("priority", "last_synced_at").Values(key, now).
		Suffix("ON CONFLICT(priority) DO UPDATE SET last_synced_at = excluded.last_synced_at").
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to build sync_state upsert", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to persist sync_state", err)
	}

	if priority == nil {
		delQuery, delArgs, err := statementBuilder.Delete("ps_sync_state").Where(sq.NotEq{"priority": priorityNone}).ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to build sync_state cleanup", err)
		}
		if _, err := conn.ExecContext(ctx, delQuery, delArgs...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to clean up sync_state", err)
		}
		return nil
	}

	delQuery, delArgs, err := statementBuilder.Delete("ps_sync_state").
		Where(sq.Lt{"priority": *priority}).
		Where(sq.NotEq{"priority": priorityNone}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to build sync_state subsumption delete", err)
	}
	if _, err := conn.ExecContext(ctx, delQuery, delArgs...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SYNCLOCAL_PROGRESS, "failed to subsume finer sync_state entries", err)
	}
	return nil
}
