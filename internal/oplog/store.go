package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/metrics"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
)

const (
	LOC_STORE_APPLY    = "SYN_OPL_020"
	LOC_STORE_CLEAR    = "SYN_OPL_021"
	LOC_STORE_MARK     = "SYN_OPL_022"
	LOC_STORE_VALIDATE = "SYN_OPL_023"
)

// Key builds the dedup key for an oplog entry: row_type/row_id[/subkey].
func Key(rowType, rowID string, subkey *string) string {
	if subkey != nil {
		return fmt.Sprintf("%s/%s/%s", rowType, rowID, *subkey)
	}
	return fmt.Sprintf("%s/%s", rowType, rowID)
}

// ApplyResult reports what ApplyOps changed, for progress/log reporting.
type ApplyResult struct {
	Bucket      Bucket
	OpsApplied  int
	TouchedRows []RowRef
}

// RowRef identifies a user row that sync_local must re-evaluate.
type RowRef struct {
	RowType string
	RowID   string
}

// ApplyOps applies one bucket's worth of ops (from a `data` line) to the
// oplog, maintaining the checksum accumulators and the dedup-by-key
// supersede rule.
func ApplyOps(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, bucket Bucket, ops []wire.OplogEntryWire) (ApplyResult, error) {
	result := ApplyResult{Bucket: bucket}

	for _, op := range ops {
		switch op.Op {
		case wire.OpClear:
			if err := clearBucket(ctx, conn, &bucket); err != nil {
				return result, err
			}
			logger.Debug("cleared bucket", "bucket", bucket.Name, "loc", LOC_STORE_CLEAR)

		case wire.OpPut, wire.OpRemove:
			key := Key(op.ObjectType, op.ObjectID, op.Subkey)

			if err := supersede(ctx, conn, &bucket, key); err != nil {
				return result, err
			}

			var data any
			if op.Op == wire.OpPut && op.Data != nil {
				data = *op.Data
			} else {
				data = nil
			}

			query, args, err := statementBuilder.
				Insert("ps_oplog").
				Columns("bucket", "op_id", "row_type", "row_id", "key", "data", "hash").
				Values(bucket.ID, int64(op.OpID), op.ObjectType, op.ObjectID, key, data, op.Checksum).
				ToSql()
			if err != nil {
				return result, synccore.Wrap(synccore.ClassInternal, LOC_STORE_APPLY, "failed to build oplog insert", err)
			}
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return result, synccore.Wrap(synccore.ClassInternal, LOC_STORE_APPLY, "failed to insert oplog row", err)
			}

			bucket.OpChecksum = AddChecksum(bucket.OpChecksum, op.Checksum)
			bucket.CountSinceLast++
			result.TouchedRows = append(result.TouchedRows, RowRef{RowType: op.ObjectType, RowID: op.ObjectID})

			if err := markUpdatedRow(ctx, conn, op.ObjectType, op.ObjectID); err != nil {
				return result, err
			}

		default:
			return result, synccore.Protocolf(LOC_STORE_APPLY, "Sync protocol error: unknown op %q", op.Op)
		}
		metrics.OpsAppliedTotal.WithLabelValues(string(op.Op)).Inc()
		result.OpsApplied++
	}

	if err := UpdateChecksums(ctx, conn, bucket.ID, bucket.AddChecksum, bucket.OpChecksum); err != nil {
		return result, err
	}
	if err := UpdateProgress(ctx, conn, bucket.ID, bucket.CountAtLast, bucket.CountSinceLast); err != nil {
		return result, err
	}

	result.Bucket = bucket
	return result, nil
}

// supersede deletes any existing row with the same (bucket, key),
// folding its hash out of op_checksum and into add_checksum so the
// bucket's net checksum is unaffected by the replacement.
func supersede(ctx context.Context, conn hostdb.Conn, bucket *Bucket, key string) error {
	query, args, err := statementBuilder.
		Select("hash").
		From("ps_oplog").
		Where(sq.Eq{"bucket": bucket.ID, "key": key}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_STORE_APPLY, "failed to build supersede lookup", err)
	}

	var oldHash uint32
	row := conn.QueryRowContext(ctx, query, args...)
	switch err := row.Scan(&oldHash); err {
	case nil:
		delQuery, delArgs, err := statementBuilder.
			Delete("ps_oplog").
			Where(sq.Eq{"bucket": bucket.ID, "key": key}).
			ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_STORE_APPLY, "failed to build supersede delete", err)
		}
		if _, err := conn.ExecContext(ctx, delQuery, delArgs...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_STORE_APPLY, "failed to delete superseded oplog row", err)
		}
		bucket.OpChecksum = SubChecksum(bucket.OpChecksum, oldHash)
		bucket.AddChecksum = AddChecksum(bucket.AddChecksum, oldHash)
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return synccore.Wrap(synccore.ClassInternal, LOC_STORE_APPLY, "failed to look up superseded oplog row", err)
	}
}

// clearBucket implements the CLEAR op: delete all rows of this bucket,
// fold the current op_checksum into add_checksum, and reset op_checksum
// to zero.
func clearBucket(ctx context.Context, conn hostdb.Conn, bucket *Bucket) error {
	query, args, err := statementBuilder.Delete("ps_oplog").Where(sq.Eq{"bucket": bucket.ID}).ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_STORE_CLEAR, "failed to build clear delete", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_STORE_CLEAR, "failed to clear bucket oplog", err)
	}

	bucket.AddChecksum = AddChecksum(bucket.AddChecksum, bucket.OpChecksum)
	bucket.OpChecksum = 0
	return nil
}

// markUpdatedRow records a (row_type, row_id) pair that sync_local must
// re-evaluate, ignoring duplicates.
func markUpdatedRow(ctx context.Context, conn hostdb.Conn, rowType, rowID string) error {
	query, args, err := statementBuilder.
		Insert("ps_updated_rows").
		Columns("row_type", "row_id").
		Values(rowType, rowID).
		Suffix("ON CONFLICT(row_type, row_id) DO NOTHING").
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_STORE_MARK, "failed to build updated-row insert", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_STORE_MARK, "failed to mark updated row", err)
	}
	return nil
}

// ValidationFailure reports a bucket whose declared checksum doesn't
// match the locally computed one.
type ValidationFailure struct {
	Bucket           string
	Expected         uint32
	ComputedOp       uint32
	ComputedAdd      uint32
}

func (v ValidationFailure) Computed() uint32 { return NetChecksum(v.ComputedAdd, v.ComputedOp) }

// ValidateBuckets compares each declared bucket checksum against the
// locally accumulated one, returning the buckets that failed.
func ValidateBuckets(ctx context.Context, conn hostdb.Conn, declared map[string]uint32) ([]ValidationFailure, error) {
	var failures []ValidationFailure
	for name, want := range declared {
		b, err := GetBucket(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		if b == nil {
			// Bucket never received data; an empty bucket's checksum is 0.
			if want != 0 {
				failures = append(failures, ValidationFailure{Bucket: name, Expected: want})
			}
			continue
		}
		if got := b.Checksum(); got != want {
			failures = append(failures, ValidationFailure{Bucket: name, Expected: want, ComputedOp: b.OpChecksum, ComputedAdd: b.AddChecksum})
		}
	}
	return failures, nil
}
