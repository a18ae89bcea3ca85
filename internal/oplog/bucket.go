package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

// LocalBucketName is the reserved bucket whose presence indicates pending
// local writes.
const LocalBucketName = "$local"

// localTargetOp is $local's target_op: the maximum op id, since local
// writes are never bounded by a server checkpoint.
const localTargetOp = int64(9223372036854775807)

const (
	LOC_BUCKET_GET     = "SYN_OPL_010"
	LOC_BUCKET_CREATE  = "SYN_OPL_011"
	LOC_BUCKET_DELETE  = "SYN_OPL_012"
	LOC_BUCKET_UPDATE  = "SYN_OPL_013"
	LOC_BUCKET_LIST    = "SYN_OPL_014"
)

// Bucket mirrors one row of ps_buckets. CountAtLast and CountSinceLast
// back the in-memory download-progress map rebuilt at session start.
type Bucket struct {
	ID             int64
	Name           string
	LastAppliedOp  int64
	LastOp         int64
	TargetOp       int64
	AddChecksum    uint32
	OpChecksum     uint32
	CountAtLast    int64
	CountSinceLast int64
	PendingDelete  bool
}

// Checksum returns the bucket's net checksum as the checkpoint protocol
// reports it.
func (b Bucket) Checksum() uint32 { return NetChecksum(b.AddChecksum, b.OpChecksum) }

var statementBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// GetBucket fetches a bucket by name, returning (nil, nil) if absent.
func GetBucket(ctx context.Context, conn hostdb.Conn, name string) (*Bucket, error) {
	query, args, err := statementBuilder.
		Select("id", "name", "last_applied_op", "last_op", "target_op", "add_checksum", "op_checksum", "count_at_last", "count_since_last", "pending_delete").
		From("ps_buckets").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_GET, "failed to build bucket query", err)
	}

	row := conn.QueryRowContext(ctx, query, args...)
	var b Bucket
	var pendingDelete int
	if err := row.Scan(&b.ID, &b.Name, &b.LastAppliedOp, &b.LastOp, &b.TargetOp, &b.AddChecksum, &b.OpChecksum, &b.CountAtLast, &b.CountSinceLast, &pendingDelete); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_GET, "failed to scan bucket row", err)
	}
	b.PendingDelete = pendingDelete != 0
	return &b, nil
}

// ListBuckets returns every bucket except $local (unless includeLocal).
func ListBuckets(ctx context.Context, conn hostdb.Conn, includeLocal bool) ([]Bucket, error) {
	sel := statementBuilder.
		Select("id", "name", "last_applied_op", "last_op", "target_op", "add_checksum", "op_checksum", "count_at_last", "count_since_last", "pending_delete").
		From("ps_buckets")
	if !includeLocal {
		sel = sel.Where(sq.NotEq{"name": LocalBucketName})
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_LIST, "failed to build bucket list query", err)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_LIST, "failed to list buckets", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		var pendingDelete int
		if err := rows.Scan(&b.ID, &b.Name, &b.LastAppliedOp, &b.LastOp, &b.TargetOp, &b.AddChecksum, &b.OpChecksum, &b.CountAtLast, &b.CountSinceLast, &pendingDelete); err != nil {
			return nil, synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_LIST, "failed to scan bucket row", err)
		}
		b.PendingDelete = pendingDelete != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

// EnsureBucket returns the named bucket, creating it with zeroed
// accumulators if it doesn't exist yet.
func EnsureBucket(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, name string) (*Bucket, error) {
	if b, err := GetBucket(ctx, conn, name); err != nil {
		return nil, err
	} else if b != nil {
		return b, nil
	}

	targetOp := int64(0)
	if name == LocalBucketName {
		targetOp = localTargetOp
	}
	query, args, err := statementBuilder.
		Insert("ps_buckets").
		Columns("name", "last_applied_op", "last_op", "target_op", "add_checksum", "op_checksum", "count_at_last", "count_since_last", "pending_delete").
		Values(name, 0, 0, targetOp, 0, 0, 0, 0, 0).
		ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_CREATE, "failed to build bucket insert", err)
	}

	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_CREATE, fmt.Sprintf("failed to create bucket %s", name), err)
	}

	logger.Debug("created bucket", "bucket", name, "loc", LOC_BUCKET_CREATE)
	return GetBucket(ctx, conn, name)
}

// DeleteBucket removes a bucket and all of its oplog rows.
func DeleteBucket(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, name string) error {
	delOplog, args1, err := statementBuilder.Delete("ps_oplog").
		Where("bucket = (SELECT id FROM ps_buckets WHERE name = ?)", name).ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_DELETE, "failed to build oplog delete", err)
	}
	if _, err := conn.ExecContext(ctx, delOplog, args1...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_DELETE, fmt.Sprintf("failed to delete oplog for bucket %s", name), err)
	}

	delBucket, args2, err := statementBuilder.Delete("ps_buckets").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_DELETE, "failed to build bucket delete", err)
	}
	if _, err := conn.ExecContext(ctx, delBucket, args2...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_DELETE, fmt.Sprintf("failed to delete bucket %s", name), err)
	}

	logger.Debug("deleted bucket", "bucket", name, "loc", LOC_BUCKET_DELETE)
	return nil
}

// UpdateChecksums persists add_checksum/op_checksum for a bucket.
func UpdateChecksums(ctx context.Context, conn hostdb.Conn, bucketID int64, addChecksum, opChecksum uint32) error {
	query, args, err := statementBuilder.
		Update("ps_buckets").
		Set("add_checksum", addChecksum).
		Set("op_checksum", opChecksum).
		Where(sq.Eq{"id": bucketID}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to build checksum update", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to persist bucket checksums", err)
	}
	return nil
}

// UpdateProgress persists the progress counters used to rebuild the
// in-memory progress map on session start.
func UpdateProgress(ctx context.Context, conn hostdb.Conn, bucketID int64, countAtLast, countSinceLast int64) error {
	query, args, err := statementBuilder.
		Update("ps_buckets").
		Set("count_at_last", countAtLast).
		Set("count_since_last", countSinceLast).
		Where(sq.Eq{"id": bucketID}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to build progress update", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to persist bucket progress", err)
	}
	return nil
}

// UpdateLastAppliedOp persists last_applied_op after a successful
// sync_local materialization.
func UpdateLastAppliedOp(ctx context.Context, conn hostdb.Conn, bucketID int64, lastAppliedOp int64) error {
	query, args, err := statementBuilder.
		Update("ps_buckets").
		Set("last_applied_op", lastAppliedOp).
		Where(sq.Eq{"id": bucketID}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to build last_applied_op update", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to persist last_applied_op", err)
	}
	return nil
}

// SetLastOp persists last_op after checksum validation succeeds.
func SetLastOp(ctx context.Context, conn hostdb.Conn, bucketID int64, lastOp int64) error {
	query, args, err := statementBuilder.
		Update("ps_buckets").
		Set("last_op", lastOp).
		Where(sq.Eq{"id": bucketID}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to build last_op update", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_BUCKET_UPDATE, "failed to persist last_op", err)
	}
	return nil
}
