package synclocal_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/powersync-ja/powersync-sqlite-core/internal/crud"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synclocal"
	"github.com/powersync-ja/powersync-sqlite-core/internal/testutil"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A single bucket with no pending local writes publishes and
// materializes rows.
func TestSyncLocalSingleBucketHappyPath(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, schema.ReplaceSchema(ctx, db, logger, sJSON))

	bucket, err := oplog.EnsureBucket(ctx, db, logger, "b1")
	require.NoError(t, err)

	data := `{"name":"alice"}`
	result, err := oplog.ApplyOps(ctx, db, logger, *bucket, []wire.OplogEntryWire{
		{Op: wire.OpPut, OpID: wire.OpID(1), ObjectType: "users", ObjectID: "u1", Checksum: 10, Data: &data},
	})
	require.NoError(t, err)

	res, err := synclocal.Run(ctx, db, logger, int64(1), synclocal.Filter{})
	require.NoError(t, err)
	assert.True(t, res.Published)
	assert.Equal(t, 1, res.RowsTouched)

	var name string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = 'u1'`).Scan(&name))
	assert.Equal(t, "alice", name)

	var lastApplied int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT last_applied_op FROM ps_buckets WHERE id = ?`, result.Bucket.ID).Scan(&lastApplied))
	assert.Equal(t, int64(1), lastApplied)
}

// A pending local CRUD write blocks a full (priority-less) publication.
func TestSyncLocalBlockedByPendingLocalWrite(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, schema.ReplaceSchema(ctx, db, logger, sJSON))

	w := crud.NewWriter(logger)
	require.NoError(t, w.Append(ctx, db, crud.Op{Op: crud.OpPut, Type: "users", ID: "local-1"}, 1))

	bucket, err := oplog.EnsureBucket(ctx, db, logger, "b1")
	require.NoError(t, err)
	data := `{"name":"bob"}`
	_, err = oplog.ApplyOps(ctx, db, logger, *bucket, []wire.OplogEntryWire{
		{Op: wire.OpPut, OpID: wire.OpID(1), ObjectType: "users", ObjectID: "u2", Checksum: 20, Data: &data},
	})
	require.NoError(t, err)

	res, err := synclocal.Run(ctx, db, logger, int64(1), synclocal.Filter{})
	require.NoError(t, err)
	assert.False(t, res.Published, "full sync_local must defer while a local write is pending")

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE id = 'u2'`).Scan(&count))
	assert.Equal(t, 0, count)
}

// A priority-0 run still publishes even with local writes pending.
func TestSyncLocalPriorityZeroOverridesPendingWrites(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, schema.ReplaceSchema(ctx, db, logger, sJSON))

	w := crud.NewWriter(logger)
	require.NoError(t, w.Append(ctx, db, crud.Op{Op: crud.OpPut, Type: "users", ID: "local-1"}, 1))

	bucket, err := oplog.EnsureBucket(ctx, db, logger, "b1")
	require.NoError(t, err)
	data := `{"name":"carol"}`
	_, err = oplog.ApplyOps(ctx, db, logger, *bucket, []wire.OplogEntryWire{
		{Op: wire.OpPut, OpID: wire.OpID(1), ObjectType: "users", ObjectID: "u3", Checksum: 30, Data: &data},
	})
	require.NoError(t, err)

	zero := 0
	res, err := synclocal.Run(ctx, db, logger, int64(1), synclocal.Filter{Priority: &zero})
	require.NoError(t, err)
	assert.True(t, res.Published)

	var name string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = 'u3'`).Scan(&name))
	assert.Equal(t, "carol", name)
}

func TestSyncLocalDeleteRemovesRow(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, schema.ReplaceSchema(ctx, db, logger, sJSON))

	bucket, err := oplog.EnsureBucket(ctx, db, logger, "b1")
	require.NoError(t, err)
	data := `{"name":"dave"}`
	_, err = oplog.ApplyOps(ctx, db, logger, *bucket, []wire.OplogEntryWire{
		{Op: wire.OpPut, OpID: wire.OpID(1), ObjectType: "users", ObjectID: "u4", Checksum: 40, Data: &data},
	})
	require.NoError(t, err)
	_, err = synclocal.Run(ctx, db, logger, int64(1), synclocal.Filter{})
	require.NoError(t, err)

	bucket2, err := oplog.GetBucket(ctx, db, "b1")
	require.NoError(t, err)
	_, err = oplog.ApplyOps(ctx, db, logger, *bucket2, []wire.OplogEntryWire{
		{Op: wire.OpRemove, OpID: wire.OpID(2), ObjectType: "users", ObjectID: "u4", Checksum: 41},
	})
	require.NoError(t, err)
	_, err = synclocal.Run(ctx, db, logger, int64(2), synclocal.Filter{})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE id = 'u4'`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestRecordSyncStateSubsumesFinerPriorities(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, schema.ReplaceSchema(ctx, db, logger, sJSON))

	p1 := 1
	_, err = synclocal.Run(ctx, db, logger, int64(1), synclocal.Filter{Priority: &p1})
	require.NoError(t, err)

	p3 := 3
	_, err = synclocal.Run(ctx, db, logger, int64(2), synclocal.Filter{Priority: &p3})
	require.NoError(t, err)

	entries, err := synclocal.LoadSyncState(ctx, db)
	require.NoError(t, err)

	foundP1 := false
	for _, e := range entries {
		if e.Priority != nil && *e.Priority == 1 {
			foundP1 = true
		}
	}
	assert.False(t, foundP1, "completing priority 3 subsumes the finer priority 1 entry")
}

func TestRecordSyncStateFullCompletionClearsPerPriorityEntries(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, schema.ReplaceSchema(ctx, db, logger, sJSON))

	p1 := 1
	_, err = synclocal.Run(ctx, db, logger, int64(1), synclocal.Filter{Priority: &p1})
	require.NoError(t, err)

	_, err = synclocal.Run(ctx, db, logger, int64(2), synclocal.Filter{})
	require.NoError(t, err)

	entries, err := synclocal.LoadSyncState(ctx, db)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Priority)
}
