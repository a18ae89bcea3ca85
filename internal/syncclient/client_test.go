package syncclient_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/powersync-ja/powersync-sqlite-core/internal/syncclient"
	"github.com/powersync-ja/powersync-sqlite-core/internal/testutil"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient() *syncclient.Client {
	return syncclient.NewClient(testutil.Logger())
}

func TestStartEmitsEstablishSyncStream(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	instrs, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	_, ok := instrs[0].(wire.EstablishSyncStream)
	assert.True(t, ok)
	assert.Equal(t, syncclient.PhaseConnecting, c.Phase())
}

func TestStartWithSchemaAppliesIt(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	payload, err := json.Marshal(syncclient.StartPayload{Schema: sJSON})
	require.NoError(t, err)

	_, err = c.Control(ctx, db, "start", payload)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO users(id, name) VALUES ('u1', 'alice')`)
	require.NoError(t, err)
}

func TestStopClosesStream(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	instrs, err := c.Control(ctx, db, "stop", nil)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	close, ok := instrs[0].(wire.CloseSyncStream)
	require.True(t, ok)
	assert.False(t, close.HideDisconnect)
	assert.Equal(t, syncclient.PhaseIdle, c.Phase())
}

func TestConnectionEstablishedMovesToStreaming(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	payload, err := json.Marshal("established")
	require.NoError(t, err)
	_, err = c.Control(ctx, db, "connection", payload)
	require.NoError(t, err)
	assert.Equal(t, syncclient.PhaseStreaming, c.Phase())
}

func TestConnectionUnknownStateIsProtocolError(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	payload, err := json.Marshal("bogus")
	require.NoError(t, err)
	_, err = c.Control(ctx, db, "connection", payload)
	assert.Error(t, err)
}

func TestUnknownControlCommandIsProtocolError(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "not_a_real_command", nil)
	assert.Error(t, err)
}

func checkpointLine(t *testing.T, lastOpID int64, buckets ...wire.BucketDescription) []byte {
	t.Helper()
	body := wire.CheckpointBody{LastOpID: wire.OpID(lastOpID), Buckets: buckets}
	line := wire.Line{Checkpoint: &body}
	b, err := json.Marshal(line)
	require.NoError(t, err)
	return b
}

func TestCheckpointDeletesBucketsNoLongerListed(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	// Establish a bucket the client already knows about, which the
	// first checkpoint below will not mention.
	_, err = oplog.EnsureBucket(ctx, db, logger, "stale-bucket")
	require.NoError(t, err)

	line := checkpointLine(t, 5, wire.BucketDescription{Bucket: "b1", Checksum: 0, Priority: 3})
	_, err = c.Control(ctx, db, "line_text", line)
	require.NoError(t, err)

	got, err := oplog.GetBucket(ctx, db, "stale-bucket")
	require.NoError(t, err)
	assert.Nil(t, got, "checkpoint must delete buckets it no longer lists")

	got, err = oplog.GetBucket(ctx, db, "b1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCheckpointPreservesLocalBucket(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	_, err = oplog.EnsureBucket(ctx, db, logger, oplog.LocalBucketName)
	require.NoError(t, err)

	line := checkpointLine(t, 1, wire.BucketDescription{Bucket: "b1", Checksum: 0, Priority: 3})
	_, err = c.Control(ctx, db, "line_text", line)
	require.NoError(t, err)

	got, err := oplog.GetBucket(ctx, db, oplog.LocalBucketName)
	require.NoError(t, err)
	assert.NotNil(t, got, "$local must survive a full checkpoint")
}

func TestCheckpointCompleteWithoutCheckpointIsProtocolError(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	body := wire.CheckpointCompleteBody{LastOpID: wire.OpID(1)}
	line := wire.Line{CheckpointComplete: &body}
	b, err := json.Marshal(line)
	require.NoError(t, err)

	_, err = c.Control(ctx, db, "line_text", b)
	assert.Error(t, err)
}

func TestCheckpointDiffWithoutPriorCheckpointIsProtocolError(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	body := wire.CheckpointDiffBody{LastOpID: wire.OpID(1)}
	line := wire.Line{CheckpointDiff: &body}
	b, err := json.Marshal(line)
	require.NoError(t, err)

	_, err = c.Control(ctx, db, "line_text", b)
	assert.Error(t, err)
}

// TestFullCheckpointLifecycleValidatesAndPublishes exercises checkpoint
// -> data -> checkpoint_complete end to end, verifying that a matching
// checksum allows sync_local to publish into the user table.
func TestFullCheckpointLifecycleValidatesAndPublishes(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	s := schema.Schema{Tables: []schema.TableSpec{{
		Name:    "users",
		Columns: []schema.ColumnSpec{{Name: "name", Type: "TEXT"}},
	}}}
	sJSON, err := json.Marshal(s)
	require.NoError(t, err)
	startPayload, err := json.Marshal(syncclient.StartPayload{Schema: sJSON})
	require.NoError(t, err)
	_, err = c.Control(ctx, db, "start", startPayload)
	require.NoError(t, err)

	checksum := oplog.AddChecksum(0, 111)
	cpLine := checkpointLine(t, 1, wire.BucketDescription{Bucket: "b1", Checksum: checksum, Priority: 3})
	_, err = c.Control(ctx, db, "line_text", cpLine)
	require.NoError(t, err)

	rowData := `{"name":"alice"}`
	dataBody := wire.DataBody{Bucket: "b1", Data: []wire.OplogEntryWire{
		{Op: wire.OpPut, OpID: wire.OpID(1), ObjectType: "users", ObjectID: "u1", Checksum: 111, Data: &rowData},
	}}
	dataLine := wire.Line{Data: &dataBody}
	dataB, err := json.Marshal(dataLine)
	require.NoError(t, err)
	_, err = c.Control(ctx, db, "line_text", dataB)
	require.NoError(t, err)

	completeBody := wire.CheckpointCompleteBody{LastOpID: wire.OpID(1)}
	completeLine := wire.Line{CheckpointComplete: &completeBody}
	completeB, err := json.Marshal(completeLine)
	require.NoError(t, err)
	instrs, err := c.Control(ctx, db, "line_text", completeB)
	require.NoError(t, err)

	var sawCompleteSync bool
	for _, instr := range instrs {
		if _, ok := instr.(wire.DidCompleteSync); ok {
			sawCompleteSync = true
		}
	}
	assert.True(t, sawCompleteSync)
	assert.Equal(t, syncclient.PhaseStreaming, c.Phase())

	var name string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = 'u1'`).Scan(&name))
	assert.Equal(t, "alice", name)
}

// A checksum mismatch drops the bucket, logs a warning with the exact
// expected/got breakdown, and closes the stream.
func TestChecksumMismatchDropsBucketAndLogs(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	cpLine := checkpointLine(t, 1, wire.BucketDescription{Bucket: "b1", Checksum: 1234, Priority: 3})
	_, err = c.Control(ctx, db, "line_text", cpLine)
	require.NoError(t, err)

	rowData := `{}`
	dataBody := wire.DataBody{Bucket: "b1", Data: []wire.OplogEntryWire{
		{Op: wire.OpPut, OpID: wire.OpID(1), ObjectType: "users", ObjectID: "u1", Checksum: 4321, Data: &rowData},
	}}
	dataLine := wire.Line{Data: &dataBody}
	dataB, err := json.Marshal(dataLine)
	require.NoError(t, err)
	_, err = c.Control(ctx, db, "line_text", dataB)
	require.NoError(t, err)

	completeBody := wire.CheckpointCompleteBody{LastOpID: wire.OpID(1)}
	completeLine := wire.Line{CheckpointComplete: &completeBody}
	completeB, err := json.Marshal(completeLine)
	require.NoError(t, err)
	instrs, err := c.Control(ctx, db, "line_text", completeB)
	require.NoError(t, err)

	var sawLogLine, sawClose bool
	for _, instr := range instrs {
		if ll, ok := instr.(wire.LogLine); ok {
			sawLogLine = true
			assert.Equal(t, wire.SeverityWarning, ll.Severity)
			assert.Contains(t, ll.Line, "expected 0x000004d2, got 0x000010e1 = 0x000010e1 (op) + 0x00000000 (add)")
		}
		if cs, ok := instr.(wire.CloseSyncStream); ok {
			sawClose = true
			assert.False(t, cs.HideDisconnect)
		}
	}
	assert.True(t, sawLogLine)
	assert.True(t, sawClose)

	got, err := oplog.GetBucket(ctx, db, "b1")
	require.NoError(t, err)
	assert.Nil(t, got, "failed bucket must be dropped")
	assert.Equal(t, syncclient.PhaseValidating, c.Phase(), "checksum failure must not advance to streaming")
}

func TestTokenExpiresInBelowThresholdRequestsRefresh(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	seconds := int64(10)
	line := wire.Line{TokenExpiresIn: &seconds}
	b, err := json.Marshal(line)
	require.NoError(t, err)

	instrs, err := c.Control(ctx, db, "line_text", b)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	fc, ok := instrs[0].(wire.FetchCredentials)
	require.True(t, ok)
	assert.False(t, fc.DidExpire)
}

func TestTokenExpiresInAboveThresholdDoesNothing(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	seconds := int64(120)
	line := wire.Line{TokenExpiresIn: &seconds}
	b, err := json.Marshal(line)
	require.NoError(t, err)

	instrs, err := c.Control(ctx, db, "line_text", b)
	require.NoError(t, err)
	assert.Empty(t, instrs)
}

func TestStreamErrorEmitsWarningLogLine(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	body := wire.StreamErrorBody{Message: "stream failed", Subscription: 0}
	line := wire.Line{StreamError: &body}
	b, err := json.Marshal(line)
	require.NoError(t, err)

	instrs, err := c.Control(ctx, db, "line_text", b)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	ll, ok := instrs[0].(wire.LogLine)
	require.True(t, ok)
	assert.Equal(t, "stream failed", ll.Line)
}

func TestSubscriptionsControlCommandTriggersReconnect(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"subscribe": []map[string]any{{"stream": "orders"}},
	})
	require.NoError(t, err)

	instrs, err := c.Control(ctx, db, "subscriptions", payload)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	close, ok := instrs[0].(wire.CloseSyncStream)
	require.True(t, ok)
	assert.True(t, close.HideDisconnect)
}

func TestEmptySubscriptionsPayloadIsNoOp(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	instrs, err := c.Control(ctx, db, "subscriptions", []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, instrs)
}

func TestUpdateSubscriptionsAcceptsBareList(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	_, err = c.Control(ctx, db, "update_subscriptions", []byte(`["orders"]`))
	require.NoError(t, err)

	_, err = c.Control(ctx, db, "update_subscriptions", []byte(`{"active_streams":["orders"]}`))
	require.NoError(t, err)
}

func TestCompletedUploadWithoutCheckpointJustResetsCrud(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	c := newClient()

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	instrs, err := c.Control(ctx, db, "completed_upload", nil)
	require.NoError(t, err)
	assert.Empty(t, instrs)
}
