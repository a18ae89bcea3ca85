package syncclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/metrics"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/subscriptions"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synclocal"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
)

// handleLinePayload decodes a server line in either encoding and dispatches
// it to the matching handler.
func (c *Client) handleLinePayload(ctx context.Context, conn hostdb.Conn, payload []byte, binary bool) ([]wire.Instruction, error) {
	var (
		line *wire.Line
		err  error
	)
	if binary {
		line, err = wire.DecodeBSONLine(payload)
	} else {
		line, err = wire.DecodeJSONLine(payload)
	}
	if err != nil {
		return nil, err
	}

	switch line.Kind() {
	case "checkpoint":
		return c.handleCheckpoint(ctx, conn, *line.Checkpoint)
	case "checkpoint_diff":
		return c.handleCheckpointDiff(*line.CheckpointDiff)
	case "data":
		return c.handleData(ctx, conn, *line.Data)
	case "checkpoint_complete":
		return c.handleCheckpointComplete(ctx, conn, *line.CheckpointComplete)
	case "partial_checkpoint_complete":
		return c.handlePartialCheckpointComplete(ctx, conn, *line.PartialCheckpointComplete)
	case "token_expires_in":
		return c.handleTokenExpiresIn(ctx, conn, *line.TokenExpiresIn)
	case "stream_error":
		return c.handleStreamError(*line.StreamError)
	default:
		return nil, synccore.Protocolf(LOC_CLIENT_LINE, "Sync protocol error: unrecognized line kind %q", line.Kind())
	}
}

func (c *Client) handleCheckpoint(ctx context.Context, conn hostdb.Conn, body wire.CheckpointBody) ([]wire.Instruction, error) {
	cp := newCheckpointFromLine(body)
	for name := range cp.Buckets {
		if _, err := oplog.EnsureBucket(ctx, conn, c.logger, name); err != nil {
			return nil, err
		}
	}

	// A full checkpoint is authoritative: any bucket this client knows
	// about but the server no longer lists is gone. $local is exempt.
	existing, err := oplog.ListBuckets(ctx, conn, false)
	if err != nil {
		return nil, err
	}
	for _, b := range existing {
		if _, stillKnown := cp.Buckets[b.Name]; !stillKnown {
			if err := oplog.DeleteBucket(ctx, conn, c.logger, b.Name); err != nil {
				return nil, err
			}
		}
	}

	if err := subscriptions.ApplyServerStreams(ctx, conn, c.logger, cp.Streams); err != nil {
		return nil, err
	}

	c.session.Checkpoint = cp
	c.session.Phase = PhaseValidating
	c.session.Progress.ApplyCheckpointCounts(cp)

	c.logger.Debug("received checkpoint", "buckets", len(cp.Buckets), "last_op_id", cp.LastOpID, "loc", LOC_CLIENT_LINE)
	status, err := c.statusInstruction(ctx, conn)
	if err != nil {
		return nil, err
	}
	return []wire.Instruction{status}, nil
}

func (c *Client) handleCheckpointDiff(diff wire.CheckpointDiffBody) ([]wire.Instruction, error) {
	if c.session.Checkpoint == nil {
		return nil, synccore.Protocolf(LOC_CLIENT_LINE, "Sync protocol error: checkpoint_diff received with no active checkpoint")
	}
	c.session.Checkpoint.ApplyDiff(diff)
	c.session.Progress.ApplyCheckpointCounts(c.session.Checkpoint)
	return nil, nil
}

func (c *Client) handleData(ctx context.Context, conn hostdb.Conn, body wire.DataBody) ([]wire.Instruction, error) {
	c.session.Phase = PhaseApplying
	bucket, err := oplog.EnsureBucket(ctx, conn, c.logger, body.Bucket)
	if err != nil {
		return nil, err
	}
	result, err := oplog.ApplyOps(ctx, conn, c.logger, *bucket, body.Data)
	if err != nil {
		return nil, err
	}

	bp := c.session.Progress[body.Bucket]
	bp.CountAtLast = result.Bucket.CountAtLast
	bp.CountSinceLast = result.Bucket.CountSinceLast
	c.session.Progress[body.Bucket] = bp

	var oplogRows int64
	if err := conn.QueryRowContext(ctx, "SELECT count(*) FROM ps_oplog").Scan(&oplogRows); err == nil {
		metrics.OplogRowsTotal.Set(float64(oplogRows))
	}

	status, err := c.statusInstruction(ctx, conn)
	if err != nil {
		return nil, err
	}
	return []wire.Instruction{status}, nil
}

func (c *Client) handleCheckpointComplete(ctx context.Context, conn hostdb.Conn, body wire.CheckpointCompleteBody) ([]wire.Instruction, error) {
	cp := c.session.Checkpoint
	if cp == nil {
		return nil, synccore.Protocolf(LOC_CLIENT_LINE, "Sync protocol error: checkpoint_complete received with no active checkpoint")
	}
	c.session.Phase = PhaseValidating

	names := cp.BucketNames(oplog.LocalBucketName)
	declared := cp.ChecksumsFor(names)
	instructions, ok, err := c.validateAndApply(ctx, conn, declared, int64(body.LastOpID), synclocal.Filter{})
	if err != nil {
		return nil, err
	}
	if ok {
		c.session.Phase = PhaseStreaming
	}
	return instructions, nil
}

func (c *Client) handlePartialCheckpointComplete(ctx context.Context, conn hostdb.Conn, body wire.PartialCheckpointCompleteBody) ([]wire.Instruction, error) {
	cp := c.session.Checkpoint
	if cp == nil {
		return nil, synccore.Protocolf(LOC_CLIENT_LINE, "Sync protocol error: partial_checkpoint_complete received with no active checkpoint")
	}

	names := cp.BucketsAtPriority(body.Priority)
	declared := cp.ChecksumsFor(names)
	priority := body.Priority
	instructions, _, err := c.validateAndApply(ctx, conn, declared, int64(body.LastOpID), synclocal.Filter{Buckets: names, Priority: &priority})
	if err != nil {
		return nil, err
	}
	return instructions, nil
}

// validateAndApply validates declared checksums, drops and logs any bucket
// that fails, then runs
// sync_local over whatever passed. ok reports whether every declared
// bucket validated cleanly.
func (c *Client) validateAndApply(ctx context.Context, conn hostdb.Conn, declared map[string]uint32, lastOpID int64, filter synclocal.Filter) ([]wire.Instruction, bool, error) {
	failures, err := oplog.ValidateBuckets(ctx, conn, declared)
	if err != nil {
		return nil, false, err
	}

	var instructions []wire.Instruction
	for _, f := range failures {
		msg := formatChecksumMismatch(f)
		c.logger.Warn(msg, "bucket", f.Bucket, "loc", LOC_CLIENT_LINE)
		metrics.ChecksumFailuresTotal.WithLabelValues(f.Bucket).Inc()
		instructions = append(instructions, wire.LogLine{Severity: wire.SeverityWarning, Line: msg})
		if err := oplog.DeleteBucket(ctx, conn, c.logger, f.Bucket); err != nil {
			return nil, false, err
		}
	}
	if len(failures) > 0 {
		// The session has to restart to re-download the dropped buckets.
		instructions = append(instructions, wire.CloseSyncStream{HideDisconnect: false})
		return instructions, false, nil
	}

	for name := range declared {
		b, err := oplog.GetBucket(ctx, conn, name)
		if err != nil {
			return nil, false, err
		}
		if b == nil {
			continue
		}
		if err := oplog.SetLastOp(ctx, conn, b.ID, lastOpID); err != nil {
			return nil, false, err
		}
		// The validated download becomes the new progress baseline.
		if err := oplog.UpdateProgress(ctx, conn, b.ID, b.CountAtLast+b.CountSinceLast, 0); err != nil {
			return nil, false, err
		}
		bp := c.session.Progress[name]
		bp.CountAtLast, bp.CountSinceLast = b.CountAtLast+b.CountSinceLast, 0
		c.session.Progress[name] = bp
	}

	result, err := synclocal.Run(ctx, conn, c.logger, lastOpID, filter)
	if err != nil {
		return nil, false, err
	}
	if result.Published {
		if filter.Priority == nil {
			// A full checkpoint landed; ask the host to flush its VFS so
			// the materialized rows survive a crash.
			instructions = append(instructions, wire.FlushFileSystem{})
		}
		instructions = append(instructions, wire.DidCompleteSync{})
	}

	status, err := c.statusInstruction(ctx, conn)
	if err != nil {
		return nil, false, err
	}
	return append(instructions, status), true, nil
}

func formatChecksumMismatch(f oplog.ValidationFailure) string {
	return synccore.Protocolf(LOC_CLIENT_LINE,
		"Checksum mismatch for bucket %s: expected 0x%08x, got 0x%08x = 0x%08x (op) + 0x%08x (add)",
		f.Bucket, f.Expected, f.Computed(), f.ComputedOp, f.ComputedAdd).Message
}

func (c *Client) handleTokenExpiresIn(ctx context.Context, conn hostdb.Conn, seconds int64) ([]wire.Instruction, error) {
	now := c.now().UTC()
	expiresAt := now.Add(time.Duration(seconds) * time.Second)
	c.session.TokenExpiresAt = &expiresAt

	if seconds > int64(tokenExpiryThreshold.Seconds()) {
		return nil, nil
	}

	var instructions []wire.Instruction

	// If a tracked explicit subscription's TTL would lapse before the
	// refreshed token arrives, the reconnect has to happen now so the
	// next request still carries the stream.
	subs, err := subscriptions.List(ctx, conn)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		if !s.HasExplicitSubscription || s.ExpiresAt == nil {
			continue
		}
		if s.ExpiresAt.Before(expiresAt) {
			instructions = append(instructions, wire.CloseSyncStream{HideDisconnect: true})
			break
		}
	}

	c.logger.Debug("token nearing expiry, requesting refresh", "seconds", seconds, "loc", LOC_CLIENT_LINE)
	return append(instructions, wire.FetchCredentials{DidExpire: seconds <= 0}), nil
}

func (c *Client) handleStreamError(body wire.StreamErrorBody) ([]wire.Instruction, error) {
	c.logger.Warn("stream error reported by server", "subscription", body.Subscription, "message", body.Message, "loc", LOC_CLIENT_LINE)
	return []wire.Instruction{wire.LogLine{Severity: wire.SeverityWarning, Line: body.Message}}, nil
}

// SubscribeEntry is one element of a `subscriptions` control command's
// subscribe list.
type SubscribeEntry struct {
	Stream     string          `json:"stream"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	TTL        *int64          `json:"ttl,omitempty"`
}

// UnsubscribeEntry is one element of a `subscriptions` control command's
// unsubscribe list.
type UnsubscribeEntry struct {
	Stream     string          `json:"stream"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type subscriptionsPayload struct {
	Subscribe   []SubscribeEntry   `json:"subscribe,omitempty"`
	Unsubscribe []UnsubscribeEntry `json:"unsubscribe,omitempty"`
}

// mutateSubscriptions applies an app-level subscribe/unsubscribe batch.
// A reconnect is requested afterward so the next
// EstablishSyncStream request carries the updated subscription list.
func (c *Client) mutateSubscriptions(ctx context.Context, conn hostdb.Conn, payload []byte) ([]wire.Instruction, error) {
	var p subscriptionsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, synccore.Wrap(synccore.ClassProtocol, LOC_CLIENT_CONTROL, "Sync protocol error: malformed subscriptions payload", err)
	}

	now := c.now().UTC()
	for _, s := range p.Subscribe {
		var params *string
		if len(s.Parameters) > 0 {
			str := string(s.Parameters)
			params = &str
		}
		if err := subscriptions.Subscribe(ctx, conn, c.logger, now, s.Stream, params, s.TTL); err != nil {
			return nil, err
		}
	}
	for _, s := range p.Unsubscribe {
		var params *string
		if len(s.Parameters) > 0 {
			str := string(s.Parameters)
			params = &str
		}
		if err := subscriptions.Unsubscribe(ctx, conn, c.logger, s.Stream, params); err != nil {
			return nil, err
		}
	}

	if len(p.Subscribe) == 0 && len(p.Unsubscribe) == 0 {
		return nil, nil
	}
	return []wire.Instruction{wire.CloseSyncStream{HideDisconnect: true}}, nil
}

type updateSubscriptionsPayload struct {
	ActiveStreams []string `json:"active_streams"`
}

// updateSubscriptions refreshes TTL'd subscriptions against the host's
// current active-stream list, used on token-refresh driven reconnects
// and any other host-initiated re-sync of liveness.
func (c *Client) updateSubscriptions(ctx context.Context, conn hostdb.Conn, payload []byte) ([]wire.Instruction, error) {
	// The payload is either a bare list of stream names or an object
	// wrapping one under active_streams.
	var p updateSubscriptionsPayload
	if err := json.Unmarshal(payload, &p.ActiveStreams); err != nil {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, synccore.Wrap(synccore.ClassProtocol, LOC_CLIENT_CONTROL, "Sync protocol error: malformed update_subscriptions payload", err)
		}
	}
	now := c.now().UTC()
	if err := subscriptions.PruneExpired(ctx, conn, c.logger, now, p.ActiveStreams); err != nil {
		return nil, err
	}
	if err := subscriptions.ExtendActive(ctx, conn, now, p.ActiveStreams); err != nil {
		return nil, err
	}
	return nil, nil
}

// statusInstruction renders UpdateSyncStatus from current session and
// persisted state.
func (c *Client) statusInstruction(ctx context.Context, conn hostdb.Conn) (wire.Instruction, error) {
	entries, err := synclocal.LoadSyncState(ctx, conn)
	if err != nil {
		return nil, err
	}
	priorityStatus := make([]wire.PriorityStatus, 0, len(entries))
	for _, e := range entries {
		p := -1
		if e.Priority != nil {
			p = *e.Priority
		}
		priorityStatus = append(priorityStatus, wire.PriorityStatus{
			Priority:     p,
			LastSyncedAt: e.LastSyncedAt,
			HasSynced:    true,
		})
	}

	subs, err := subscriptions.List(ctx, conn)
	if err != nil {
		return nil, err
	}
	streams := make([]wire.StreamStatus, 0, len(subs))
	active := 0
	for _, s := range subs {
		if s.Active {
			active++
		}
		streams = append(streams, wire.StreamStatus{Name: s.StreamName, Active: s.Active})
	}
	metrics.SubscriptionsActive.Set(float64(active))

	return wire.UpdateSyncStatus{Status: wire.SyncStatus{
		Connected:    c.session.Phase == PhaseStreaming,
		Connecting:   c.session.Phase == PhaseConnecting,
		PriorityStat: priorityStatus,
		Downloading:  c.session.Progress.DownloadProgress(),
		Streams:      streams,
	}}, nil
}
