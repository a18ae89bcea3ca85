package syncclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/clientid"
	"github.com/powersync-ja/powersync-sqlite-core/internal/crud"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/metrics"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/powersync-ja/powersync-sqlite-core/internal/subscriptions"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synclocal"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
)

const (
	LOC_CLIENT_START   = "SYN_CLI_010"
	LOC_CLIENT_LINE    = "SYN_CLI_011"
	LOC_CLIENT_CONTROL = "SYN_CLI_012"

	// tokenExpiryThreshold is how close to expiry a token or TTL'd
	// subscription has to be before the client proactively reconnects.
	tokenExpiryThreshold = 30 * time.Second
)

// Client is the extension-instance singleton for one host connection: it
// owns the in-memory Session and dispatches every powersync_control
// command against the host transaction it's called with. The Session
// lives only as long as the Client, so an embedder that streams across
// several commands keeps one Client for the lifetime of the connection;
// cmd/synccore's control subcommand builds a fresh Client per run.
type Client struct {
	logger  *slog.Logger
	session *Session
	now     func() time.Time
}

// NewClient returns a fresh idle Client on the wall clock.
func NewClient(logger *slog.Logger) *Client {
	return NewClientWithClock(logger, time.Now)
}

// NewClientWithClock returns a Client whose notion of the current time
// comes from now. The host passes the current time when calling into
// the engine; tests use a fake clock to drive TTL expiry
// deterministically.
func NewClientWithClock(logger *slog.Logger, now func() time.Time) *Client {
	return &Client{logger: logger, session: NewSession(), now: now}
}

// StartPayload is `start`'s optional payload.
type StartPayload struct {
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Schema        json.RawMessage `json:"schema,omitempty"`
	ActiveStreams []string        `json:"active_streams,omitempty"`
}

// Control is powersync_control's single entry point: it
// dispatches cmd against payload and returns the instructions the host
// must act on.
func (c *Client) Control(ctx context.Context, conn hostdb.Conn, cmd string, payload []byte) ([]wire.Instruction, error) {
	instructions, err := c.dispatch(ctx, conn, cmd, payload)
	outcome := "ok"
	if err != nil {
		outcome = string(synccore.ClassOf(err))
	}
	metrics.ControlCommandsTotal.WithLabelValues(cmd, outcome).Inc()
	return instructions, err
}

func (c *Client) dispatch(ctx context.Context, conn hostdb.Conn, cmd string, payload []byte) ([]wire.Instruction, error) {
	switch cmd {
	case "start":
		return c.start(ctx, conn, payload)
	case "stop":
		return c.stop()
	case "line_text":
		return c.handleLinePayload(ctx, conn, payload, false)
	case "line_binary":
		return c.handleLinePayload(ctx, conn, payload, true)
	case "refreshed_token":
		return c.refreshedToken()
	case "completed_upload":
		return c.completedUpload(ctx, conn)
	case "subscriptions":
		return c.mutateSubscriptions(ctx, conn, payload)
	case "update_subscriptions":
		return c.updateSubscriptions(ctx, conn, payload)
	case "connection":
		return c.connectionEvent(payload)
	default:
		return nil, synccore.Protocolf(LOC_CLIENT_CONTROL, "Sync protocol error: unknown control command %q", cmd)
	}
}

func (c *Client) start(ctx context.Context, conn hostdb.Conn, payload []byte) ([]wire.Instruction, error) {
	var p StartPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, synccore.Wrap(synccore.ClassProtocol, LOC_CLIENT_START, "Sync protocol error: malformed start payload", err)
		}
	}

	if len(p.Schema) > 0 {
		if err := schema.ReplaceSchema(ctx, conn, c.logger, p.Schema); err != nil {
			return nil, err
		}
	}

	now := c.now().UTC()
	if err := subscriptions.PruneExpired(ctx, conn, c.logger, now, p.ActiveStreams); err != nil {
		return nil, err
	}
	if err := subscriptions.ExtendActive(ctx, conn, now, p.ActiveStreams); err != nil {
		return nil, err
	}

	buckets, err := oplog.ListBuckets(ctx, conn, false)
	if err != nil {
		return nil, err
	}
	bucketNames := make([]string, 0, len(buckets))
	for _, b := range buckets {
		bucketNames = append(bucketNames, b.Name)
	}
	metrics.BucketsTotal.Set(float64(len(buckets)))

	streamCfg, err := subscriptions.BuildRequest(ctx, conn)
	if err != nil {
		return nil, err
	}

	progress, err := Rebuild(ctx, conn)
	if err != nil {
		return nil, err
	}

	id, err := clientid.Get(ctx, conn)
	if err != nil {
		return nil, err
	}

	c.session.Reset()
	c.session.Phase = PhaseConnecting
	c.session.Progress = progress

	req := wire.EstablishSyncStreamRequest{
		ClientID:   id,
		Buckets:    bucketNames,
		Streams:    streamCfg,
		Parameters: p.Parameters,
	}

	c.logger.Info("sync session starting", "buckets", len(bucketNames), "loc", LOC_CLIENT_START)
	return []wire.Instruction{wire.EstablishSyncStream{Request: req}}, nil
}

func (c *Client) stop() ([]wire.Instruction, error) {
	c.session.Reset()
	c.logger.Debug("sync session stopped", "loc", LOC_CLIENT_CONTROL)
	return []wire.Instruction{wire.CloseSyncStream{HideDisconnect: false}}, nil
}

func (c *Client) refreshedToken() ([]wire.Instruction, error) {
	c.session.Reset()
	return []wire.Instruction{wire.CloseSyncStream{HideDisconnect: true}}, nil
}

func (c *Client) completedUpload(ctx context.Context, conn hostdb.Conn) ([]wire.Instruction, error) {
	if err := crud.Reset(ctx, conn, c.logger); err != nil {
		return nil, err
	}

	var instructions []wire.Instruction
	if c.session.Checkpoint != nil {
		res, err := synclocal.Run(ctx, conn, c.logger, c.session.Checkpoint.LastOpID, synclocal.Filter{})
		if err != nil {
			return nil, err
		}
		if res.Published {
			instructions = append(instructions, wire.DidCompleteSync{})
		}
	}
	return instructions, nil
}

func (c *Client) connectionEvent(payload []byte) ([]wire.Instruction, error) {
	var state string
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, synccore.Wrap(synccore.ClassProtocol, LOC_CLIENT_CONTROL, "Sync protocol error: malformed connection payload", err)
	}
	switch state {
	case "established":
		c.session.Phase = PhaseStreaming
	case "end":
		c.session.Reset()
		c.session.Phase = PhaseClosed
	default:
		return nil, synccore.Protocolf(LOC_CLIENT_CONTROL, "Sync protocol error: unknown connection state %q", state)
	}
	return nil, nil
}

// Phase reports the current session phase, for diagnostics and tests.
func (c *Client) Phase() Phase { return c.session.Phase }
