// Package subscriptions manages stream subscription rows: default vs
// explicit subscriptions, TTL expiry, and the request payload a session
// start emits.
package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
)

const (
	LOC_SUB_LOAD      = "SYN_SUB_010"
	LOC_SUB_SUBSCRIBE = "SYN_SUB_011"
	LOC_SUB_PRUNE     = "SYN_SUB_012"
	LOC_SUB_APPLY     = "SYN_SUB_013"
)

var statementBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Subscription mirrors one row of ps_stream_subscriptions.
type Subscription struct {
	ID                      int64
	StreamName              string
	Parameters              *string
	TTL                     *int64
	ExpiresAt               *time.Time
	LastSyncedAt            *string
	IsDefault               bool
	Active                  bool
	HasExplicitSubscription bool
}

const timeLayout = time.RFC3339Nano

// List returns every stored subscription.
func List(ctx context.Context, conn hostdb.Conn) ([]Subscription, error) {
	query, args, err := statementBuilder.
		Select("id", "stream_name", "parameters", "ttl", "expires_at", "last_synced_at", "is_default", "active", "has_explicit_subscription").
		From("ps_stream_subscriptions").ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SUB_LOAD, "failed to build subscription list query", err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SUB_LOAD, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (Subscription, error) {
	var s Subscription
	var expiresAt, lastSyncedAt, parameters sql.NullString
	var ttl sql.NullInt64
	var isDefault, active, hasExplicit int
	if err := row.Scan(&s.ID, &s.StreamName, &parameters, &ttl, &expiresAt, &lastSyncedAt, &isDefault, &active, &hasExplicit); err != nil {
		return Subscription{}, synccore.Wrap(synccore.ClassInternal, LOC_SUB_LOAD, "failed to scan subscription row", err)
	}
	if parameters.Valid {
		s.Parameters = &parameters.String
	}
	if ttl.Valid {
		s.TTL = &ttl.Int64
	}
	if expiresAt.Valid {
		t, err := time.Parse(timeLayout, expiresAt.String)
		if err == nil {
			s.ExpiresAt = &t
		}
	}
	if lastSyncedAt.Valid {
		s.LastSyncedAt = &lastSyncedAt.String
	}
	s.IsDefault = isDefault != 0
	s.Active = active != 0
	s.HasExplicitSubscription = hasExplicit != 0
	return s, nil
}

// PruneExpired drops subscriptions whose expires_at has passed and which
// aren't named in activeStreams, run at session start.
func PruneExpired(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, now time.Time, activeStreams []string) error {
	active := make(map[string]bool, len(activeStreams))
	for _, s := range activeStreams {
		active[s] = true
	}

	all, err := List(ctx, conn)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.ExpiresAt == nil || !s.ExpiresAt.Before(now) {
			continue
		}
		if active[s.StreamName] {
			continue
		}
		if err := deleteByID(ctx, conn, s.ID); err != nil {
			return err
		}
		logger.Debug("pruned expired subscription", "stream", s.StreamName, "loc", LOC_SUB_PRUNE)
	}
	return nil
}

func deleteByID(ctx context.Context, conn hostdb.Conn, id int64) error {
	query, args, err := statementBuilder.Delete("ps_stream_subscriptions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SUB_PRUNE, "failed to build subscription delete", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SUB_PRUNE, "failed to delete subscription", err)
	}
	return nil
}

func find(ctx context.Context, conn hostdb.Conn, streamName string, parameters *string) (*Subscription, error) {
	sel := statementBuilder.
		Select("id", "stream_name", "parameters", "ttl", "expires_at", "last_synced_at", "is_default", "active", "has_explicit_subscription").
		From("ps_stream_subscriptions").
		Where(sq.Eq{"stream_name": streamName})
	if parameters != nil {
		sel = sel.Where(sq.Eq{"parameters": *parameters})
	} else {
		sel = sel.Where("parameters IS NULL")
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SUB_LOAD, "failed to build subscription lookup", err)
	}
	row := conn.QueryRowContext(ctx, query, args...)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Subscribe records an app-level subscribe call: a stream that already
// exists as a default loses nothing (it simply also becomes explicit);
// a brand-new stream is inserted with the given TTL.
func Subscribe(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, now time.Time, streamName string, parameters *string, ttl *int64) error {
	existing, err := find(ctx, conn, streamName, parameters)
	if err != nil {
		return err
	}

	var expiresAt *string
	if ttl != nil {
		s := now.Add(time.Duration(*ttl) * time.Second).Format(timeLayout)
		expiresAt = &s
	}

	if existing == nil {
		query, args, err := statementBuilder.
			Insert("ps_stream_subscriptions").
			Columns("stream_name", "parameters", "ttl", "expires_at", "is_default", "active", "has_explicit_subscription").
			Values(streamName, parameters, ttl, expiresAt, 0, 0, 1).
			ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to build subscription insert", err)
		}
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to insert subscription", err)
		}
		logger.Debug("created explicit subscription", "stream", streamName, "loc", LOC_SUB_SUBSCRIBE)
		return nil
	}

	query, args, err := statementBuilder.
		Update("ps_stream_subscriptions").
		Set("has_explicit_subscription", 1).
		Set("ttl", ttl).
		Set("expires_at", expiresAt).
		Where(sq.Eq{"id": existing.ID}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to build subscription update", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to mark subscription explicit", err)
	}
	return nil
}

// Unsubscribe marks an explicit subscription inactive: it is kept until
// expires_at, unless it has no TTL, in which case it's removed outright
// once it also isn't a default.
func Unsubscribe(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, streamName string, parameters *string) error {
	existing, err := find(ctx, conn, streamName, parameters)
	if err != nil || existing == nil {
		return err
	}

	if !existing.IsDefault && existing.TTL == nil {
		return deleteByID(ctx, conn, existing.ID)
	}

	query, args, err := statementBuilder.
		Update("ps_stream_subscriptions").
		Set("has_explicit_subscription", 0).
		Where(sq.Eq{"id": existing.ID}).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to build unsubscribe update", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to unsubscribe stream", err)
	}
	logger.Debug("unsubscribed stream", "stream", streamName, "loc", LOC_SUB_SUBSCRIBE)
	return nil
}

// ExtendActive extends expires_at for every TTL'd subscription named in
// activeStreams. It runs at session start and on update_subscriptions;
// a token_expires_in line does not extend any expiry.
func ExtendActive(ctx context.Context, conn hostdb.Conn, now time.Time, activeStreams []string) error {
	active := make(map[string]bool, len(activeStreams))
	for _, s := range activeStreams {
		active[s] = true
	}
	all, err := List(ctx, conn)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.TTL == nil || !active[s.StreamName] {
			continue
		}
		expiresAt := now.Add(time.Duration(*s.TTL) * time.Second).Format(timeLayout)
		query, args, err := statementBuilder.
			Update("ps_stream_subscriptions").Set("expires_at", expiresAt).
			Where(sq.Eq{"id": s.ID}).ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to build ttl extension", err)
		}
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SUB_SUBSCRIBE, "failed to extend subscription ttl", err)
		}
	}
	return nil
}

// ApplyServerStreams reconciles default-subscription rows against a
// checkpoint's `streams` list: new defaults are created,
// defaults no longer reported by the server are deleted unless they
// also carry an explicit subscription.
func ApplyServerStreams(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, streams []wire.StreamDescription) error {
	reported := make(map[string]bool, len(streams))
	for _, sd := range streams {
		if !sd.IsDefault {
			continue
		}
		reported[sd.Name] = true

		existing, err := find(ctx, conn, sd.Name, nil)
		if err != nil {
			return err
		}
		if existing != nil {
			query, args, err := statementBuilder.
				Update("ps_stream_subscriptions").Set("is_default", 1).Set("active", 1).
				Where(sq.Eq{"id": existing.ID}).ToSql()
			if err != nil {
				return synccore.Wrap(synccore.ClassInternal, LOC_SUB_APPLY, "failed to build default refresh", err)
			}
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return synccore.Wrap(synccore.ClassInternal, LOC_SUB_APPLY, "failed to refresh default subscription", err)
			}
			continue
		}

		query, args, err := statementBuilder.
			Insert("ps_stream_subscriptions").
			Columns("stream_name", "is_default", "active", "has_explicit_subscription").
			Values(sd.Name, 1, 1, 0).ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SUB_APPLY, "failed to build default insert", err)
		}
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SUB_APPLY, "failed to insert default subscription", err)
		}
	}

	all, err := List(ctx, conn)
	if err != nil {
		return err
	}
	for _, s := range all {
		if !s.IsDefault || reported[s.StreamName] {
			continue
		}
		if s.HasExplicitSubscription {
			query, args, err := statementBuilder.
				Update("ps_stream_subscriptions").Set("is_default", 0).Set("active", 0).
				Where(sq.Eq{"id": s.ID}).ToSql()
			if err != nil {
				return err
			}
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return synccore.Wrap(synccore.ClassInternal, LOC_SUB_APPLY, "failed to demote stale default", err)
			}
			continue
		}
		if err := deleteByID(ctx, conn, s.ID); err != nil {
			return err
		}
		logger.Debug("dropped default subscription no longer reported by server", "stream", s.StreamName, "loc", LOC_SUB_APPLY)
	}
	return nil
}

// BuildRequest renders the {include_defaults, subscriptions} block of an
// EstablishSyncStream request from current subscription rows.
func BuildRequest(ctx context.Context, conn hostdb.Conn) (wire.StreamSubscribeConfig, error) {
	all, err := List(ctx, conn)
	if err != nil {
		return wire.StreamSubscribeConfig{}, err
	}

	cfg := wire.StreamSubscribeConfig{IncludeDefaults: true}
	for _, s := range all {
		if !s.HasExplicitSubscription {
			continue
		}
		entry := wire.StreamSubscribeEntry{Stream: s.StreamName}
		if s.Parameters != nil {
			entry.Parameters = json.RawMessage(*s.Parameters)
		}
		cfg.Subscriptions = append(cfg.Subscriptions, entry)
	}
	return cfg, nil
}
