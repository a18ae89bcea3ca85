// Package clientid manages the engine's persistent client identifier,
// stored in ps_kv so it survives process restarts.
package clientid

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const (
	kvKey            = "client_id"
	LOC_CLIENTID_GET = "SYN_CID_010"
)

var statementBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Get returns the persisted client_id, generating and storing a fresh
// UUID on first use.
func Get(ctx context.Context, conn hostdb.Conn) (string, error) {
	query, args, err := statementBuilder.Select("value").From("ps_kv").Where(sq.Eq{"key": kvKey}).ToSql()
	if err != nil {
		return "", synccore.Wrap(synccore.ClassInternal, LOC_CLIENTID_GET, "failed to build client_id query", err)
	}

	var value string
	row := conn.QueryRowContext(ctx, query, args...)
	switch err := row.Scan(&value); err {
	case nil:
		return value, nil
	case sql.ErrNoRows:
		// fall through to generate one
	default:
		return "", synccore.Wrap(synccore.ClassInternal, LOC_CLIENTID_GET, "failed to scan client_id", err)
	}

	id := uuid.NewString()
	insertQuery, insertArgs, err := statementBuilder.
		Insert("ps_kv").Columns("key", "value").Values(kvKey, id).
		Suffix("ON CONFLICT(key) DO NOTHING").
		ToSql()
	if err != nil {
		return "", synccore.Wrap(synccore.ClassInternal, LOC_CLIENTID_GET, "failed to build client_id insert", err)
	}
	if _, err := conn.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return "", synccore.Wrap(synccore.ClassInternal, LOC_CLIENTID_GET, "failed to persist client_id", err)
	}

	// Someone else may have raced us to the insert (ON CONFLICT DO
	// NOTHING kept their row); re-read to return whichever id stuck.
	row = conn.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&value); err != nil {
		return "", synccore.Wrap(synccore.ClassInternal, LOC_CLIENTID_GET, "failed to read back client_id", err)
	}
	return value, nil
}
