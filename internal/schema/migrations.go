package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

var migrationStatementBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Migration is one numbered schema revision. Up applies forward; Down,
// recorded alongside the migration row as JSON, reverses it for
// powersync_test_migration.
type Migration struct {
	Version int
	Up      []string
	Down    []string
}

// migrations is the full ladder, in ascending version order. Version 1
// establishes the baseline internal tables (already idempotent via
// internalTableDDL, so its Up is empty — it exists purely as the down
// migration target for early rollbacks). Version 2 adds the
// count_at_last/count_since_last progress counters; its Down drops them
// back out.
var migrations = []Migration{
	{
		Version: 1,
		Up:      []string{},
		Down:    []string{},
	},
	{
		Version: 2,
		Up: []string{
			`ALTER TABLE ps_buckets ADD COLUMN count_at_last INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE ps_buckets ADD COLUMN count_since_last INTEGER NOT NULL DEFAULT 0`,
		},
		Down: []string{
			`ALTER TABLE ps_buckets DROP COLUMN count_since_last`,
			`ALTER TABLE ps_buckets DROP COLUMN count_at_last`,
		},
	},
}

// CurrentVersion is the highest version in the ladder.
var CurrentVersion = migrations[len(migrations)-1].Version

func migrationByVersion(v int) (Migration, bool) {
	for _, m := range migrations {
		if m.Version == v {
			return m, true
		}
	}
	return Migration{}, false
}

func appliedVersions(ctx context.Context, conn hostdb.Conn) (map[int]bool, error) {
	query, args, err := migrationStatementBuilder.Select("id").From("ps_migration").ToSql()
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to build migration query", err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to list applied migrations", err)
	}
	defer rows.Close()

	out := map[int]bool{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to scan migration row", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// runMigrations applies every migration up to and including target
// that hasn't already run, recording its down SQL alongside the
// version row so a later test_migration can reverse it.
func runMigrations(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, target int) (int, error) {
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range migrations {
		if m.Version > target || applied[m.Version] {
			continue
		}
		for _, stmt := range m.Up {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return count, synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to apply migration up statement", err)
			}
		}
		downJSON, err := json.Marshal(m.Down)
		if err != nil {
			return count, synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to marshal down migration", err)
		}
		query, args, err := migrationStatementBuilder.
			Insert("ps_migration").
			Columns("id", "down_migrations").
			Values(m.Version, string(downJSON)).
			ToSql()
		if err != nil {
			return count, synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to build migration record insert", err)
		}
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return count, synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to record migration", err)
		}
		logger.Debug("applied migration", "version", m.Version, "loc", LOC_SCHEMA_MIGRATE)
		count++
	}
	return count, nil
}

// TestMigration is powersync_test_migration(k): rewinds the schema
// down to version k by replaying each applied migration's recorded
// down_migrations JSON in descending order, then removing its
// ps_migration row.
func TestMigration(ctx context.Context, conn hostdb.Conn, logger *slog.Logger, k int) error {
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	for v := CurrentVersion; v > k; v-- {
		if !applied[v] {
			continue
		}

		downJSON, err := fetchDownMigration(ctx, conn, v)
		if err != nil {
			return err
		}

		var down []string
		if downJSON != "" {
			if err := json.Unmarshal([]byte(downJSON), &down); err != nil {
				return synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to unmarshal down migration", err)
			}
		} else if m, ok := migrationByVersion(v); ok {
			down = m.Down
		}

		for _, stmt := range down {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to apply migration down statement", err)
			}
		}

		delQuery, delArgs, err := migrationStatementBuilder.Delete("ps_migration").Where(sq.Eq{"id": v}).ToSql()
		if err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to build migration row delete", err)
		}
		if _, err := conn.ExecContext(ctx, delQuery, delArgs...); err != nil {
			return synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to remove migration row", err)
		}

		logger.Debug("reverted migration", "version", v, "loc", LOC_SCHEMA_MIGRATE)
	}

	return nil
}

func fetchDownMigration(ctx context.Context, conn hostdb.Conn, version int) (string, error) {
	query, args, err := migrationStatementBuilder.
		Select("down_migrations").
		From("ps_migration").
		Where(sq.Eq{"id": version}).
		ToSql()
	if err != nil {
		return "", synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to build down migration query", err)
	}

	var downMigrations sql.NullString
	row := conn.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&downMigrations); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", synccore.Wrap(synccore.ClassInternal, LOC_SCHEMA_MIGRATE, "failed to scan down migration", err)
	}
	return downMigrations.String, nil
}
