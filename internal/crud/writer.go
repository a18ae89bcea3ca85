package crud

import (
	"context"
	"encoding/json"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const (
	LOC_CRUD_APPEND = "SYN_CRD_010"
	LOC_CRUD_RESET  = "SYN_CRD_011"
)

var statementBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// OpKind is the CRUD operation kind carried in ps_crud.data.
type OpKind string

const (
	OpPut    OpKind = "PUT"
	OpPatch  OpKind = "PATCH"
	OpDelete OpKind = "DELETE"
)

// Op is one CRUD record, serialized verbatim as ps_crud.data.
type Op struct {
	Op       OpKind          `json:"op"`
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data,omitempty"`
	Old      json.RawMessage `json:"old,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Writer is the single choke point both the trigger-generated SQL and any
// direct pre-formed-operation write path go through, so their ps_crud
// content and updated_rows side effects are identical.
//
// The trigger path never actually calls Writer.Append in-process — SQLite
// executes the trigger body as plain SQL at DML time — but internal/schema
// renders trigger bodies whose INSERT/DELETE statements mirror exactly
// what Append issues here, so the two paths stay in lockstep by
// construction. Append itself backs the CLI harness's direct-crud
// subcommand, which stands in for the virtual table `powersync_crud`
// (see DESIGN.md: modernc.org/sqlite carries no public vtab API).
type Writer struct {
	logger *slog.Logger
}

func NewWriter(logger *slog.Logger) *Writer {
	return &Writer{logger: logger}
}

// Append records op in ps_crud, marks (Type, ID) as an updated row, and
// ensures the $local bucket exists so the engine knows a local write is
// pending. txID is the CRUD record's tx_id grouping
// column; callers that don't batch multiple ops per upload transaction
// may pass the same id as the new row's own id.
func (w *Writer) Append(ctx context.Context, conn hostdb.Conn, op Op, txID int64) error {
	data, err := json.Marshal(op)
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_CRUD_APPEND, "failed to marshal crud op", err)
	}

	query, args, err := statementBuilder.
		Insert("ps_crud").
		Columns("data", "tx_id").
		Values(string(data), txID).
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_CRUD_APPEND, "failed to build crud insert", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_CRUD_APPEND, "failed to append crud record", err)
	}

	markQuery, markArgs, err := statementBuilder.
		Insert("ps_updated_rows").
		Columns("row_type", "row_id").
		Values(op.Type, op.ID).
		Suffix("ON CONFLICT(row_type, row_id) DO NOTHING").
		ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_CRUD_APPEND, "failed to build updated-row insert", err)
	}
	if _, err := conn.ExecContext(ctx, markQuery, markArgs...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_CRUD_APPEND, "failed to mark updated row", err)
	}

	if _, err := oplog.EnsureBucket(ctx, conn, w.logger, oplog.LocalBucketName); err != nil {
		return err
	}

	w.logger.Debug("appended crud record", "type", op.Type, "id", op.ID, "op", op.Op, "loc", LOC_CRUD_APPEND)
	return nil
}

// HasPending reports whether any CRUD record is queued for upload.
func HasPending(ctx context.Context, conn hostdb.Conn) (bool, error) {
	query, args, err := statementBuilder.Select("1").From("ps_crud").Limit(1).ToSql()
	if err != nil {
		return false, synccore.Wrap(synccore.ClassInternal, LOC_CRUD_APPEND, "failed to build crud presence query", err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return false, synccore.Wrap(synccore.ClassInternal, LOC_CRUD_APPEND, "failed to query crud presence", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// Reset clears ps_crud and drops the $local bucket, run after
// `completed_upload`. It behaves the same whether the enclosing app
// transaction committed or rolled back its writes: a rollback undoes
// the ps_crud rows themselves via the host's own transaction semantics,
// so the only state this function owns past that is the $local bucket,
// which it removes unconditionally.
func Reset(ctx context.Context, conn hostdb.Conn, logger *slog.Logger) error {
	delQuery, delArgs, err := statementBuilder.Delete("ps_crud").ToSql()
	if err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_CRUD_RESET, "failed to build crud reset delete", err)
	}
	if _, err := conn.ExecContext(ctx, delQuery, delArgs...); err != nil {
		return synccore.Wrap(synccore.ClassInternal, LOC_CRUD_RESET, "failed to reset ps_crud", err)
	}

	if err := oplog.DeleteBucket(ctx, conn, logger, oplog.LocalBucketName); err != nil {
		return err
	}
	return nil
}
