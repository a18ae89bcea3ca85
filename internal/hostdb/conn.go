// Package hostdb is the narrow adapter between the sync engine and the
// host database connection. Every other internal package depends on the
// Conn interface, never on database/sql directly, so the engine can be
// driven against a real modernc.org/sqlite connection in production and
// against sqlmock or an in-memory fake in tests.
package hostdb

import (
	"context"
	"database/sql"
)

// Conn is the subset of *sql.DB / *sql.Tx the core needs. A single
// powersync_control invocation receives one Conn bound to the host's
// write transaction for that call, and runs to completion while holding
// the host's write lock.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// compile-time assertions that the stdlib types satisfy Conn.
var (
	_ Conn = (*sql.DB)(nil)
	_ Conn = (*sql.Tx)(nil)
)
