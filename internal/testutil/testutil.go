// Package testutil provides a shared in-memory database fixture for
// package tests across the sync engine, so each package's _test.go
// files don't have to re-derive the internal-table bootstrap sequence.
package testutil

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "github.com/powersync-ja/powersync-sqlite-core/internal/crud"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// Logger returns a logger that discards output, matching the verbosity
// tests actually want (assertions fail loudly; log lines would just be
// noise).
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OpenDB opens a fresh in-memory SQLite connection with the engine's
// internal tables created via schema.Init, ready for a test to drive
// powersync_control-level operations against.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, schema.Init(ctx, db, Logger()))
	return db
}
