package hostdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
	_ "modernc.org/sqlite"
)

// Location codes for host-adapter operations.
const (
	LOC_HOST_OPEN   = "SYN_HDB_010"
	LOC_HOST_PING   = "SYN_HDB_011"
	LOC_HOST_CLOSE  = "SYN_HDB_012"
	LOC_HOST_BEGIN  = "SYN_HDB_013"
	LOC_HOST_COMMIT = "SYN_HDB_014"
)

// Adapter owns the single embedded SQLite connection the extension is
// loaded into. Production hosts open exactly one Adapter per database
// connection; the CLI harness in cmd/synccore does the same against a
// file on disk.
type Adapter struct {
	DB     *sql.DB
	logger *slog.Logger
}

// Open opens a modernc.org/sqlite connection at path ("" or ":memory:"
// for an in-memory database used by tests and the harness's ephemeral
// mode) and verifies it is reachable.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Adapter, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w (%s)", path, err, LOC_HOST_OPEN)
	}

	// The engine is single-threaded and cooperative within one host
	// transaction; a single physical connection avoids SQLITE_BUSY
	// storms from the driver's own connection pool.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database %s: %w (%s)", path, err, LOC_HOST_PING)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("host adapter connected", "path", path, "loc", LOC_HOST_OPEN)
	return &Adapter{DB: db, logger: logger}, nil
}

// Close closes the underlying connection.
func (a *Adapter) Close() error {
	if a.DB == nil {
		return nil
	}
	a.logger.Info("host adapter closing", "loc", LOC_HOST_CLOSE)
	return a.DB.Close()
}

// WithTx runs fn inside a single host transaction. Every public engine
// entry point runs through here. A failure to begin or commit surfaces
// as a Busy-class synccore.Error so callers can decide to retry the
// whole command in a fresh transaction via synccore.IsBusy, instead of
// string-sniffing the message.
func (a *Adapter) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return synccore.Wrap(synccore.ClassBusy, LOC_HOST_BEGIN, "powersync_control: internal SQLite call returned BUSY", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return synccore.Wrap(synccore.ClassBusy, LOC_HOST_COMMIT, "powersync_control: internal SQLite call returned BUSY", err)
	}
	return nil
}

// WithTxRetry wraps WithTx with a bounded retry loop for Busy-class
// failures: each retry reruns fn in a fresh transaction after backoff.
// Any non-Busy error, and a Busy error on the final attempt, surface
// unchanged.
func (a *Adapter) WithTxRetry(ctx context.Context, attempts int, backoff time.Duration, fn func(tx *sql.Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if a.logger != nil {
				a.logger.Debug("retrying after BUSY", "attempt", i+1, "backoff", backoff, "loc", LOC_HOST_BEGIN)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err = a.WithTx(ctx, fn)
		if err == nil || !synccore.IsBusy(err) {
			return err
		}
	}
	return err
}
