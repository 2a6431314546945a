package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Options configures how Open connects to the database.
type Options struct {
	Driver       string        // "sqlite" or "pgx"
	DSN          string        // file path for sqlite, connection URL for pgx
	BusyTimeout  time.Duration // sqlite lock wait before SQLITE_BUSY
	QueryTimeout time.Duration // upper bound for every store call
	MaxOpenConns int
}

// Open connects to the configured database, verifies it, runs EnsureSchema
// and returns a ready store. The caller must call Close() on shutdown.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*SQLStore, error) {
	d, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn := opts.DSN
	if d.Driver == "sqlite" {
		dsn = sqliteDSN(opts.DSN, opts.BusyTimeout)
	}
	db, err := sqlx.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d.Driver, err)
	}
	configurePool(db, d, opts.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", d.Driver, err)
	}
	if d.Driver == "sqlite" {
		// WAL lets readers proceed while a writer holds the lock.
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := EnsureSchema(ctx, db, d, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return NewSQLStore(db, d, log, opts.QueryTimeout), nil
}

// NewSQLite opens (or creates) the SQLite file at dbPath with default
// timeouts and ensures the schema exists.
func NewSQLite(ctx context.Context, dbPath string, log *zap.Logger) (*SQLStore, error) {
	return Open(ctx, Options{
		Driver:       "sqlite",
		DSN:          dbPath,
		BusyTimeout:  5 * time.Second,
		QueryTimeout: 10 * time.Second,
	}, log)
}

// sqliteDSN builds a modernc.org/sqlite DSN. Foreign keys and the busy
// timeout are per-connection settings, so they go into the DSN where every
// pooled connection picks them up. _txlock=immediate makes write
// transactions take the lock at BEGIN instead of upgrading mid-way.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_txlock=immediate",
		dsn, sep, busy.Milliseconds())
}

func configurePool(db *sqlx.DB, d Dialect, maxOpen int) {
	if maxOpen <= 0 {
		maxOpen = 25
		if d.Driver == "sqlite" {
			maxOpen = 8
		}
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(maxOpen, 5))
	db.SetConnMaxLifetime(5 * time.Minute)
}
