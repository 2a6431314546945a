package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
    message_id  TEXT PRIMARY KEY,
    timestamp   REAL NOT NULL,
    device_id   TEXT NOT NULL,
    source      TEXT NOT NULL,
    received_at REAL NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS metrics (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id   TEXT NOT NULL REFERENCES messages (message_id) ON DELETE CASCADE,
    metric_name  TEXT NOT NULL,
    metric_value REAL NOT NULL
)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
    message_id  TEXT PRIMARY KEY,
    timestamp   DOUBLE PRECISION NOT NULL,
    device_id   TEXT NOT NULL,
    source      TEXT NOT NULL,
    received_at DOUBLE PRECISION NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS metrics (
    id           BIGSERIAL PRIMARY KEY,
    message_id   TEXT NOT NULL REFERENCES messages (message_id) ON DELETE CASCADE,
    metric_name  TEXT NOT NULL,
    metric_value DOUBLE PRECISION NOT NULL
)`,
}

// Index DDL is identical for both engines.
var indexSchema = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_device_id ON messages (device_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_device_ts ON messages (device_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_source ON messages (source)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_message_id ON metrics (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics (metric_name)`,
}

// EnsureSchema creates the messages and metrics tables and their indexes if
// they are absent. It never drops or alters anything, so it is safe to call
// on every start. An error here means the database is unwritable or corrupt
// and callers should abort startup rather than retry.
func EnsureSchema(ctx context.Context, db *sqlx.DB, d Dialect, log *zap.Logger) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := append(append([]string{}, d.schema...), indexSchema...)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	log.Info("schema ensured", zap.String("driver", d.Driver), zap.Int("statements", len(stmts)))
	return nil
}
