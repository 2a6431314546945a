package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"metricsink/collector"
)

const spoolSchema = `
CREATE TABLE IF NOT EXISTS spool (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    payload    TEXT NOT NULL,
    spooled_at REAL NOT NULL
)`

// Spool is a durable backlog of snapshots that could not be uploaded. It
// lives in a small SQLite file next to the agent so the backlog survives
// restarts.
type Spool struct {
	db  *sqlx.DB
	log *zap.Logger
}

type spoolRow struct {
	MessageID string `db:"message_id"`
	Payload   string `db:"payload"`
}

// OpenSpool opens or creates the spool file at path.
func OpenSpool(ctx context.Context, path string, log *zap.Logger) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	db, err := sqlx.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	// One writer: the queue worker.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, spoolSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spool table: %w", err)
	}
	s := &Spool{db: db, log: log}
	if n, err := s.Len(ctx); err == nil && n > 0 {
		log.Info("spool holds snapshots from a previous run", zap.Int("pending", n))
	}
	return s, nil
}

// Push stores snap. A message id that is already spooled is left as is.
func (s *Spool) Push(ctx context.Context, snap *collector.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spool (message_id, payload, spooled_at) VALUES (?, ?, ?)
ON CONFLICT (message_id) DO NOTHING`,
		snap.MessageID, string(payload), float64(time.Now().UnixNano())/1e9)
	if err != nil {
		return fmt.Errorf("spool %s: %w", snap.MessageID, err)
	}
	return nil
}

// Pending returns up to limit spooled snapshots, oldest first. Rows that no
// longer decode are deleted and skipped.
func (s *Spool) Pending(ctx context.Context, limit int) ([]*collector.Snapshot, error) {
	var rows []spoolRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT message_id, payload FROM spool ORDER BY seq LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	out := make([]*collector.Snapshot, 0, len(rows))
	for _, r := range rows {
		var snap collector.Snapshot
		if err := json.Unmarshal([]byte(r.Payload), &snap); err != nil {
			s.log.Warn("discarding undecodable spooled snapshot",
				zap.String("message_id", r.MessageID), zap.Error(err))
			_ = s.Remove(ctx, r.MessageID)
			continue
		}
		out = append(out, &snap)
	}
	return out, nil
}

// Remove deletes a delivered snapshot.
func (s *Spool) Remove(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("unspool %s: %w", messageID, err)
	}
	return nil
}

// Len counts spooled snapshots.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM spool`); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}

// Close releases the spool file.
func (s *Spool) Close() error {
	return s.db.Close()
}
