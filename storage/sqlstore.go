package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"metricsink/errs"
)

var errNoReadings = errors.New("snapshot has no readings")

// SQLStore implements Store on top of sqlx for every Dialect.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	log     *zap.Logger
	timeout time.Duration
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open handle whose schema is already in place.
// timeout bounds each call; zero leaves only the caller's deadline.
func NewSQLStore(db *sqlx.DB, d Dialect, log *zap.Logger, timeout time.Duration) *SQLStore {
	return &SQLStore{db: db, dialect: d, log: log, timeout: timeout}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// Dialect reports which SQL engine the store talks to.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// InsertSnapshot stores a message and its readings in one transaction.
func (s *SQLStore) InsertSnapshot(ctx context.Context, msg Message, readings []Reading) (InsertOutcome, error) {
	if len(readings) == 0 {
		return InsertOutcome{}, errs.Storage("insert snapshot", errNoReadings)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return InsertOutcome{}, errs.Storage("begin tx", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	res, err := tx.NamedExecContext(ctx, insertMessage, msg)
	if err != nil {
		return InsertOutcome{}, errs.Storage("insert message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return InsertOutcome{}, errs.Storage("insert message", err)
	}
	if n == 0 {
		var stored int
		if err := tx.GetContext(ctx, &stored, tx.Rebind(countReadings), msg.MessageID); err != nil {
			return InsertOutcome{}, errs.Storage("count readings", err)
		}
		s.log.Debug("duplicate message ignored",
			zap.String("message_id", msg.MessageID), zap.Int("stored_readings", stored))
		return InsertOutcome{Duplicate: true, Count: stored}, nil
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertReading))
	if err != nil {
		return InsertOutcome{}, errs.Storage("prepare insert", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, msg.MessageID, r.Name, r.Value); err != nil {
			return InsertOutcome{}, errs.Storage("insert reading "+r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return InsertOutcome{}, errs.Storage("commit tx", err)
	}
	s.log.Debug("snapshot persisted",
		zap.String("message_id", msg.MessageID),
		zap.String("device_id", msg.DeviceID),
		zap.Int("metrics", len(readings)))
	return InsertOutcome{Count: len(readings)}, nil
}

// QueryMessages returns matching snapshots newest first.
func (s *SQLStore) QueryMessages(ctx context.Context, f Filter) ([]Snapshot, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query, args, err := buildQueryMessages(s.dialect, f, limit)
	if err != nil {
		return nil, errs.Storage("build query", err)
	}
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errs.Storage("query messages", err)
	}

	var out []Snapshot
	for _, row := range rows {
		// Rows arrive grouped by message, so a new id starts a new group.
		if n := len(out); n == 0 || out[n-1].MessageID != row.MessageID {
			out = append(out, Snapshot{Message: row.Message})
		}
		last := &out[len(out)-1]
		last.Readings = append(last.Readings, row.Reading)
	}
	return out, nil
}

// Health pings the database and counts messages. Reading rows are never
// touched, so the probe stays cheap as the table grows.
func (s *SQLStore) Health(ctx context.Context) (Health, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return Health{}, errs.Storage("ping", err)
	}
	var total int64
	if err := s.db.GetContext(ctx, &total, countMessages); err != nil {
		return Health{}, errs.Storage("count messages", err)
	}
	return Health{Reachable: true, TotalMessages: total}, nil
}

// Close shuts down the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
