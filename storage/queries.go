// Package storage persists metric snapshots into the normalized
// messages/metrics schema and serves filtered reads over it.
package storage

import (
	sq "github.com/Masterminds/squirrel"
)

// Static SQL for the store. Positional statements use ? and go through
// sqlx Rebind; named ones bind from the db tags on Message.
const (
	// insertMessage leaves an existing row untouched; zero rows affected
	// means the message id was already stored.
	insertMessage = `
INSERT INTO messages (message_id, timestamp, device_id, source, received_at)
VALUES (:message_id, :timestamp, :device_id, :source, :received_at)
ON CONFLICT (message_id) DO NOTHING`

	insertReading = `INSERT INTO metrics (message_id, metric_name, metric_value) VALUES (?, ?, ?)`

	countReadings = `SELECT COUNT(*) FROM metrics WHERE message_id = ?`

	countMessages = `SELECT COUNT(*) FROM messages`

	messageOrder = `timestamp DESC, received_at DESC, message_id ASC`
)

// snapshotRow is one line of the message/readings join.
type snapshotRow struct {
	Message
	Reading
}

// buildQueryMessages returns the single statement behind QueryMessages: the
// limited, ordered message set joined to its readings. Limiting inside the
// subquery bounds messages rather than reading rows.
func buildQueryMessages(d Dialect, f Filter, limit int) (string, []any, error) {
	messages := sq.Select("message_id", "timestamp", "device_id", "source", "received_at").
		From("messages").
		OrderBy(messageOrder).
		Limit(uint64(limit))
	if f.DeviceID != "" {
		messages = messages.Where(sq.Eq{"device_id": f.DeviceID})
	}
	if f.Source != "" {
		messages = messages.Where(sq.Eq{"source": f.Source})
	}
	if f.Since != nil {
		messages = messages.Where(sq.GtOrEq{"timestamp": *f.Since})
	}

	return d.builder().
		Select("m.message_id", "m.timestamp", "m.device_id", "m.source", "m.received_at",
			"r.id", "r.metric_name", "r.metric_value").
		FromSelect(messages, "m").
		Join("metrics r ON r.message_id = m.message_id").
		OrderBy("m.timestamp DESC", "m.received_at DESC", "m.message_id ASC", "r.id ASC").
		ToSql()
}
