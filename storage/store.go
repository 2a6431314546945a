package storage

import (
	"context"
	"time"
)

// Message is one ingested snapshot header.
type Message struct {
	MessageID  string  `db:"message_id"`  // client-supplied idempotency key
	Timestamp  float64 `db:"timestamp"`   // collection time, seconds since epoch
	DeviceID   string  `db:"device_id"`   // origin collector
	Source     string  `db:"source"`      // collector category, e.g. "local"
	ReceivedAt float64 `db:"received_at"` // server ingestion time, seconds since epoch
}

// Reading is a single named measurement inside a snapshot.
type Reading struct {
	ID    int64   `db:"id"` // auto-increment key, assigned on insert; preserves submission order
	Name  string  `db:"metric_name"`
	Value float64 `db:"metric_value"`
}

// Snapshot is a message together with all of its readings in submission order.
type Snapshot struct {
	Message
	Readings []Reading
}

// Filter narrows QueryMessages. Zero-valued fields are ignored and the
// remaining ones are combined with AND.
type Filter struct {
	DeviceID string
	Source   string
	Since    *float64 // timestamp >= Since
	Limit    int      // max messages; DefaultLimit when <= 0
}

// DefaultLimit caps QueryMessages when the filter does not set a limit.
const DefaultLimit = 100

// InsertOutcome reports what InsertSnapshot did.
type InsertOutcome struct {
	// Duplicate is set when the message id was already stored. Nothing was
	// written and Count holds the number of readings already on record.
	Duplicate bool
	// Count is the number of readings stored for the message.
	Count int
}

// Health is the result of the lightweight connectivity probe.
type Health struct {
	Reachable     bool
	TotalMessages int64
}

// Store abstracts a persistence back-end for metric snapshots.
type Store interface {
	// InsertSnapshot stores the message and its readings in a single
	// transaction: either every row lands or none do. A message id that is
	// already present is reported as Duplicate, not as an error.
	InsertSnapshot(ctx context.Context, msg Message, readings []Reading) (InsertOutcome, error)

	// QueryMessages returns matching messages newest first (timestamp desc,
	// received_at desc, message_id asc) with every reading of each message
	// in insertion order. Limit bounds messages, never readings.
	QueryMessages(ctx context.Context, f Filter) ([]Snapshot, error)

	// Health pings the database and counts stored messages.
	Health(ctx context.Context) (Health, error)

	// Close releases any resources (e.g. DB connections).
	Close() error
}

// Time converts fractional epoch seconds into a time.Time.
func Time(sec float64) time.Time {
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
}

// Seconds converts t into fractional epoch seconds.
func Seconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
