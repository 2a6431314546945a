package collector

import (
	"time"

	"metricsink/storage"
)

// Reading is a single named value of a snapshot.
type Reading struct {
	Name  string  `json:"metric_name"`
	Value float64 `json:"metric_value"`
}

// Snapshot is the result of one collection cycle. Its JSON encoding is the
// body accepted by POST /api/metrics.
type Snapshot struct {
	MessageID string    `json:"message_id"`
	Timestamp float64   `json:"timestamp"` // seconds since the epoch
	DeviceID  string    `json:"device_id"`
	Source    string    `json:"source"`
	Readings  []Reading `json:"metrics"`
}

// CollectedAt returns Timestamp as a time.Time.
func (s *Snapshot) CollectedAt() time.Time {
	return storage.Time(s.Timestamp)
}
