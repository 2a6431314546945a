// Package ingest validates inbound metric snapshots and hands them to the
// store, turning the store's outcome into an idempotent ingestion result.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"metricsink/storage"
)

// Result is the outcome of a successful Ingest.
type Result struct {
	MessageID    string
	MetricsCount int
	// Duplicate marks a replay of an already stored message id. It is a
	// success: the data is on record exactly once.
	Duplicate bool
}

// Service is the ingestion entry point.
type Service struct {
	store storage.Store
	log   *zap.Logger
	now   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the clock used for received_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service writing to store.
func NewService(store storage.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ingest validates raw and stores it. Validation failures return a
// *errs.ValidationError before storage is touched; storage failures return
// a *errs.StorageError (with Result.MessageID still set) and are not retried
// here, since a retry by the caller with the same message id is safe.
func (s *Service) Ingest(ctx context.Context, raw []byte) (Result, error) {
	msg, readings, err := Decode(raw)
	if err != nil {
		return Result{}, err
	}
	msg.ReceivedAt = storage.Seconds(s.now())

	out, err := s.store.InsertSnapshot(ctx, msg, readings)
	if err != nil {
		return Result{MessageID: msg.MessageID}, err
	}

	res := Result{MessageID: msg.MessageID, MetricsCount: out.Count, Duplicate: out.Duplicate}
	if out.Duplicate {
		s.log.Info("message already recorded",
			zap.String("message_id", msg.MessageID),
			zap.String("device_id", msg.DeviceID),
			zap.Int("metrics_count", out.Count))
		return res, nil
	}
	s.log.Info("stored message",
		zap.String("message_id", msg.MessageID),
		zap.String("device_id", msg.DeviceID),
		zap.String("source", msg.Source),
		zap.Int("metrics_count", out.Count))
	return res, nil
}
