// Package query turns HTTP filter parameters into store queries and shapes
// the stored rows back into per-message metric groups.
package query

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"metricsink/errs"
	"metricsink/storage"
)

// Bounds holds the default and maximum page size of one read endpoint.
type Bounds struct {
	DefaultLimit int
	MaxLimit     int
}

var (
	// MetricsBounds apply to GET /api/metrics.
	MetricsBounds = Bounds{DefaultLimit: 100, MaxLimit: 1000}
	// RecentBounds apply to GET /api/recent.
	RecentBounds = Bounds{DefaultLimit: 10, MaxLimit: 100}
)

// MetricView is one reading in a response.
type MetricView struct {
	MetricName  string  `json:"metric_name"`
	MetricValue float64 `json:"metric_value"`
}

// MessageView is one message with all of its readings.
type MessageView struct {
	MessageID   string       `json:"message_id"`
	DeviceID    string       `json:"device_id"`
	Source      string       `json:"source"`
	CollectedAt float64      `json:"collected_at"`
	ReceivedAt  float64      `json:"received_at"`
	Metrics     []MetricView `json:"metrics"`
}

// Response is the result of ListMessages. Count is the number of messages
// returned, not the number stored.
type Response struct {
	Count    int           `json:"count"`
	Messages []MessageView `json:"messages"`
}

// Service answers filtered reads.
type Service struct {
	store storage.Store
	log   *zap.Logger
}

// NewService creates a Service reading from store.
func NewService(store storage.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

// ListMessages parses params within b, queries the store and regroups the
// result. Invalid filter values yield a *errs.ValidationError.
func (s *Service) ListMessages(ctx context.Context, params url.Values, b Bounds) (Response, error) {
	f, err := ParseFilter(params, b)
	if err != nil {
		return Response{}, err
	}

	snaps, err := s.store.QueryMessages(ctx, f)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Count: len(snaps), Messages: make([]MessageView, 0, len(snaps))}
	for _, sn := range snaps {
		v := MessageView{
			MessageID:   sn.MessageID,
			DeviceID:    sn.DeviceID,
			Source:      sn.Source,
			CollectedAt: sn.Timestamp,
			ReceivedAt:  sn.ReceivedAt,
			Metrics:     make([]MetricView, len(sn.Readings)),
		}
		for i, r := range sn.Readings {
			v.Metrics[i] = MetricView{MetricName: r.Name, MetricValue: r.Value}
		}
		resp.Messages = append(resp.Messages, v)
	}
	s.log.Debug("listed messages",
		zap.String("device_id", f.DeviceID),
		zap.String("source", f.Source),
		zap.Int("limit", f.Limit),
		zap.Int("count", resp.Count))
	return resp, nil
}

// ParseFilter reads device_id, source, since and limit from params. Unknown
// keys are ignored. device_id and source match stored values exactly, so
// they are used as given, surrounding whitespace included. A limit above b.MaxLimit is clamped; a limit that is not
// a positive integer is rejected.
func ParseFilter(params url.Values, b Bounds) (storage.Filter, error) {
	f := storage.Filter{
		DeviceID: params.Get("device_id"),
		Source:   params.Get("source"),
		Limit:    b.DefaultLimit,
	}

	if raw := strings.TrimSpace(params.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return storage.Filter{}, errs.Invalid("limit", "must be a positive integer, got "+strconv.Quote(raw))
		}
		f.Limit = min(n, b.MaxLimit)
	}

	if raw := strings.TrimSpace(params.Get("since")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return storage.Filter{}, errs.Invalid("since", "must be a unix timestamp in seconds, got "+strconv.Quote(raw))
		}
		f.Since = &v
	}
	return f, nil
}
