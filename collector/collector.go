// Package collector gathers metric readings from local and remote sources
// and assembles them into snapshots ready for upload.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metricsink/storage"
)

// Collector is the contract every metric source satisfies.
type Collector interface {
	// Name identifies the source in logs.
	Name() string
	// Collect returns metric name -> value as observed now.
	Collect(ctx context.Context) (map[string]float64, error)
}

// Identity is stamped on every snapshot.
type Identity struct {
	DeviceID string
	Source   string
}

// ErrNoReadings is returned when no collector produced a usable value.
var ErrNoReadings = errors.New("no readings collected")

// CollectAll runs every collector concurrently and merges the results into a
// single snapshot with a fresh message id. A failing source is logged and
// skipped; only when all of them fail (or none yields a finite value) is an
// error returned. When two collectors report the same name, the later one in
// colls wins.
func CollectAll(ctx context.Context, colls []Collector, id Identity, log *zap.Logger) (*Snapshot, error) {
	collectedAt := time.Now()

	results := make([]map[string]float64, len(colls))
	failures := make([]error, len(colls))

	var g errgroup.Group
	for i, c := range colls {
		g.Go(func() error {
			m, err := c.Collect(ctx)
			if err != nil {
				failures[i] = fmt.Errorf("%s: %w", c.Name(), err)
				log.Warn("collector failed", zap.String("collector", c.Name()), zap.Error(err))
				return nil
			}
			results[i] = m
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]float64)
	for i, m := range results {
		for name, v := range m {
			// Non-finite values have no JSON encoding.
			if name == "" || math.IsNaN(v) || math.IsInf(v, 0) {
				log.Debug("skipping unusable reading",
					zap.String("collector", colls[i].Name()), zap.String("metric", name))
				continue
			}
			merged[name] = v
		}
	}
	if len(merged) == 0 {
		if err := multierr.Combine(failures...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoReadings, err)
		}
		return nil, ErrNoReadings
	}

	snap := &Snapshot{
		MessageID: uuid.NewString(),
		Timestamp: storage.Seconds(collectedAt),
		DeviceID:  id.DeviceID,
		Source:    id.Source,
		Readings:  make([]Reading, 0, len(merged)),
	}
	for name, v := range merged {
		snap.Readings = append(snap.Readings, Reading{Name: name, Value: v})
	}
	sort.Slice(snap.Readings, func(i, j int) bool { return snap.Readings[i].Name < snap.Readings[j].Name })

	log.Debug("snapshot collected",
		zap.String("message_id", snap.MessageID),
		zap.Int("readings", len(snap.Readings)),
		zap.Int("failed_sources", len(multierr.Errors(multierr.Combine(failures...)))))
	return snap, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
