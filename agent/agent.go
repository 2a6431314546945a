// Package agent runs the collect-and-upload loop on a device.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"metricsink/collector"
)

// Queue accepts snapshots for asynchronous upload.
type Queue interface {
	Put(snap *collector.Snapshot) bool
}

// Agent periodically collects a snapshot and hands it to a queue.
type Agent struct {
	collectors []collector.Collector
	identity   collector.Identity
	queue      Queue
	interval   time.Duration
	timeout    time.Duration
	log        *zap.Logger
}

// New creates an Agent. timeout bounds a single collection cycle and
// defaults to the interval.
func New(colls []collector.Collector, id collector.Identity, q Queue, interval, timeout time.Duration, log *zap.Logger) *Agent {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Agent{collectors: colls, identity: id, queue: q, interval: interval, timeout: timeout, log: log}
}

// Run collects once immediately and then on every tick until ctx is done.
// Failed cycles are logged and do not stop the loop.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent started",
		zap.String("device_id", a.identity.DeviceID),
		zap.String("source", a.identity.Source),
		zap.Duration("interval", a.interval),
		zap.Int("collectors", len(a.collectors)))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		a.Once(ctx)
		select {
		case <-ctx.Done():
			a.log.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Once runs a single collection cycle and reports whether a snapshot was
// queued.
func (a *Agent) Once(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	snap, err := collector.CollectAll(cctx, a.collectors, a.identity, a.log)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error("collection failed", zap.Error(err))
		}
		return false
	}
	if !a.queue.Put(snap) {
		return false
	}
	a.log.Debug("snapshot queued",
		zap.String("message_id", snap.MessageID),
		zap.Time("collected_at", snap.CollectedAt()),
		zap.Int("metrics", len(snap.Readings)))
	return true
}
