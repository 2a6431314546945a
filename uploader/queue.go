package uploader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"metricsink/collector"
)

// Sender delivers one snapshot.
type Sender interface {
	Send(ctx context.Context, snap *collector.Snapshot) (Result, error)
}

// Stats counts queue outcomes.
type Stats struct {
	Sent     int64 // live snapshots delivered
	Failed   int64 // uploads that gave up
	Dropped  int64 // snapshots lost: queue full or closed with nowhere to spool
	Spooled  int64 // snapshots written to the spool
	Replayed int64 // spooled snapshots delivered later
}

// replayBatch bounds how many spooled snapshots one replay pass sends
// before live ones get their turn again.
const replayBatch = 32

// spoolTimeout bounds spool writes, which run after the queue context may
// already be cancelled.
const spoolTimeout = 5 * time.Second

// QueueOption customizes NewQueue.
type QueueOption func(*Queue)

// WithSpool keeps snapshots that fail, overflow, or are still pending at a
// Close deadline in s, and replays them when the queue starts and after
// every successful upload.
func WithSpool(s *Spool) QueueOption {
	return func(q *Queue) { q.spool = s }
}

// Queue buffers snapshots in memory and uploads them in order from a
// single background worker, so a slow server never blocks collection.
type Queue struct {
	items  chan *collector.Snapshot
	sender Sender
	spool  *Spool
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	sent, failed, dropped, spooled, replayed atomic.Int64
}

// NewQueue starts a queue holding at most size pending snapshots.
func NewQueue(size int, sender Sender, log *zap.Logger, opts ...QueueOption) *Queue {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		items:  make(chan *collector.Snapshot, size),
		sender: sender,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Put enqueues snap without blocking. It returns false when the queue is
// full or closed; the snapshot then goes to the spool if there is one and
// is dropped otherwise.
func (q *Queue) Put(snap *collector.Snapshot) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		q.log.Warn("queue closed, dropping snapshot", zap.String("message_id", snap.MessageID))
		return false
	}
	select {
	case q.items <- snap:
		return true
	default:
		q.log.Warn("upload queue full",
			zap.String("message_id", snap.MessageID),
			zap.Int("capacity", cap(q.items)))
		q.park(snap)
		return false
	}
}

// Len returns the number of pending snapshots.
func (q *Queue) Len() int { return len(q.items) }

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Sent:     q.sent.Load(),
		Failed:   q.failed.Load(),
		Dropped:  q.dropped.Load(),
		Spooled:  q.spooled.Load(),
		Replayed: q.replayed.Load(),
	}
}

// Close stops accepting snapshots and waits for pending ones to be sent.
// If ctx ends first, the in-flight upload is cancelled, the rest are
// spooled (or discarded without a spool) and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	q.replay()
	for snap := range q.items {
		if q.ctx.Err() != nil {
			q.park(snap)
			continue
		}
		res, err := q.sender.Send(q.ctx, snap)
		if err != nil {
			q.failed.Add(1)
			q.log.Error("upload failed", zap.String("message_id", snap.MessageID), zap.Error(err))
			if rejected(err) {
				q.dropped.Add(1)
				continue
			}
			q.park(snap)
			continue
		}
		q.sent.Add(1)
		if res.Duplicate {
			q.log.Info("server already had snapshot", zap.String("message_id", snap.MessageID))
		}
		q.replay()
	}
}

// park moves snap to the spool, or counts it as dropped without one.
func (q *Queue) park(snap *collector.Snapshot) {
	if q.spool == nil {
		q.dropped.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
	defer cancel()
	if err := q.spool.Push(ctx, snap); err != nil {
		q.dropped.Add(1)
		q.log.Error("cannot spool snapshot", zap.String("message_id", snap.MessageID), zap.Error(err))
		return
	}
	q.spooled.Add(1)
	q.log.Debug("snapshot spooled", zap.String("message_id", snap.MessageID))
}

// replay sends one batch of spooled snapshots and stops at the first
// failure; they stay spooled until the server is back. Replays are safe
// because the server ignores message ids it already stored.
func (q *Queue) replay() {
	if q.spool == nil || q.ctx.Err() != nil {
		return
	}
	pending, err := q.spool.Pending(q.ctx, replayBatch)
	if err != nil {
		q.log.Error("cannot read spool", zap.Error(err))
		return
	}
	for _, snap := range pending {
		if _, err := q.sender.Send(q.ctx, snap); err != nil {
			if !rejected(err) {
				q.log.Warn("replay paused", zap.String("message_id", snap.MessageID), zap.Error(err))
				return
			}
			q.failed.Add(1)
			q.log.Error("server rejected spooled snapshot", zap.String("message_id", snap.MessageID), zap.Error(err))
		} else {
			q.replayed.Add(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
		err := q.spool.Remove(ctx, snap.MessageID)
		cancel()
		if err != nil {
			q.log.Error("cannot clear replayed snapshot", zap.String("message_id", snap.MessageID), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		q.log.Info("replayed spooled snapshots", zap.Int("count", len(pending)))
	}
}

// rejected reports a snapshot the server refused as malformed; sending it
// again can never succeed.
func rejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusBadRequest || se.Code == http.StatusRequestEntityTooLarge
}
