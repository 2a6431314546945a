package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"metricsink/api"
	"metricsink/collector"
	"metricsink/ingest"
	"metricsink/query"
	"metricsink/storage"
)

func fastOptions(key string) Options {
	return Options{
		APIKey:         key,
		Timeout:        time.Second,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

func snapshot(id string) *collector.Snapshot {
	return &collector.Snapshot{
		MessageID: id,
		Timestamp: 1700000000.5,
		DeviceID:  "dev-1",
		Source:    "local",
		Readings:  []collector.Reading{{Name: "cpu_usage_percent", Value: 12.5}, {Name: "ram_used_mb", Value: 2048}},
	}
}

func TestSnapshotDecodesOnServer(t *testing.T) {
	body, err := json.Marshal(snapshot("m1"))
	require.NoError(t, err)

	msg, readings, err := ingest.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, 1700000000.5, msg.Timestamp)
	assert.Len(t, readings, 2)
}

func TestSendEndToEnd(t *testing.T) {
	store, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "up.db"), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	log := zap.NewNop()
	srv := api.New(store, ingest.NewService(store, log), query.NewService(store, log), log, api.Options{APIKey: "k"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	c := NewClient(ts.URL, fastOptions("k"), log)
	res, err := c.Send(context.Background(), snapshot("m1"))
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 2, res.MetricsCount)
	assert.False(t, res.Duplicate)

	res, err = c.Send(context.Background(), snapshot("m1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	h, err := store.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.TotalMessages)

	bad := NewClient(ts.URL, fastOptions("wrong"), log)
	_, err = bad.Send(context.Background(), snapshot("m2"))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestSendRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  []int
		wantCalls int32
		wantErr   bool
	}{
		{"recovers after 5xx", []int{503, 500}, 3, false},
		{"retries 429", []int{429}, 2, false},
		{"4xx is permanent", []int{400}, 1, true},
		{"gives up after max retries", []int{503, 503, 503, 503, 503}, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				assert.Equal(t, "k", r.Header.Get("X-API-Key"))
				if int(n) <= len(tt.failures) {
					http.Error(w, `{"status":"error"}`, tt.failures[n-1])
					return
				}
				fmt.Fprint(w, `{"status":"success","message_id":"m1","metrics_count":2}`)
			}))
			defer ts.Close()

			_, err := NewClient(ts.URL, fastOptions("k"), zap.NewNop()).Send(context.Background(), snapshot("m1"))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

// gatedSender blocks every Send until release is closed.
type gatedSender struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
	fail    map[string]bool
}

func (g *gatedSender) Send(ctx context.Context, snap *collector.Snapshot) (Result, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.got = append(g.got, snap.MessageID)
	if g.fail[snap.MessageID] {
		return Result{}, errors.New("rejected")
	}
	return Result{MessageID: snap.MessageID}, nil
}

func TestQueueDrainsInOrderOnClose(t *testing.T) {
	s := &gatedSender{release: make(chan struct{}), fail: map[string]bool{"b": true}}
	q := NewQueue(4, s, zap.NewNop())

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Put(snapshot(id)))
	}
	close(s.release)
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, s.got)
	assert.Equal(t, Stats{Sent: 2, Failed: 1, Dropped: 1}, q.Stats(), "no spool, so the failure is lost")
	assert.False(t, q.Put(snapshot("late")), "closed queue rejects")
}

func TestQueueDropsWhenFull(t *testing.T) {
	s := &gatedSender{release: make(chan struct{})}
	q := NewQueue(1, s, zap.NewNop())

	// The worker takes the first item and blocks on it; one more fits in
	// the buffer; everything after that is dropped.
	require.True(t, q.Put(snapshot("first")))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	require.True(t, q.Put(snapshot("second")))
	assert.False(t, q.Put(snapshot("third")))
	assert.Equal(t, int64(1), q.Stats().Dropped)

	close(s.release)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int64(2), q.Stats().Sent)
}

func TestQueueCloseDeadline(t *testing.T) {
	s := &gatedSender{release: make(chan struct{})}
	q := NewQueue(4, s, zap.NewNop())
	require.True(t, q.Put(snapshot("stuck")))
	require.True(t, q.Put(snapshot("pending")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, Stats{Failed: 1, Dropped: 2}, q.Stats())
}

func openSpool(t *testing.T, path string) *Spool {
	t.Helper()
	s, err := OpenSpool(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func spoolLen(t *testing.T, s *Spool) int {
	t.Helper()
	n, err := s.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestQueueReplaysSpoolAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool", "agent.db")

	spool, err := OpenSpool(ctx, path, zap.NewNop())
	require.NoError(t, err)
	down := &gatedSender{release: make(chan struct{}), fail: map[string]bool{"a": true, "b": true}}
	close(down.release)
	q := NewQueue(4, down, zap.NewNop(), WithSpool(spool))
	require.True(t, q.Put(snapshot("a")))
	require.True(t, q.Put(snapshot("b")))
	require.NoError(t, q.Close(ctx))
	assert.Equal(t, Stats{Failed: 2, Spooled: 2}, q.Stats())
	assert.Equal(t, 2, spoolLen(t, spool))
	require.NoError(t, spool.Close())

	// A new process finds the backlog and delivers it before anything else.
	spool = openSpool(t, path)
	up := &gatedSender{release: make(chan struct{})}
	close(up.release)
	q = NewQueue(4, up, zap.NewNop(), WithSpool(spool))
	require.True(t, q.Put(snapshot("c")))
	require.NoError(t, q.Close(ctx))

	assert.Equal(t, []string{"a", "b", "c"}, up.got)
	assert.Equal(t, Stats{Sent: 1, Replayed: 2}, q.Stats())
	assert.Zero(t, spoolLen(t, spool))
}

func TestQueueSpoolsPendingAtCloseDeadline(t *testing.T) {
	spool := openSpool(t, filepath.Join(t.TempDir(), "spool.db"))
	s := &gatedSender{release: make(chan struct{})}
	q := NewQueue(4, s, zap.NewNop(), WithSpool(spool))
	require.True(t, q.Put(snapshot("stuck")))
	require.True(t, q.Put(snapshot("pending")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, Stats{Failed: 1, Spooled: 2}, q.Stats())

	pending, err := spool.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "stuck", pending[0].MessageID)
	assert.Equal(t, "pending", pending[1].MessageID)
	assert.Equal(t, snapshot("pending").Readings, pending[1].Readings)
}

func TestQueueDoesNotSpoolRejectedSnapshots(t *testing.T) {
	spool := openSpool(t, filepath.Join(t.TempDir(), "spool.db"))
	s := senderFunc(func(context.Context, *collector.Snapshot) (Result, error) {
		return Result{}, &StatusError{Code: http.StatusBadRequest, Body: "metrics: is required"}
	})
	q := NewQueue(4, s, zap.NewNop(), WithSpool(spool))
	require.True(t, q.Put(snapshot("bad")))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, Stats{Failed: 1, Dropped: 1}, q.Stats())
	assert.Zero(t, spoolLen(t, spool))
}

func TestSpoolPushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	spool := openSpool(t, filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, spool.Push(ctx, snapshot("x")))
	require.NoError(t, spool.Push(ctx, snapshot("x")))
	assert.Equal(t, 1, spoolLen(t, spool))

	require.NoError(t, spool.Remove(ctx, "x"))
	assert.Zero(t, spoolLen(t, spool))
}

type senderFunc func(context.Context, *collector.Snapshot) (Result, error)

func (f senderFunc) Send(ctx context.Context, snap *collector.Snapshot) (Result, error) {
	return f(ctx, snap)
}
