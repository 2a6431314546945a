// Package uploader delivers collected snapshots to the ingestion server,
// retrying transient failures and buffering in a bounded queue.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"metricsink/collector"
)

// Result is the server's answer to an accepted snapshot.
type Result struct {
	Status       string `json:"status"`
	MessageID    string `json:"message_id"`
	MetricsCount int    `json:"metrics_count"`
	Duplicate    bool   `json:"duplicate"`
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Options tunes a Client.
type Options struct {
	APIKey         string
	Timeout        time.Duration // per attempt
	MaxRetries     uint          // attempts after the first
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client posts snapshots to /api/metrics.
type Client struct {
	endpoint string
	opts     Options
	http     *http.Client
	log      *zap.Logger
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, opts Options, log *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 30 * opts.BackoffInitial
	}
	return &Client{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/api/metrics",
		opts:     opts,
		http:     &http.Client{Timeout: opts.Timeout},
		log:      log,
	}
}

// Send uploads snap. Transport errors, 5xx and 429 are retried with
// exponential backoff; other 4xx answers fail immediately. Every attempt
// carries the same message id, so a retry after a lost response is
// reported by the server as a duplicate rather than stored twice.
func (c *Client) Send(ctx context.Context, snap *collector.Snapshot) (Result, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax

	attempt := 0
	op := func() (Result, error) {
		attempt++
		res, err := c.post(ctx, body)
		if err == nil {
			return res, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.MaxRetries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Warn("upload failed, retrying",
				zap.String("message_id", snap.MessageID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}))
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", snap.MessageID, err)
	}

	c.log.Debug("snapshot uploaded",
		zap.String("message_id", res.MessageID),
		zap.Int("metrics_count", res.MetricsCount),
		zap.Bool("duplicate", res.Duplicate),
		zap.Int("attempts", attempt))
	return res, nil
}

func (c *Client) post(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return Result{}, fmt.Errorf("%w: %w", se, backoff.RetryAfter(secs))
			}
		}
		return Result{}, se
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
