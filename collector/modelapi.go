package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ModelAPICollector calls a REST endpoint of a model serving system that
// returns a flat JSON object, e.g.
//
//	{"latency_ms": 12.3, "error_rate": "0.02", "histogram": {...}}
//
// Top-level numbers and numeric strings become readings; everything else is
// ignored.
type ModelAPICollector struct {
	URL  string
	HTTP *http.Client
	Log  *zap.Logger
}

// NewModelAPICollector creates a collector for url.
func NewModelAPICollector(url string, timeout time.Duration, log *zap.Logger) *ModelAPICollector {
	return &ModelAPICollector{
		URL:  url,
		HTTP: &http.Client{Timeout: timeout},
		Log:  log,
	}
}

// Name implements Collector.
func (m *ModelAPICollector) Name() string { return "model_api" }

// Collect implements Collector.
func (m *ModelAPICollector) Collect(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model API request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var raw map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode model API JSON: %w", err)
	}

	metrics := make(map[string]float64)
	for k, v := range raw {
		switch num := v.(type) {
		case json.Number:
			if f, err := num.Float64(); err == nil {
				metrics[k] = f
			}
		case string:
			if f, err := parseFloat(strings.TrimSpace(num)); err == nil {
				metrics[k] = f
			}
		default:
			m.Log.Debug("skipping non-numeric model metric", zap.String("key", k))
		}
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("no numeric metrics found in model API response")
	}
	return metrics, nil
}
