package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const userAgent = "metricsink-agent/1.0"

// PrometheusCollector evaluates instant queries against the Prometheus HTTP
// API (/api/v1/query). Every series of every query becomes one reading.
type PrometheusCollector struct {
	BaseURL string       // e.g. "http://localhost:9090"
	Queries []string     // PromQL expressions
	HTTP    *http.Client // may be replaced in tests
	Log     *zap.Logger
}

// prometheusResponse is the subset of /api/v1/query we read.
type prometheusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string          `json:"resultType"` // "vector" or "scalar"
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

type prometheusSample struct {
	Metric map[string]string `json:"metric"`
	Value  [2]any            `json:"value"` // [ <unix seconds>, "<value>" ]
}

// NewPrometheusCollector returns a collector for queries against baseURL.
func NewPrometheusCollector(baseURL string, queries []string, timeout time.Duration, log *zap.Logger) *PrometheusCollector {
	return &PrometheusCollector{
		BaseURL: baseURL,
		Queries: queries,
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log,
	}
}

// Name implements Collector.
func (p *PrometheusCollector) Name() string { return "prometheus" }

// Collect implements Collector. A query that fails is logged and skipped;
// the call fails only when every query fails.
func (p *PrometheusCollector) Collect(ctx context.Context) (map[string]float64, error) {
	if len(p.Queries) == 0 {
		return nil, fmt.Errorf("no prometheus queries configured")
	}
	out := make(map[string]float64)
	var lastErr error
	for _, q := range p.Queries {
		samples, err := p.query(ctx, q)
		if err != nil {
			lastErr = err
			p.Log.Warn("prometheus query failed", zap.String("query", q), zap.Error(err))
			continue
		}
		for name, v := range samples {
			out[name] = v
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (p *PrometheusCollector) query(ctx context.Context, expr string) (map[string]float64, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid prometheus base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/query"
	q := u.Query()
	q.Set("query", expr)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var apiResp prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode prometheus response: %w", err)
	}
	if apiResp.Status != "success" {
		return nil, fmt.Errorf("prometheus query not successful: %s %s", apiResp.Status, apiResp.Error)
	}

	switch apiResp.Data.ResultType {
	case "scalar":
		var pair [2]any
		if err := json.Unmarshal(apiResp.Data.Result, &pair); err != nil {
			return nil, fmt.Errorf("decode scalar: %w", err)
		}
		v, err := sampleValue(pair)
		if err != nil {
			return nil, err
		}
		return map[string]float64{expr: v}, nil
	case "vector":
		var series []prometheusSample
		if err := json.Unmarshal(apiResp.Data.Result, &series); err != nil {
			return nil, fmt.Errorf("decode vector: %w", err)
		}
		if len(series) == 0 {
			return nil, fmt.Errorf("prometheus query %q returned no results", expr)
		}
		out := make(map[string]float64, len(series))
		for _, s := range series {
			v, err := sampleValue(s.Value)
			if err != nil {
				return nil, err
			}
			out[seriesName(expr, s.Metric, len(series) > 1)] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported prometheus result type %q", apiResp.Data.ResultType)
	}
}

func sampleValue(pair [2]any) (float64, error) {
	// pair[0] is the evaluation time, pair[1] the value as a string.
	s, ok := pair[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value type %T in prometheus response", pair[1])
	}
	v, err := parseFloat(s)
	if err != nil {
		return 0, fmt.Errorf("cannot parse prometheus value %q: %w", s, err)
	}
	return v, nil
}

// seriesName names a sample after its __name__ label, or the query itself
// for computed expressions. Other labels are appended when the query yields
// several series so the names stay distinct.
func seriesName(expr string, labels map[string]string, withLabels bool) string {
	name := labels["__name__"]
	if name == "" {
		name = expr
	}
	if !withLabels {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		if k != "__name__" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return name
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
