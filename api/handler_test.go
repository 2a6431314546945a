package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"metricsink/errs"
	"metricsink/ingest"
	"metricsink/query"
	"metricsink/storage"
)

const testKey = "test-key"

func setupServer(t *testing.T) (*httptest.Server, *storage.SQLStore) {
	t.Helper()
	store, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := newServer(store)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func newServer(store storage.Store) *Server {
	log := zap.NewNop()
	return New(store, ingest.NewService(store, log), query.NewService(store, log), log, Options{APIKey: testKey})
}

func do(t *testing.T, method, url, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func snapshotJSON(id string, ts float64, device string) string {
	return fmt.Sprintf(`{"message_id":%q,"timestamp":%v,"device_id":%q,"source":"local",`+
		`"metrics":[{"metric_name":"cpu","metric_value":12.5},{"metric_name":"mem","metric_value":40}]}`, id, ts, device)
}

func TestEndToEnd(t *testing.T) {
	ts, _ := setupServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/metrics", testKey, snapshotJSON("m1", 1700000000, "d1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "m1", body["message_id"])
	assert.Equal(t, float64(2), body["metrics_count"])
	assert.NotContains(t, body, "duplicate")

	resp, body = do(t, http.MethodPost, ts.URL+"/api/metrics", testKey, snapshotJSON("m1", 1700000000, "d1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, float64(2), body["metrics_count"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
	assert.Equal(t, float64(1), body["total_messages"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/metrics?device_id=d1", testKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(1), body["count"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	m := msgs[0].(map[string]any)
	assert.Equal(t, "m1", m["message_id"])
	assert.Equal(t, float64(1700000000), m["collected_at"])
	assert.Len(t, m["metrics"], 2)
}

func TestAuth(t *testing.T) {
	ts, _ := setupServer(t)

	tests := []struct {
		name    string
		method  string
		path    string
		key     string
		wantErr string
	}{
		{"post missing", http.MethodPost, "/api/metrics", "", "missing API key"},
		{"post wrong", http.MethodPost, "/api/metrics", "nope", "invalid API key"},
		{"list missing", http.MethodGet, "/api/metrics", "", "missing API key"},
		{"recent wrong", http.MethodGet, "/api/recent", "nope", "invalid API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, ts.URL+tt.path, tt.key, snapshotJSON("m1", 1, "d1"))
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}

	// Nothing got through.
	_, body := do(t, http.MethodGet, ts.URL+"/api/health", "", "")
	assert.Equal(t, float64(0), body["total_messages"])
}

func TestEmptyServerKeyRejectsEverything(t *testing.T) {
	assert.ErrorIs(t, checkAPIKey("", "anything"), errs.ErrInvalidAPIKey)
	assert.ErrorIs(t, checkAPIKey("k", ""), errs.ErrMissingAPIKey)
	assert.NoError(t, checkAPIKey("k", "k"))
}

func TestRequireKeyClassifiesErrors(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusNoContent},
		{"wrapped auth error", fmt.Errorf("lookup: %w", errs.ErrInvalidAPIKey), http.StatusUnauthorized},
		{"backend failure", errors.New("key store unreachable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := requireKey(func(string) error { return tt.err })(ok)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "unreachable")
			}
		})
	}
}

func TestPostValidation(t *testing.T) {
	ts, store := setupServer(t)

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"not json", `{not json`, ""},
		{"null body", `null`, "body"},
		{"missing id", `{"timestamp":1,"device_id":"d","source":"s","metrics":[{"metric_name":"a","metric_value":1}]}`, "message_id"},
		{"empty metrics", `{"message_id":"x","timestamp":1,"device_id":"d","source":"s","metrics":[]}`, "metrics"},
		{"string value", `{"message_id":"x","timestamp":1,"device_id":"d","source":"s","metrics":[{"metric_name":"a","metric_value":"1"}]}`, "metrics[0].metric_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/api/metrics", testKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, "invalid data format", body["error"])
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, body["field"])
			}
		})
	}

	h, err := store.Health(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.TotalMessages)
}

func TestPaddedDeviceIDRoundTrips(t *testing.T) {
	ts, _ := setupServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/metrics", testKey, snapshotJSON("m1", 1700000000, " d1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := do(t, http.MethodGet, ts.URL+"/api/metrics?device_id=%20d1", testKey, "")
	assert.Equal(t, float64(1), body["count"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, " d1", msgs[0].(map[string]any)["device_id"])

	_, body = do(t, http.MethodGet, ts.URL+"/api/metrics?device_id=d1", testKey, "")
	assert.Equal(t, float64(0), body["count"])
}

func TestPostEmptyBody(t *testing.T) {
	ts, _ := setupServer(t)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/metrics", nil)
	require.NoError(t, err)
	req.Header.Set(APIKeyHeader, testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostOversizedBody(t *testing.T) {
	ts, _ := setupServer(t)
	big := `{"message_id":"x","pad":"` + strings.Repeat("a", ingest.MaxBodyBytes) + `"}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/metrics", bytes.NewBufferString(big))
	require.NoError(t, err)
	req.Header.Set(APIKeyHeader, testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListLimits(t *testing.T) {
	ts, _ := setupServer(t)
	for i := 0; i < 12; i++ {
		resp, _ := do(t, http.MethodPost, ts.URL+"/api/metrics", testKey, snapshotJSON(fmt.Sprintf("m%02d", i), float64(1000+i), "d1"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	_, body := do(t, http.MethodGet, ts.URL+"/api/recent", testKey, "")
	assert.Equal(t, float64(10), body["count"], "recent defaults to 10")
	first := body["messages"].([]any)[0].(map[string]any)
	assert.Equal(t, "m11", first["message_id"], "newest first")

	_, body = do(t, http.MethodGet, ts.URL+"/api/metrics?limit=5", testKey, "")
	assert.Equal(t, float64(5), body["count"])

	_, body = do(t, http.MethodGet, ts.URL+"/api/metrics?limit=999999", testKey, "")
	assert.Equal(t, float64(12), body["count"], "over-max is clamped, not rejected")

	_, body = do(t, http.MethodGet, ts.URL+"/api/metrics?since=1010", testKey, "")
	assert.Equal(t, float64(2), body["count"])

	for _, q := range []string{"limit=0", "limit=-1", "limit=abc", "since=yesterday"} {
		resp, body := do(t, http.MethodGet, ts.URL+"/api/metrics?"+q, testKey, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.Equal(t, "error", body["status"], q)
	}
}

func TestIndex(t *testing.T) {
	ts, _ := setupServer(t)
	resp, body := do(t, http.MethodGet, ts.URL+"/", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "metricsink", body["name"])
	assert.Contains(t, body["endpoints"], "POST /api/metrics")
}

// failingStore makes every call fail as a broken database would.
type failingStore struct{ storage.Store }

func (failingStore) InsertSnapshot(context.Context, storage.Message, []storage.Reading) (storage.InsertOutcome, error) {
	return storage.InsertOutcome{}, errs.Storage("insert snapshot", errors.New("disk I/O error"))
}

func (failingStore) QueryMessages(context.Context, storage.Filter) ([]storage.Snapshot, error) {
	return nil, errs.Storage("query messages", errors.New("disk I/O error"))
}

func (failingStore) Health(context.Context) (storage.Health, error) {
	return storage.Health{}, errs.Storage("health", errors.New("database is closed"))
}

func TestStorageFailures(t *testing.T) {
	ts := httptest.NewServer(newServer(failingStore{}).Router())
	defer ts.Close()

	resp, body := do(t, http.MethodPost, ts.URL+"/api/metrics", testKey, snapshotJSON("m9", 1, "d1"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "failed to store message", body["error"])
	assert.Equal(t, "m9", body["message_id"])
	assert.NotContains(t, fmt.Sprint(body), "disk I/O", "internal detail must not leak")

	resp, body = do(t, http.MethodGet, ts.URL+"/api/metrics", testKey, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "error", body["status"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "error", body["database"])
	assert.Equal(t, float64(0), body["total_messages"])
}
