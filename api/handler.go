package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"metricsink/errs"
	"metricsink/ingest"
	"metricsink/logger"
	"metricsink/query"
	"metricsink/storage"
)

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

// IngestResponse is returned by POST /api/metrics.
type IngestResponse struct {
	Status       string `json:"status"`
	MessageID    string `json:"message_id"`
	MetricsCount int    `json:"metrics_count"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// ListResponse is returned by GET /api/metrics and GET /api/recent.
type ListResponse struct {
	Status   string              `json:"status"`
	Count    int                 `json:"count"`
	Messages []query.MessageView `json:"messages"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	TotalMessages int64  `json:"total_messages"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Details   string `json:"details,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type indexResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, indexResponse{
		Name:    "metricsink",
		Version: s.opts.Version,
		Endpoints: map[string]string{
			"POST /api/metrics": "Submit a metric snapshot (requires API key)",
			"GET /api/metrics":  "Query snapshots by device_id, source, since, limit (requires API key)",
			"GET /api/recent":   "Most recent snapshots (requires API key)",
			"GET /api/health":   "Health check",
		},
	})
}

func (s *Server) handlePostMetrics(w http.ResponseWriter, r *http.Request) {
	log := logger.Ctx(r.Context(), s.log)

	// One byte over the limit is enough for Decode to reject the body.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ingest.MaxBodyBytes+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			writeErr(w, http.StatusBadRequest, errorResponse{Error: "invalid data format", Field: "body", Details: err.Error()})
			return
		}
	}

	res, err := s.ingest.Ingest(r.Context(), body)
	if err != nil {
		var ve *errs.ValidationError
		if errors.As(err, &ve) {
			log.Warn("snapshot rejected", zap.String("field", ve.Field), zap.String("reason", ve.Reason))
			writeErr(w, http.StatusBadRequest, errorResponse{Error: "invalid data format", Field: ve.Field, Details: ve.Reason})
			return
		}
		log.Error("store snapshot", zap.String("message_id", res.MessageID), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, errorResponse{Error: "failed to store message", MessageID: res.MessageID})
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		Status:       "success",
		MessageID:    res.MessageID,
		MetricsCount: res.MetricsCount,
		Duplicate:    res.Duplicate,
	})
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.opts.MetricsBounds)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.opts.RecentBounds)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, b query.Bounds) {
	resp, err := s.query.ListMessages(r.Context(), r.URL.Query(), b)
	if err != nil {
		var ve *errs.ValidationError
		if errors.As(err, &ve) {
			writeErr(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
			return
		}
		logger.Ctx(r.Context(), s.log).Error("list messages", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, errorResponse{Error: "failed to fetch messages"})
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Status: "success", Count: resp.Count, Messages: resp.Messages})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v, err, _ := s.health.Do("health", func() (any, error) {
		// Detached from any single caller so one cancelled probe does not
		// fail the others sharing the result.
		return s.store.Health(context.WithoutCancel(r.Context()))
	})
	if err != nil {
		logger.Ctx(r.Context(), s.log).Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Database: "error"})
		return
	}
	h := v.(storage.Health)
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Database: "connected", TotalMessages: h.TotalMessages})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, resp errorResponse) {
	resp.Status = "error"
	writeJSON(w, status, resp)
}
