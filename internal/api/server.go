package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Store is the slice of the job store the HTTP surface needs.
type Store interface {
	Ping(ctx context.Context) error
	EnqueueNow(ctx context.Context, monitorID string) (string, error)
	ListChangeEvents(ctx context.Context, monitorID string, limit int) ([]monitor.ChangeEvent, error)
	ListAbandoned(ctx context.Context, limit int) ([]monitor.AbandonedJob, error)
}

// Config controls optional server behavior.
type Config struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
}

// Server wires HTTP handlers to the job store.
type Server struct {
	router chi.Router
	store  Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(30 * time.Second))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/monitors/{monitor_id}", func(r chi.Router) {
			r.Post("/run", s.runNow)
			r.Get("/changes", s.listChanges)
		})
		r.Get("/jobs/abandoned", s.listAbandoned)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	monitorID := chi.URLParam(r, "monitor_id")
	jobID, err := s.store.EnqueueNow(r.Context(), monitorID)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "monitor not found")
		return
	case errors.Is(err, monitor.ErrJobLeased):
		s.writeError(w, http.StatusConflict, "a check is already running for this monitor")
		return
	case err != nil:
		s.logger.Error("enqueue run-now", zap.String("monitor_id", monitorID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to queue check")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "monitor_id": monitorID})
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	monitorID := chi.URLParam(r, "monitor_id")
	events, err := s.store.ListChangeEvents(r.Context(), monitorID, limit)
	if err != nil {
		s.logger.Error("list change events", zap.String("monitor_id", monitorID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list changes")
		return
	}
	views := make([]changeEventView, 0, len(events))
	for _, e := range events {
		view, err := newChangeEventView(e)
		if err != nil {
			s.logger.Error("encode change event", zap.String("event_id", e.ID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to encode changes")
			return
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"monitor_id": monitorID, "changes": views})
}

func (s *Server) listAbandoned(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.store.ListAbandoned(r.Context(), limit)
	if err != nil {
		s.logger.Error("list abandoned jobs", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	views := make([]abandonedJobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, abandonedJobView{
			ID:           j.ID,
			MonitorID:    j.MonitorID,
			OrgID:        j.OrgID,
			ScheduledFor: j.ScheduledFor,
			Attempts:     j.Attempts,
			Error:        j.ErrorMessage,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

type changeEventView struct {
	ID             string          `json:"id"`
	MonitorID      string          `json:"monitor_id"`
	PrevSnapshotID string          `json:"prev_snapshot_id"`
	NextSnapshotID string          `json:"next_snapshot_id"`
	Severity       string          `json:"severity"`
	Summary        string          `json:"summary"`
	Diff           json.RawMessage `json:"diff"`
	CreatedAt      time.Time       `json:"created_at"`
}

func newChangeEventView(e monitor.ChangeEvent) (changeEventView, error) {
	diff, err := monitor.MarshalDiff(e.Diff)
	if err != nil {
		return changeEventView{}, err
	}
	return changeEventView{
		ID:             e.ID,
		MonitorID:      e.MonitorID,
		PrevSnapshotID: e.PrevSnapshotID,
		NextSnapshotID: e.NextSnapshotID,
		Severity:       string(e.Severity),
		Summary:        e.Summary,
		Diff:           diff,
		CreatedAt:      e.CreatedAt,
	}, nil
}

type abandonedJobView struct {
	ID           string    `json:"id"`
	MonitorID    string    `json:"monitor_id"`
	OrgID        string    `json:"org_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
