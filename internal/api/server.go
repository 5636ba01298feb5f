// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jdevroede/hcw-crawler/internal/config"
	"github.com/jdevroede/hcw-crawler/internal/record"
	"github.com/jdevroede/hcw-crawler/internal/sweep"
)

// SweepRunner is the sweep lifecycle surface the HTTP layer drives.
type SweepRunner interface {
	Start(ctx context.Context, cfg sweep.Config) (string, error)
	Cancel() bool
	Active() bool
	LastReport() (sweep.Report, error)
}

// RecordLister reads stored records for the export endpoint.
type RecordLister interface {
	AllRecords(ctx context.Context) ([]record.Record, error)
}

// Server wires HTTP handlers to the sweep runner and the record store.
type Server struct {
	router  chi.Router
	runner  SweepRunner
	tracker *sweep.Tracker
	records RecordLister
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runner SweepRunner,
	tracker *sweep.Tracker,
	records RecordLister,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:  runner,
		tracker: tracker,
		records: records,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sweeps", func(r chi.Router) {
			r.Post("/", s.startSweep)
			r.Post("/cancel", s.cancelSweep)
			r.Get("/status", s.sweepStatus)
			r.Get("/last", s.lastSweep)
		})
		r.Get("/records", s.listRecords)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startSweepRequest struct {
	PostalCodes         []string `json:"postal_codes"`
	MaxPagesPerCode     *int     `json:"max_pages_per_code"`
	MaxConsecutiveEmpty *int     `json:"max_consecutive_empty"`
	IncludeUnknownPass  *bool    `json:"include_unknown_pass"`
	UnknownPassMaxPages *int     `json:"unknown_pass_max_pages"`
}

func (s *Server) startSweep(w http.ResponseWriter, r *http.Request) {
	var req startSweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	cfg := s.toSweepConfig(req)
	if _, err := sweep.ValidatePartitionKeys(cfg.PartitionKeys); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sweepID, err := s.runner.Start(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, sweep.ErrSweepActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start sweep")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sweep_id": sweepID})
}

func (s *Server) cancelSweep(w http.ResponseWriter, _ *http.Request) {
	if !s.runner.Cancel() {
		writeError(w, http.StatusConflict, "no sweep is active")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) sweepStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) lastSweep(w http.ResponseWriter, _ *http.Request) {
	if s.runner.Active() {
		writeError(w, http.StatusConflict, "a sweep is still active")
		return
	}
	report, err := s.runner.LastReport()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.AllRecords(r.Context())
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// toSweepConfig applies request overrides on top of the configured sweep
// defaults.
func (s *Server) toSweepConfig(req startSweepRequest) sweep.Config {
	cfg := sweep.Config{
		PartitionKeys:            s.cfg.Sweep.PostalCodes,
		MaxPagesPerPartition:     s.cfg.Sweep.MaxPagesPerCode,
		MaxConsecutiveEmptyPages: s.cfg.Sweep.MaxConsecutiveEmpty,
		IncludeUnknownPass:       s.cfg.Sweep.IncludeUnknownPass,
		UnknownPassMaxPages:      s.cfg.Sweep.UnknownPassMaxPages,
		PagePause:                s.cfg.PagePause(),
	}
	if len(req.PostalCodes) > 0 {
		cfg.PartitionKeys = req.PostalCodes
	}
	if req.MaxPagesPerCode != nil {
		cfg.MaxPagesPerPartition = *req.MaxPagesPerCode
	}
	if req.MaxConsecutiveEmpty != nil {
		cfg.MaxConsecutiveEmptyPages = *req.MaxConsecutiveEmpty
	}
	if req.IncludeUnknownPass != nil {
		cfg.IncludeUnknownPass = *req.IncludeUnknownPass
	}
	if req.UnknownPassMaxPages != nil {
		cfg.UnknownPassMaxPages = *req.UnknownPassMaxPages
	}
	return cfg
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
