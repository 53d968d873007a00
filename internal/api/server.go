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
	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/config"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
	"github.com/Frunin/diario-oficial/internal/metrics"
	"github.com/Frunin/diario-oficial/internal/watcher"
)

// Watcher is the part of the watcher the API drives.
type Watcher interface {
	Check(ctx context.Context) (watcher.Result, error)
	Latest(ctx context.Context) (gazette.Batch, error)
	Logs() []gazette.CheckLog
}

// Server wires HTTP handlers to the watcher.
type Server struct {
	router  chi.Router
	watcher Watcher
	ready   func(context.Context) error
	cfg     config.Config
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness makes /readyz report the result of check.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(w Watcher, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		watcher: w,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/checks", s.runCheck)
		r.Get("/checks/log", s.checkLog)
		r.Get("/gazettes", s.latestGazettes)
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
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type checkResponse struct {
	CheckID    string           `json:"check_id"`
	CheckedAt  time.Time        `json:"checked_at"`
	Strategy   string           `json:"strategy"`
	Generative bool             `json:"generative"`
	NewEdition bool             `json:"new_edition"`
	Records    []gazette.Record `json:"records"`
}

func (s *Server) runCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.watcher.Check(r.Context())
	if err != nil {
		s.logger.Warn("check request failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, gazette.UserMessage(err))
		return
	}
	records := res.Records
	if records == nil {
		records = []gazette.Record{}
	}
	s.writeJSON(w, http.StatusOK, checkResponse{
		CheckID:    res.CheckID,
		CheckedAt:  res.CheckedAt,
		Strategy:   res.Strategy,
		Generative: res.Generative,
		NewEdition: res.NewEdition,
		Records:    records,
	})
}

func (s *Server) latestGazettes(w http.ResponseWriter, r *http.Request) {
	batch, err := s.watcher.Latest(r.Context())
	switch {
	case errors.Is(err, gazette.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "no check has completed yet")
		return
	case err != nil:
		s.logger.Error("load latest batch failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load latest batch")
		return
	}
	if batch.Records == nil {
		batch.Records = []gazette.Record{}
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) checkLog(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": s.watcher.Logs()})
}

type requestIDKey struct{}

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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
