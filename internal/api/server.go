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

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/bulk"
	"github.com/pagetrail/pagetrail/internal/metrics"
	"github.com/pagetrail/pagetrail/internal/scheduler"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	requestTimeout      = 60 * time.Second
)

// RunScheduler is the scheduler surface the API needs.
type RunScheduler interface {
	Trigger(ctx context.Context, req scheduler.TriggerRequest) (archiver.IncrementalRun, error)
	FillGaps(ctx context.Context, gapIDs []string) (archiver.IncrementalRun, error)
	Cancel(ctx context.Context, runID string) error
}

// BulkApplier is the bulk-processor surface the API needs.
type BulkApplier interface {
	Apply(ctx context.Context, action bulk.Action, pageIDs []string, data bulk.Data) (bulk.Result, error)
}

// ReadyCheck probes a downstream dependency for readiness.
type ReadyCheck func(ctx context.Context) error

// Deps collects the server's collaborators.
type Deps struct {
	Domains archiver.DomainStore
	Runs    archiver.RunStore
	Pages   archiver.PageStore
	Gaps    archiver.GapStore
	Sched   RunScheduler
	Bulk    BulkApplier
	Clock   archiver.Clock
	Ready   ReadyCheck
	Logger  *zap.Logger
}

// Options controls middleware behavior.
type Options struct {
	AuthEnabled bool
	APIKey      string
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Domains == nil || deps.Runs == nil || deps.Pages == nil || deps.Gaps == nil {
		return nil, errors.New("api requires domain, run, page, and gap stores")
	}
	if deps.Sched == nil || deps.Bulk == nil || deps.Clock == nil {
		return nil, errors.New("api requires scheduler, bulk processor, and clock")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(deps.Logger))
	r.Use(recoverMiddleware(deps.Logger))
	r.Use(timeoutMiddleware(requestTimeout))
	if opts.AuthEnabled {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/domains/{domain_id}", func(r chi.Router) {
			r.Get("/status", s.getDomainStatus)
			r.Put("/config", s.putDomainConfig)
			r.Get("/gaps", s.getDomainGaps)
			r.Get("/history", s.getDomainHistory)
		})
		r.Post("/trigger", s.postTrigger)
		r.Post("/gaps/fill", s.postGapsFill)
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/cancel", s.postRunCancel)
		})
		r.Post("/pages/bulk/{action}", s.postBulkAction)
	})

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("not ready: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
			dur := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, dur)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", dur.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
