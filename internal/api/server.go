package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/config"
	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/metrics"
	"github.com/JakeFAU/batchscrape/internal/scraper"
)

// BatchRunner runs one batch to completion.
type BatchRunner interface {
	BatchScrape(ctx context.Context, reqs []crawler.ScrapeRequest) (crawler.BatchResult, error)
}

// Server wires HTTP handlers to the batch runner and the progress store.
type Server struct {
	router   chi.Router
	runner   BatchRunner
	progress *ProgressHandler
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. progress may be
// nil.
func NewServer(runner BatchRunner, progress *ProgressHandler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = NewProgressHandler(nil, logger)
	}
	s := &Server{
		runner:   runner,
		progress: progress,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Server.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.Server.APIKey))
		}
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.runBatch)
			r.Get("/", s.progress.ListBatches)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.progress.GetBatch)
				r.Get("/sites", s.progress.ListBatchSites)
			})
		})
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

type batchRequest struct {
	URLs       []string `json:"urls"`
	Depth      *int     `json:"depth"`
	MaxPages   *int     `json:"max_pages"`
	TimeoutMs  *int     `json:"timeout_ms"`
	RetryCount *int     `json:"retry_count"`
	Proxy      string   `json:"proxy"`
	// DeadlineMs shortens the server's batch deadline.
	DeadlineMs int `json:"deadline_ms"`
}

type batchResponse struct {
	crawler.BatchResult
	Succeeded bool                `json:"succeeded"`
	Counts    crawler.BatchCounts `json:"counts"`
}

// runBatch handles POST /v1/batches. Setup errors are 400; per-URL failures
// are entries of a 200 response.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reqs, err := s.toScrapeRequests(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deadline := s.cfg.BatchDeadline()
	if req.DeadlineMs > 0 && (deadline <= 0 || config.Millis(req.DeadlineMs) < deadline) {
		deadline = config.Millis(req.DeadlineMs)
	}
	ctx := r.Context()
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	result, err := s.runner.BatchScrape(ctx, reqs)
	if err != nil {
		if scraper.IsFatal(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "batch failed")
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{
		BatchResult: result,
		Succeeded:   result.Succeeded(),
		Counts:      result.Counts(),
	})
}

func (s *Server) toScrapeRequests(req batchRequest) ([]crawler.ScrapeRequest, error) {
	if len(req.URLs) == 0 {
		return nil, errors.New("urls required")
	}
	if s.cfg.Server.MaxURLs > 0 && len(req.URLs) > s.cfg.Server.MaxURLs {
		return nil, fmt.Errorf("at most %d urls per batch", s.cfg.Server.MaxURLs)
	}
	out := make([]crawler.ScrapeRequest, 0, len(req.URLs))
	for _, u := range req.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, errors.New("urls must not be empty")
		}
		sr := s.cfg.Request(u)
		sr.Depth = valueOrDefault(req.Depth, sr.Depth)
		sr.MaxPages = valueOrDefault(req.MaxPages, sr.MaxPages)
		sr.TimeoutMs = valueOrDefault(req.TimeoutMs, sr.TimeoutMs)
		sr.RetryCount = valueOrDefault(req.RetryCount, sr.RetryCount)
		sr.Proxy = req.Proxy
		out = append(out, sr)
	}
	// Options are shared by every URL, so a bad value rejects the batch.
	if err := out[0].ValidateOptions(); err != nil {
		return nil, err
	}
	return out, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
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
