package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
	"github.com/LearnCodeWithH/mokuro-online/pkg/metrics"
)

// NewRouter creates the chi router with the standard middleware stack.
//
// Routes:
//   - GET  /            - viewer index page
//   - GET  /static/*    - viewer assets
//   - GET  /healthz     - liveness probe
//   - GET  /metrics     - Prometheus metrics (404 when disabled)
//   - POST /v1/hash_check - partition hashes into new/queued
//   - POST /v1/ocr        - fetch cached OCR results
//   - POST /v1/new_pages  - upload pages for OCR (?stream=1 for JSONL)
//   - POST /v1/make_html  - render cached pages into the overlay viewer
//
// The request timeout only wraps the query endpoints; /v1/new_pages streams
// for as long as its OCR jobs run.
func NewRouter(h *Handler, staticDir string, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
	})
	r.Handle("/static/*", http.StripPrefix("/static/",
		http.FileServer(http.Dir(staticDir))))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Post("/hash_check", h.HashCheck)
			r.Post("/ocr", h.OCR)
			r.Post("/make_html", h.MakeHTML)
		})

		// Untimed: the response streams progress while OCR runs.
		r.Post("/new_pages", h.NewPages)
	})

	return r
}

// requestLogger logs request start at DEBUG and completion at INFO, with
// health probes kept at DEBUG to cut noise.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}
