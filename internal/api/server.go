package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/artifact"
	"github.com/myfishnameisqwerty/menagerie/internal/config"
	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
	"github.com/myfishnameisqwerty/menagerie/internal/metrics"
	"github.com/myfishnameisqwerty/menagerie/internal/middleware"
	"github.com/myfishnameisqwerty/menagerie/internal/pipeline"
	"github.com/myfishnameisqwerty/menagerie/internal/render"
	"github.com/myfishnameisqwerty/menagerie/internal/scraper"
	"github.com/myfishnameisqwerty/menagerie/internal/urlcache"
)

const (
	defaultSource   = "wikipedia"
	defaultCategory = "animals"

	defaultConcurrency = 5
	maxConcurrency     = 20
	maxScrapeLimit     = 1000

	// Workflow runs execute synchronously inside the request, so the
	// blanket timeout has to cover a full scrape-and-fetch pass.
	requestTimeout = 5 * time.Minute
)

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router   chi.Router
	coord    *pipeline.Coordinator
	registry *scraper.Registry
	store    *artifact.Store
	cache    *urlcache.Cache
	renderer *render.Renderer
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	coord *pipeline.Coordinator,
	registry *scraper.Registry,
	store *artifact.Store,
	cache *urlcache.Cache,
	renderer *render.Renderer,
	history gallery.BatchStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		coord:    coord,
		registry: registry,
		store:    store,
		cache:    cache,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	hist := NewHistoryHandler(history, logger)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Get("/scrape", s.scrape)
		r.Route("/downloads", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Post("/single", s.submitSingle)
			r.Get("/", hist.ListBatches)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", hist.GetBatch)
				r.Get("/results", hist.ListResults)
			})
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.cacheStats)
			r.Delete("/", s.clearCache)
			r.Delete("/all", s.clearAllCache)
		})
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.runWorkflow)
			r.Get("/status", s.workflowStatus)
		})
		r.Route("/galleries", func(r chi.Router) {
			r.Get("/", s.listGalleries)
			r.Get("/{filename}", s.serveGallery)
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
	// Collaborators run in-process; readiness tracks process liveness.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.registry.Sources()})
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	source := stringOrDefault(r.URL.Query().Get("source"), defaultSource)
	category := stringOrDefault(r.URL.Query().Get("category"), defaultCategory)
	src, err := s.registry.Lookup(source, category)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	query, err := parseScrapeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := src.Discover(r.Context(), category, query)
	if err != nil {
		s.logger.Error("discovery failed",
			zap.String("source", source),
			zap.String("category", category),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "discovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	source := stringOrDefault(req.Source, defaultSource)
	category := stringOrDefault(req.Category, defaultCategory)
	concurrency := req.MaxConcurrent
	if concurrency == 0 {
		concurrency = defaultConcurrency
	}
	if concurrency < 1 || concurrency > maxConcurrency {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("max_concurrent must be between 1 and %d", maxConcurrency))
		return
	}
	tasks, err := s.toFetchTasks(source, category, req.Downloads)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, res, err := s.coord.Execute(r.Context(), source, category, tasks, concurrency)
	if err != nil {
		s.logger.Error("batch execution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to execute batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch, "results": res.Results})
}

func (s *Server) submitSingle(w http.ResponseWriter, r *http.Request) {
	var req singleDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	source := stringOrDefault(req.Source, defaultSource)
	category := stringOrDefault(req.Category, defaultCategory)
	tasks, err := s.toFetchTasks(source, category, []downloadItem{{Name: req.Name, ImageURL: req.ImageURL}})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, res, err := s.coord.Execute(r.Context(), source, category, tasks, 1)
	if err != nil {
		s.logger.Error("batch execution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to execute batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch, "result": res.Results[0]})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if source == "" || category == "" {
		writeError(w, http.StatusBadRequest, "source and category are required")
		return
	}
	ns := gallery.Namespace(source, category)
	writeJSON(w, http.StatusOK, map[string]any{"namespace": ns, "cleared": s.cache.Clear(ns)})
}

func (s *Server) clearAllCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cleared": s.cache.ClearAll()})
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	source := stringOrDefault(req.Source, defaultSource)
	category := stringOrDefault(req.Category, defaultCategory)
	report, err := s.coord.Run(r.Context(), source, category)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
	case errors.Is(err, gallery.ErrWorkflowRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gallery.ErrUnknownSource), errors.Is(err, gallery.ErrUnknownCategory):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("workflow failed",
			zap.String("source", source),
			zap.String("category", category),
			zap.Error(err),
		)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) workflowStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflow": s.coord.Status()})
}

func (s *Server) listGalleries(w http.ResponseWriter, _ *http.Request) {
	files, err := s.renderer.List()
	if err != nil {
		s.logger.Error("list galleries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list galleries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(files), "galleries": files})
}

func (s *Server) serveGallery(w http.ResponseWriter, r *http.Request) {
	// Base strips any path the client smuggled into the segment.
	name := filepath.Base(chi.URLParam(r, "filename"))
	if name == "." || name == string(filepath.Separator) || !strings.HasSuffix(name, ".html") {
		writeError(w, http.StatusBadRequest, "invalid gallery filename")
		return
	}
	path := filepath.Join(s.renderer.OutputDir(), name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "gallery not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) toFetchTasks(source, category string, items []downloadItem) ([]gallery.FetchTask, error) {
	if len(items) == 0 {
		return nil, errors.New("downloads required")
	}
	ns := gallery.Namespace(source, category)
	tasks := make([]gallery.FetchTask, 0, len(items))
	for _, it := range items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			return nil, errors.New("name is required for every download")
		}
		if !strings.HasPrefix(it.ImageURL, "http://") && !strings.HasPrefix(it.ImageURL, "https://") {
			return nil, fmt.Errorf("image_url for %q must start with http:// or https://", name)
		}
		tasks = append(tasks, gallery.FetchTask{
			Locator:   it.ImageURL,
			ItemKey:   name,
			Namespace: ns,
			PathHint:  s.store.BasePath(ns, name),
		})
	}
	return tasks, nil
}

type downloadItem struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
}

type batchDownloadRequest struct {
	Source        string         `json:"source"`
	Category      string         `json:"category"`
	Downloads     []downloadItem `json:"downloads"`
	MaxConcurrent int            `json:"max_concurrent"`
}

type singleDownloadRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
	Source   string `json:"source"`
	Category string `json:"category"`
}

type workflowRequest struct {
	Source   string `json:"source"`
	Category string `json:"category"`
}

func stringOrDefault(val, def string) string {
	if strings.TrimSpace(val) == "" {
		return def
	}
	return val
}

func parseScrapeQuery(r *http.Request) (gallery.ScrapeQuery, error) {
	limit, offset, err := parseLimitOffset(r, 0, maxScrapeLimit)
	if err != nil {
		return gallery.ScrapeQuery{}, err
	}
	q := gallery.ScrapeQuery{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("name_in")); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				q.Names = append(q.Names, name)
			}
		}
	}
	return q, nil
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
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
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
