// Package api serves the run artifacts of the training pipeline over HTTP.
// It is read-only: tables and summaries are written by the pipeline and
// browsed here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"taxi-duration/decision/artifacts"
)

// Config holds server configuration
type Config struct {
	Addr         string
	ArtifactsDir string
	RunIDFile    string
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		ArtifactsDir: "artifacts",
		RunIDFile:    "yaml_pipeline_run_id.txt",
		Version:      "dev",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		CORSOrigins:  []string{"*"},
	}
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	config     *Config
	logger     zerolog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(config *Config, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{config: config, logger: logger, startTime: time.Now()}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Get("/version", s.handleVersion)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/artifacts", s.handleListArtifacts)
		r.Get("/tables/{key}", s.handleTable)
		r.Get("/markdown/{key}", s.handleMarkdown)
		r.Get("/runs/latest", s.handleLatestRun)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Str("artifacts_dir", s.config.ArtifactsDir).Msg("Artifact server starting")
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down artifact server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.config.Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	info, err := os.Stat(s.config.ArtifactsDir)
	if err != nil || !info.IsDir() {
		s.jsonError(w, http.StatusServiceUnavailable, "artifacts directory not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"version":          s.config.Version,
		"pipeline_version": artifacts.Version,
	})
}

// =============================================================================
// ARTIFACT ENDPOINTS
// =============================================================================

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	entries, err := artifacts.List(s.config.ArtifactsDir)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Kind) == kind {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"artifacts": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	t, err := artifacts.ReadTable(s.config.ArtifactsDir, chi.URLParam(r, "key"))
	if err != nil {
		s.artifactError(w, err)
		return
	}
	if wantsMarkdown(r) {
		s.markdownResponse(w, t.RenderMarkdown())
		return
	}
	s.jsonResponse(w, http.StatusOK, t)
}

func (s *Server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	md, err := artifacts.ReadMarkdown(s.config.ArtifactsDir, chi.URLParam(r, "key"))
	if err != nil {
		s.artifactError(w, err)
		return
	}
	if wantsMarkdown(r) {
		s.markdownResponse(w, md.Body)
		return
	}
	s.jsonResponse(w, http.StatusOK, md)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.config.RunIDFile)
	if err != nil {
		s.artifactError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"run_id": strings.TrimSpace(string(data)),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func wantsMarkdown(r *http.Request) bool {
	return r.URL.Query().Get("format") == "markdown" ||
		strings.Contains(r.Header.Get("Accept"), "text/markdown")
}

func (s *Server) artifactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, artifacts.ErrInvalidKey):
		s.jsonError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		s.jsonError(w, http.StatusNotFound, "not found")
	default:
		s.jsonError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) markdownResponse(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{
		"error": message,
	})
}
