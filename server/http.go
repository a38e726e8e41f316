// Package server provides the admin HTTP API for a running cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tiercache"
	"github.com/wolfeidau/tiercache/cache"
	"github.com/wolfeidau/tiercache/telemetry"
	"golang.org/x/net/netutil"
)

// DefaultMaxBodySize caps the body of a PUT /cache request.
const DefaultMaxBodySize = 16 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// MaxConns limits concurrent connections. Zero means unlimited.
	MaxConns int

	// MaxBodySize caps stored values in bytes. Default: 16 MiB.
	MaxBodySize int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the admin HTTP server. Values are stored as raw JSON documents.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	cache      *cache.Manager[json.RawMessage]
}

// New creates a new server over mgr.
func New(mgr *cache.Manager[json.RawMessage], cfg Config) (*Server, error) {
	if mgr == nil {
		return nil, errors.New("server: cache manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		cache:  mgr,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Keys may contain slashes as well as colons.
	mux.HandleFunc("GET /cache/{key...}", s.handleGet)
	mux.HandleFunc("PUT /cache/{key...}", s.handlePut)
	mux.HandleFunc("DELETE /cache/{key...}", s.handleDelete)
	mux.HandleFunc("DELETE /cache", s.handleClear)

	mux.HandleFunc("POST /invalidate", s.handleInvalidate)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"remote_available": s.cache.RemoteAvailable(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	v, info, ok := s.cache.GetWithInfo(r.Context(), key)
	if !ok {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	telemetry.SetTier(r, info.Tier)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Tier", info.Tier)
	w.Header().Set("Expires", info.ExpiresAt.UTC().Format(http.TimeFormat))
	if len(info.Tags) > 0 {
		w.Header().Set("X-Cache-Tags", strings.Join(info.Tags, ","))
	}
	_, _ = w.Write(v)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "put")
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	cfg, err := configFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "value too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be a JSON document")
		return
	}

	if err := s.cache.Set(r.Context(), key, json.RawMessage(body), cfg); err != nil {
		if errors.Is(err, tiercache.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("storing value failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "storing value failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	s.cache.Delete(r.Context(), key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")
	s.cache.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "invalidate")
	tags := splitList(r.URL.Query().Get("tags"))
	if len(tags) == 0 {
		writeError(w, http.StatusBadRequest, "tags query parameter is required")
		return
	}
	removed := s.cache.InvalidateByTags(r.Context(), tags)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// configFromQuery reads ttl, swr, tags and compress from the query string.
func configFromQuery(r *http.Request) (tiercache.Config, error) {
	q := r.URL.Query()
	var cfg tiercache.Config

	if v := q.Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid ttl %q: %w", v, err)
		}
		cfg.TTL = d
	}
	if v := q.Get("swr"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid swr %q: %w", v, err)
		}
		cfg.StaleWhileRevalidate = d
	}
	if v := q.Get("compress"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid compress %q: %w", v, err)
		}
		cfg.Compress = b
	}
	cfg.Tags = splitList(q.Get("tags"))
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Tier != "" {
			attrs = append(attrs, "tier", tags.Tier)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(l)
}

// Serve serves on l, limiting concurrent connections when MaxConns is set.
func (s *Server) Serve(l net.Listener) error {
	if s.config.MaxConns > 0 {
		l = netutil.LimitListener(l, s.config.MaxConns)
	}
	s.logger.Info("starting server", "address", l.Addr().String(), "max_conns", s.config.MaxConns)
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
