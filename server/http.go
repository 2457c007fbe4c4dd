// Package server exposes a nodestore.Storage over HTTP.
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
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wolfeidau/nodestore"
	"github.com/wolfeidau/nodestore/telemetry"
)

// DefaultMaxValueSize bounds request bodies for PUT /nodes/{id}.
const DefaultMaxValueSize = 64 << 20

// TTLHeader carries the optional per-call ttl on PUT requests.
const TTLHeader = "X-Node-TTL"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when set.
	AuthToken string

	// EnableH2C serves HTTP/2 over cleartext connections alongside HTTP/1.1.
	EnableH2C bool

	// MaxValueSize bounds stored values. Zero uses DefaultMaxValueSize.
	MaxValueSize int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the node API.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	storage    nodestore.Storage
	handler    http.Handler
}

// New creates a new server serving storage.
func New(cfg Config, storage nodestore.Storage) (*Server, error) {
	if storage == nil {
		return nil, errors.New("server: storage is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = DefaultMaxValueSize
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		storage: storage,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = s.loggingMiddleware(s.authMiddleware(mux))
	if cfg.EnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Ids may contain slashes.
	mux.HandleFunc("GET /nodes/{id...}", s.handleGet)
	mux.HandleFunc("PUT /nodes/{id...}", s.handleSet)
	mux.HandleFunc("DELETE /nodes/{id...}", s.handleDelete)

	mux.HandleFunc("POST /batch/get", s.handleGetMulti)
	mux.HandleFunc("POST /batch/delete", s.handleDeleteMulti)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")
	id := r.PathValue("id")

	value, ok, err := s.storage.Get(r.Context(), id)
	if err != nil {
		s.storageError(w, r, "get", err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(value)))
	_, _ = w.Write(value)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "set")
	id := r.PathValue("id")

	var ttl time.Duration
	if h := r.Header.Get(TTLHeader); h != "" {
		d, err := time.ParseDuration(h)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", TTLHeader, err))
			return
		}
		ttl = d
	}

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "value too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "reading body")
		return
	}

	if err := s.storage.Set(r.Context(), id, value, ttl); err != nil {
		s.storageError(w, r, "set", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")

	if err := s.storage.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.storageError(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// idsRequest is the body of the batch endpoints.
type idsRequest struct {
	IDs []string `json:"ids"`
}

// getMultiResponse maps every requested id to its base64 value, or null.
type getMultiResponse struct {
	Nodes map[string][]byte `json:"nodes"`
}

func (s *Server) handleGetMulti(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_multi")

	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	nodes, err := s.storage.GetMulti(r.Context(), req.IDs)
	if err != nil {
		s.storageError(w, r, "get_multi", err)
		return
	}
	writeJSON(w, http.StatusOK, getMultiResponse{Nodes: nodes})
}

func (s *Server) handleDeleteMulti(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete_multi")

	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.storage.DeleteMulti(r.Context(), req.IDs); err != nil {
		s.storageError(w, r, "delete_multi", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cleanupRequest is the body of POST /cleanup.
type cleanupRequest struct {
	Cutoff time.Time `json:"cutoff"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")

	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.storage.Cleanup(r.Context(), req.Cutoff); err != nil {
		s.storageError(w, r, "cleanup", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storageError logs err and writes a 500 response without leaking details.
func (s *Server) storageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("storage operation failed", "op", op, "path", r.URL.Path, "error", err)
	writeJSONError(w, http.StatusInternalServerError, "storage error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
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

		// Inject request tags so handlers and the engine can set endpoint and lookup.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
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
			"remote_addr", r.RemoteAddr,
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Lookup != telemetry.LookupNA {
			attrs = append(attrs, "lookup", tags.Lookup)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "h2c", s.config.EnableH2C)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
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
