package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"bboxkv/pkg/storage"
	"bboxkv/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 16 << 20
)

type iRegistry interface {
	Table(ctx context.Context, name types.TableName) (*storage.Manager, error)
	Lookup(name types.TableName) (*storage.Manager, bool)
	Tables() []types.TableName
	DropTable(ctx context.Context, name types.TableName) error
}

type iNodeLister interface {
	Nodes(ctx context.Context) (map[string]string, error)
}

type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithNodes exposes the cluster membership on /cluster/nodes.
func WithNodes(nodes iNodeLister) Option {
	return func(s *Server) {
		s.nodes = nodes
	}
}

func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readHeaderTimeout = d
	}
}

// Server exposes the tables of a storage registry over HTTP.
type Server struct {
	registry          iRegistry
	metrics           http.Handler
	nodes             iNodeLister
	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance
func NewServer(registry iRegistry, port int, opts ...Option) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	s := &Server{
		registry:          registry,
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + strconv.Itoa(port),
		addr:              ":" + strconv.Itoa(port),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.nodes != nil {
		r.Get("/cluster/nodes", s.handleNodes)
	}

	r.Route("/tables", func(r chi.Router) {
		r.Get("/", s.handleTables)
		r.Route("/{table}", func(r chi.Router) {
			r.Delete("/", s.handleDropTable)
			r.Get("/stats", s.handleStats)
			r.Post("/query", s.handleQuery)
			r.Post("/flush", s.handleFlush)
			r.Post("/clear", s.handleClear)
			r.Put("/tuples/{key}", s.handlePut)
			r.Get("/tuples/{key}", s.handleGet)
			r.Delete("/tuples/{key}", s.handleDelete)
		})
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps storage errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotReady), errors.Is(err, storage.ErrRegistryDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrEmptyKey),
		errors.Is(err, types.ErrInvalidTableName),
		errors.Is(err, types.ErrInvalidInterval):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func tableName(r *http.Request) types.TableName {
	return types.TableName(chi.URLParam(r, "table"))
}

// tupleKey returns the decoded key. chi routes on the raw path when the key
// contains escaped slashes, so the parameter is still escaped then.
func tupleKey(r *http.Request) (string, error) {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath == "" {
		return key, nil
	}
	return url.PathUnescape(key)
}

// existing returns the manager of a table without creating it. Reads on an
// unknown table are 404.
func (s *Server) existing(w http.ResponseWriter, r *http.Request) (*storage.Manager, bool) {
	name := tableName(r)
	if err := name.Validate(); err != nil {
		s.writeError(w, err)
		return nil, false
	}
	m, ok := s.registry.Lookup(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(fmt.Sprintf("table %q not found", name)))
		return nil, false
	}
	return m, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.Nodes(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Nodes: nodes})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Tables()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Tables: out})
}

func (s *Server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DropTable(r.Context(), tableName(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	m, ok := s.existing(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Stats: m.Stats()})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var body TupleJSON
	if !s.decode(w, r, &body) {
		return
	}

	m, err := s.registry.Table(r.Context(), tableName(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	key, err := tupleKey(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid key: "+err.Error()))
		return
	}
	tuple := types.Tuple{
		Key:     key,
		Box:     body.Box,
		Value:   body.Value,
		Version: body.Version,
	}
	if err := m.Put(r.Context(), tuple); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, ok := s.existing(w, r)
	if !ok {
		return
	}

	key, err := tupleKey(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid key: "+err.Error()))
		return
	}
	tuple, err := m.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewTupleResponse(tuple))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Table(r.Context(), tableName(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	key, err := tupleKey(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid key: "+err.Error()))
		return
	}
	if err := m.Delete(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body QueryRequest
	if !s.decode(w, r, &body) {
		return
	}
	m, ok := s.existing(w, r)
	if !ok {
		return
	}

	tuples, err := m.GetTuplesInside(r.Context(), body.Box)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewTuplesResponse(tuples))
}

// handleFlush rotates the active memtable. With ?wait=true it returns once
// the flush finished.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	m, ok := s.existing(w, r)
	if !ok {
		return
	}

	if err := m.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := m.WaitForFlush(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	m, ok := s.existing(w, r)
	if !ok {
		return
	}

	if err := m.Clear(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
