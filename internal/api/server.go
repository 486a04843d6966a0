package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/engine"
	"github.com/devblac/event-relay/internal/health"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

// Engine is the part of the sync engine exposed over HTTP.
type Engine interface {
	SyncEvents(ctx context.Context) []engine.Result
	SyncEvent(ctx context.Context, eventID string) (engine.Result, error)
	SyncTransaction(ctx context.Context, eventID, txHash string) (engine.Result, error)
	Records(ctx context.Context, project, contract string, q storage.RecordQuery) ([]model.Record, error)
	Cursors(ctx context.Context) ([]storage.Cursor, error)
}

// Config holds the HTTP listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server serves health, metrics, sync triggers and record queries.
type Server struct {
	config Config
	logger *zap.Logger
	engine Engine
	health health.Checker
	router *chi.Mux
	server *http.Server

	// base outlives requests so asynchronous syncs keep running after the 202.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg Config, eng Engine, checker health.Checker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	base, cancel := context.WithCancel(context.Background())

	s := &Server{
		config: cfg,
		logger: logger.Named("api"),
		engine: eng,
		health: checker,
		router: chi.NewRouter(),
		base:   base,
		cancel: cancel,
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Method(http.MethodGet, "/healthz", health.Handler(s.health))
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Get("/cursors", s.handleCursors)
	s.router.Route("/events", func(r chi.Router) {
		r.Post("/sync", s.handleSyncAll)
		r.Post("/{id}/sync", s.handleSyncEvent)
	})
	s.router.Get("/projects/{project}/contracts/{address}/records", s.handleRecords)
}

// requestLogger logs one line per request at debug, or warn for server errors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request failed", fields...)
			return
		}
		s.logger.Debug("request", fields...)
	})
}

// handleSyncAll starts a full sync pass in the background and answers immediately.
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		results := s.engine.SyncEvents(s.base)
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
			}
		}
		s.logger.Info("requested sync finished", zap.Int("events", len(results)), zap.Int("failed", failed))
	}()
	writeJSON(w, http.StatusAccepted, "Syncing events")
}

// handleSyncEvent backfills one event, or re-indexes one transaction when ?tx= is set.
func (s *Server) handleSyncEvent(w http.ResponseWriter, r *http.Request) {
	// Event ids contain a slash, so clients send them escaped.
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error()})
		return
	}
	var res engine.Result
	if tx := r.URL.Query().Get("tx"); tx != "" {
		res, err = s.engine.SyncTransaction(r.Context(), id, tx)
	} else {
		res, err = s.engine.SyncEvent(r.Context(), id)
	}
	if err != nil && isRequestError(err) {
		s.writeError(w, err)
		return
	}
	view := newResultView(res)
	if err != nil {
		// Chain and storage failures stay in logs and metrics; the caller gets the progress made.
		s.logger.Error("requested sync incomplete", zap.String("event", id), zap.Error(err))
		view.Event = id
		view.Status = statusIncomplete
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecordQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error()})
		return
	}
	records, err := s.engine.Records(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "address"), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.engine.Cursors(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]cursorView, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, cursorView{Event: c.EventID, Block: c.Block, UpdatedAt: c.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseRecordQuery(r *http.Request) (storage.RecordQuery, error) {
	values := r.URL.Query()
	q := storage.RecordQuery{EventID: values.Get("event")}

	var err error
	if q.FromBlock, err = parseUint(values.Get("from")); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.ToBlock, err = parseUint(values.Get("to")); err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	limit, err := parseUint(values.Get("limit"))
	if err != nil {
		return q, fmt.Errorf("limit: %w", err)
	}
	q.Limit = int(limit)
	if q.ToBlock != 0 && q.FromBlock > q.ToBlock {
		return q, fmt.Errorf("from %d is above to %d", q.FromBlock, q.ToBlock)
	}
	return q, nil
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// isRequestError reports errors caused by the request itself rather than the chain or storage.
func isRequestError(err error) bool {
	return errors.Is(err, engine.ErrEventNotFound) ||
		errors.Is(err, engine.ErrProjectNotFound) ||
		errors.Is(err, engine.ErrTransactionNotFound) ||
		errors.Is(err, engine.ErrInvalidTxHash) ||
		errors.Is(err, context.Canceled)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrEventNotFound),
		errors.Is(err, engine.ErrProjectNotFound),
		errors.Is(err, engine.ErrTransactionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTxHash):
		code = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request error", zap.Error(err))
	}
	writeJSON(w, code, errorView{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels background syncs and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.logger.Info("API server stopped")
	return err
}
