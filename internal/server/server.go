// Package server exposes session-scoped bifurcation monitors over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/alexshd/bifmon"
	"github.com/alexshd/bifmon/internal/store"
)

// ManualSource labels documents submitted without a source.
const ManualSource = "Manual Text"

var validate = validator.New()

// Journal persists events. *store.Store satisfies it.
type Journal interface {
	Save(ctx context.Context, sessionID string, ev bifmon.Event) (string, error)
	List(ctx context.Context, sessionID string, limit int) ([]store.Record, error)
	Sessions(ctx context.Context) ([]store.SessionSummary, error)
}

// MonitorFactory builds a fresh monitor per session.
type MonitorFactory interface {
	NewMonitor(attrs ...any) *bifmon.Monitor
}

// Options configures a Server.
type Options struct {
	Factory      MonitorFactory
	Journal      Journal // Optional
	Metrics      *Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Server routes requests to per-session monitors.
type Server struct {
	sessions *Registry
	journal  Journal
	metrics  *Metrics
	logger   *slog.Logger
	maxBody  int64
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics("bifmon")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}

	factory := opts.Factory
	return &Server{
		sessions: NewRegistry(func(id string) *bifmon.Monitor {
			return factory.NewMonitor("session", id)
		}),
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		maxBody: opts.MaxBodyBytes,
	}
}

// Sessions returns the session registry.
func (s *Server) Sessions() *Registry { return s.sessions }

// CreateSession starts a session and updates the session gauge.
func (s *Server) CreateSession(name string) *Session {
	sess := s.sessions.Create(name)
	s.metrics.sessions.Set(float64(s.sessions.Len()))
	s.logger.Info("session created", "session", sess.ID, "name", name)
	return sess
}

// Ingest processes one document in a session, then records metrics and
// journals the event. Journal failures are logged, not returned.
func (s *Server) Ingest(ctx context.Context, sessionID, source, content string) (bifmon.Event, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return bifmon.Event{}, err
	}
	if source == "" {
		source = ManualSource
	}

	ev, err := sess.Monitor.ProcessDocument(ctx, source, content)
	if err != nil {
		if errors.Is(err, bifmon.ErrExtractorUnavailable) {
			s.metrics.unavailable.Inc()
		}
		return bifmon.Event{}, err
	}
	s.metrics.ObserveEvent(ev)

	if s.journal != nil {
		if _, err := s.journal.Save(ctx, sessionID, ev); err != nil {
			s.metrics.journalErrors.Inc()
			s.logger.Error("failed to journal event", "session", sessionID, "source", source, "error", err)
		}
	}
	return ev, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.requestLogger)

	router.Get("/health", s.health)
	router.Handle("/metrics", s.metrics.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)
				r.Post("/documents", s.processDocument)
				r.Get("/events", s.listEvents)
				r.Get("/graph", s.graph)
				r.Get("/entropy", s.entropy)
				r.Post("/reset", s.reset)
			})
		})

		r.Route("/journal", func(r chi.Router) {
			r.Get("/", s.journalSessions)
			r.Get("/{sessionID}", s.journalEvents)
		})
	})

	return router
}

// Run serves Routes on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

type createSessionRequest struct {
	Name string `json:"name" validate:"max=128"`
}

type documentRequest struct {
	Source  string `json:"source" validate:"max=512"`
	Content string `json:"content"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
		"journal":  s.journal != nil,
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}

	sess := s.CreateSession(req.Name)
	respondJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.Delete(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.metrics.sessions.Set(float64(s.sessions.Len()))
	s.logger.Info("session deleted", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) processDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, ok := s.session(w, r); !ok {
		return
	}

	var req documentRequest
	if !s.decode(w, r, &req) {
		return
	}

	ev, err := s.Ingest(r.Context(), id, req.Source, req.Content)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ev)
	case errors.Is(err, ErrSessionNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bifmon.ErrExtractorUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("failed to process document", "session", id, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	events := sess.Monitor.Events()
	if sev := r.URL.Query().Get("severity"); sev != "" {
		filtered := events[:0]
		for _, ev := range events {
			if string(ev.Severity) == sev {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) graph(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Monitor.GraphState())
}

func (s *Server) entropy(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	history := sess.Monitor.EntropyHistory()
	mean, std := bifmon.Baseline(history)
	respondJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"mean":    mean,
		"stdDev":  std,
		"window":  sess.Monitor.Config().WindowSize,
	})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Monitor.Clear()
	s.logger.Info("session reset", "session", sess.ID)
	respondJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) journalSessions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "journal disabled")
		return
	}

	list, err := s.journal.Sessions(r.Context())
	if err != nil {
		s.logger.Error("failed to list journal sessions", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []store.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) journalEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.journal.List(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		s.logger.Error("failed to list journal events", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	events := make([]bifmon.Event, 0, len(records))
	for _, rec := range records {
		events = append(events, rec.Event)
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

// decode reads a size-limited JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return s.decodeBody(w, r, dst, false)
}

// decodeOptional is decode for endpoints whose body may be empty, whatever
// the declared content length.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return s.decodeBody(w, r, dst, true)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, emptyOK bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if emptyOK && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
