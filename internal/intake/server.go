// Package intake is the HTTP edge: it parses inbound lifecycle events into
// the scheduling pipeline and exposes the cancellation and inspection
// endpoints. It holds no scheduling state of its own.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"remindd/internal/lifecycle"
	"remindd/internal/rules"
	"remindd/internal/scheduler"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg   Config
	life  *lifecycle.Service
	store store.Store
	sched *scheduler.Service
	log   logx.Logger

	srv *http.Server
}

func NewServer(cfg Config, life *lifecycle.Service, st store.Store, sched *scheduler.Service, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8480"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, life: life, store: st, sched: sched, log: log}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/events", s.handleEvent)
	r.Delete("/v1/subjects/{subject}/tasks", s.handleCancelSubject)
	r.Delete("/v1/tasks", s.handleCancelByStatus)
	r.Post("/v1/tasks/{id}/fire", s.handleRefire)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/timers", s.handleTimers)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Start begins serving in the background. It returns once the listener is
// accepting or with the bind error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("intake server stopped", logx.Err(err))
		}
	}()
	s.log.Info("intake listening", logx.String("addr", s.srv.Addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

type eventRequest struct {
	Category   string `json:"category"`
	Subject    string `json:"subject"`
	AnchorDate string `json:"anchor_date"` // RFC 3339 or YYYY-MM-DD
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	category, err := rules.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown category: "+req.Category)
		return
	}
	anchor, err := parseAnchor(req.AnchorDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.life.HandleEvent(r.Context(), lifecycle.Event{
		Category: category,
		Subject:  req.Subject,
		Anchor:   anchor,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, lifecycle.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNoRecipient):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("event handling failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCancelSubject(w http.ResponseWriter, r *http.Request) {
	subject, err := url.PathUnescape(chi.URLParam(r, "subject"))
	if err != nil || strings.TrimSpace(subject) == "" {
		writeError(w, http.StatusBadRequest, "invalid subject")
		return
	}
	n, err := s.life.CancelSubject(r.Context(), subject)
	if err != nil {
		if errors.Is(err, lifecycle.ErrMalformedEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("subject cancellation failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleCancelByStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := store.ParseStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "status query parameter must be pending, executed or failed")
		return
	}
	n, err := s.life.CancelByStatus(r.Context(), status)
	if err != nil {
		s.log.Error("status cancellation failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleRefire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	err := s.life.Refire(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "fired"})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such task: "+id)
	case errors.Is(err, lifecycle.ErrAlreadyExecuted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("manual fire failed", logx.String("id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter *store.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := store.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		filter = &status
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.log.Error("task listing failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTimers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timers": s.sched.Snapshot(),
		"stats":  s.sched.Stats(),
	})
}

func parseAnchor(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("anchor_date is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, errors.New("anchor_date must be RFC 3339 or YYYY-MM-DD")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
