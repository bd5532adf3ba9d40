package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mirrorq/internal/admission"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Controller is the admission surface exposed over HTTP.
type Controller interface {
	Submit(ctx context.Context, req domain.Request) (domain.Handle, error)
	Cancel(ctx context.Context, id string) error
	Lookup(id string) (domain.Task, bool)
	Tasks(owner string) []domain.Task
	Limits() domain.Limits
	SetLimits(l domain.Limits)
	Stats() map[domain.Kind]admission.Stats
}

type Backends interface {
	Get(kind domain.BackendKind) (ports.Backend, bool)
}

type Options struct {
	CORSOrigins []string
	// Health reports the persistence mode for /healthz.
	Health func() string
}

type Server struct {
	router  *chi.Mux
	handler http.Handler
	ctl     Controller
	bs      Backends
	health  func() string
}

func NewServer(ctl Controller, bs Backends, opts Options) *Server {
	s := &Server{router: chi.NewRouter(), ctl: ctl, bs: bs, health: opts.Health}
	if s.health == nil {
		s.health = func() string { return "unknown" }
	}

	s.router.Get("/healthz", s.healthz)
	s.router.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/", s.list)
		r.Get("/{id}", s.get)
		r.Delete("/{id}", s.cancel)
	})
	s.router.Get("/limits", s.getLimits)
	s.router.Put("/limits", s.putLimits)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = chainMiddleware(
		s.router,
		recoverHandler,
		realIPHandler,
		requestIDHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/healthz" }),
		corsHandler(origins),
	)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		log.Info().Msg("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	<-done
	log.Info().Msg("Server stopped")
	return nil
}

type taskView struct {
	domain.Task
	Progress *domain.Progress `json:"progress,omitempty"`
}

type limitsView struct {
	domain.Limits
	Stats map[domain.Kind]admission.Stats `json:"stats"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "persistence": s.health()})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}
	h, err := s.ctl.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	tasks := s.ctl.Tasks(r.URL.Query().Get("owner"))
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.ctl.Lookup(id)
	if !ok {
		writeError(w, fmt.Errorf("task %s: %w", id, domain.ErrNotFound))
		return
	}
	view := taskView{Task: t}
	if t.State == domain.StateRunning && t.Started {
		if b, ok := s.bs.Get(t.Backend); ok {
			if p, err := b.Status(r.Context(), t); err == nil {
				view.Progress = &p
			} else {
				log.Ctx(r.Context()).Debug().Err(err).Str("task", id).Msg("progress unavailable")
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ctl.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	t, _ := s.ctl.Lookup(id)
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) getLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, limitsView{Limits: s.ctl.Limits(), Stats: s.ctl.Stats()})
}

func (s *Server) putLimits(w http.ResponseWriter, r *http.Request) {
	var l domain.Limits
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}
	if l.MaxDownloads < 0 || l.MaxUploads < 0 || l.MaxPerUser < 0 {
		writeError(w, fmt.Errorf("%w: limits must not be negative", domain.ErrInvalidRequest))
		return
	}
	s.ctl.SetLimits(l)
	writeJSON(w, http.StatusOK, limitsView{Limits: s.ctl.Limits(), Stats: s.ctl.Stats()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrDuplicateTask):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnknownBackend):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
