// Package web is the local control-plane HTTP/SSE surface. Agent hook
// scripts and UIs talk to it with a per-process token.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	agentkanban "github.com/madhatter5501/agent-kanban"
	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/internal/supervisor"
)

// TokenHeader authenticates protected requests.
const TokenHeader = "X-AgentKanban-Token"

// Server is the control-plane HTTP server.
type Server struct {
	cfg    agentkanban.Config
	store  *db.Store
	mgr    *locks.Manager
	fin    *agentkanban.Finalizer
	sup    *supervisor.Supervisor
	pool   *agentkanban.Pool
	bus    *events.Broadcaster
	logger *slog.Logger
	md     goldmark.Markdown
}

// NewServer creates the control-plane server.
func NewServer(cfg agentkanban.Config, store *db.Store, mgr *locks.Manager, fin *agentkanban.Finalizer,
	sup *supervisor.Supervisor, pool *agentkanban.Pool, bus *events.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		mgr:    mgr,
		fin:    fin,
		sup:    sup,
		pool:   pool,
		bus:    bus,
		logger: logger,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	// Local-dev service; browsers on any origin may talk to it.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/boards", s.handleListBoards)
		r.Post("/boards", s.handleCreateBoard)
		r.Get("/boards/{id}", s.handleGetBoard)
		r.Get("/boards/{id}/columns", s.handleBoardColumns)
		r.Get("/boards/{id}/tickets", s.handleBoardTickets)

		r.Post("/tickets", s.handleCreateTicket)
		r.Get("/tickets/{id}", s.handleGetTicket)
		r.Patch("/tickets/{id}", s.handleUpdateTicket)
		r.Delete("/tickets/{id}", s.handleDeleteTicket)
		r.Post("/tickets/{id}/move", s.handleMoveTicket)
		r.Post("/tickets/{id}/reserve", s.handleReserveTicket)
		r.Post("/tickets/{id}/unlock", s.handleUnlockTicket)
		r.Get("/tickets/{id}/comments", s.handleListComments)
		r.Post("/tickets/{id}/comments", s.handleCreateComment)
		r.Get("/tickets/{id}/runs", s.handleTicketRuns)
		r.Get("/tickets/{id}/tasks", s.handleListTasks)
		r.Post("/tickets/{id}/tasks", s.handleCreateTask)

		r.Patch("/tasks/{id}", s.handleUpdateTask)

		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Patch("/runs/{id}", s.handleUpdateRun)
		r.Post("/runs/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/runs/{id}/release", s.handleRelease)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Get("/runs/{id}/events", s.handleListEvents)
		r.Post("/runs/{id}/events", s.handleAppendEvent)

		r.Post("/queue/next", s.handleQueueNext)
		r.Get("/queue/status", s.handleQueueStatus)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects/{id}", s.handleGetProject)

		r.Get("/workers", s.handleListWorkers)
		r.Post("/workers", s.handleStartWorker)
		r.Delete("/workers/{id}", s.handleStopWorker)

		r.Get("/stream", s.handleStream)
		r.Get("/stream/filtered", s.handleStreamFiltered)
	})

	return r
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", "addr", s.cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requireToken authenticates /v1 requests by header or token query param.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(TokenHeader)
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
			writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
