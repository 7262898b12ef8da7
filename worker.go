package agentkanban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/internal/supervisor"
	"github.com/madhatter5501/agent-kanban/kanban"
)

const (
	// idlePause is how long a worker sleeps after finding the queue empty.
	idlePause = 2 * time.Second

	// errorPause backs a worker off after an unexpected claim error.
	errorPause = 5 * time.Second
)

// WorkerStatus is one worker's externally visible state. Processed counts
// every run the worker settled; Errors counts the subset that ended badly.
type WorkerStatus struct {
	ID        string           `json:"id"`
	Agent     kanban.AgentKind `json:"agentType"`
	State     string           `json:"state"` // idle, running, stopping
	TicketID  string           `json:"ticketId,omitempty"`
	RunID     string           `json:"runId,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	Processed int              `json:"processed"`
	Errors    int              `json:"errors"`
}

type worker struct {
	status WorkerStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool runs worker loops that claim tickets and supervise agent runs.
type Pool struct {
	cfg    Config
	store  *db.Store
	mgr    *locks.Manager
	sup    *supervisor.Supervisor
	fin    *Finalizer
	bus    *events.Broadcaster
	logger *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
}

// NewPool creates a worker pool.
func NewPool(cfg Config, store *db.Store, mgr *locks.Manager, sup *supervisor.Supervisor, fin *Finalizer, bus *events.Broadcaster, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		store:      store,
		mgr:        mgr,
		sup:        sup,
		fin:        fin,
		bus:        bus,
		logger:     logger,
		rootCtx:    ctx,
		rootCancel: cancel,
		workers:    make(map[string]*worker),
	}
}

// StartWorker launches a new worker loop for the given agent kind and
// returns its id. Worker lifetimes are owned by the pool, not by any
// caller's context.
func (p *Pool) StartWorker(agent kanban.AgentKind) string {
	id := "worker-" + uuid.New().String()[:8]
	wctx, cancel := context.WithCancel(p.rootCtx)
	w := &worker{
		status: WorkerStatus{
			ID:        id,
			Agent:     agent,
			State:     "idle",
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: events.TypeWorkerStarted, Payload: w.status})
	p.logger.Info("worker started", "worker_id", id, "agent", agent)

	go p.runLoop(wctx, w)
	return id
}

// StopWorker asks a worker to stop and waits for its loop to exit. A run in
// flight is cancelled.
func (p *Pool) StopWorker(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if ok {
		w.status.State = "stopping"
	}
	runID := ""
	if ok {
		runID = w.status.RunID
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s: %w", id, db.ErrNotFound)
	}

	w.cancel()
	if runID != "" {
		p.sup.Cancel(runID)
	}
	<-w.done

	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: events.TypeWorkerStopped, Payload: WorkerStatus{ID: id}})
	p.logger.Info("worker stopped", "worker_id", id)
	return nil
}

// StopAll stops every worker and waits for their loops to exit. The pool
// remains usable; Close shuts it down for good.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.StopWorker(id)
	}
}

// Close stops all workers and tears the pool down.
func (p *Pool) Close() {
	p.StopAll()
	p.rootCancel()
}

// Statuses lists the current workers.
func (p *Pool) Statuses() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.status)
	}
	return out
}

func (p *Pool) runLoop(ctx context.Context, w *worker) {
	defer close(w.done)

	for {
		if ctx.Err() != nil {
			return
		}

		claim, err := p.mgr.Claim("", w.status.Agent)
		switch {
		case err == nil:
			p.runClaim(ctx, w, claim)
		case errors.Is(err, db.ErrQueueEmpty):
			if !sleepCtx(ctx, idlePause) {
				return
			}
		case errors.Is(err, db.ErrConflict):
			// Lost the race to another claimer; try again shortly.
			if !sleepCtx(ctx, idlePause) {
				return
			}
		default:
			p.logger.Error("worker claim failed", "worker_id", w.status.ID, "error", err)
			if !sleepCtx(ctx, errorPause) {
				return
			}
		}
	}
}

func (p *Pool) runClaim(ctx context.Context, w *worker, claim *db.Claim) {
	p.mu.Lock()
	w.status.State = "running"
	w.status.TicketID = claim.Ticket.ID
	w.status.RunID = claim.Run.ID
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		w.status.State = "idle"
		w.status.TicketID = ""
		w.status.RunID = ""
		p.mu.Unlock()
	}()

	tasks, err := p.store.ListTasksByTicket(claim.Ticket.ID)
	if err != nil {
		p.logger.Warn("failed to load tasks for prompt", "ticket_id", claim.Ticket.ID, "error", err)
	}
	comments, err := p.store.ListCommentsByTicket(claim.Ticket.ID)
	if err != nil {
		p.logger.Warn("failed to load comments for prompt", "ticket_id", claim.Ticket.ID, "error", err)
	}

	kind := p.cfg.KindConfig(w.status.Agent)
	if claim.Ticket.ProjectID != "" {
		if project, err := p.store.GetProject(claim.Ticket.ProjectID); err == nil && project.AllowYolo {
			kind.Yolo = true
		}
	}

	// The claim created the run queued; mark it running now that a process
	// is about to spawn.
	started := p.store.Now()
	running := kanban.RunRunning
	if _, err := p.store.UpdateRun(claim.Run.ID, db.RunUpdate{Status: &running, StartedAt: &started}); err != nil {
		p.logger.Warn("failed to mark run running", "run_id", claim.Run.ID, "error", err)
	}

	spec := supervisor.Spec{
		RunID:    claim.Run.ID,
		TicketID: claim.Ticket.ID,
		Agent:    w.status.Agent,
		Prompt:   BuildPrompt(&claim.Ticket, tasks, comments),
		RepoPath: claim.Run.RepoPath,
		Timeout:  p.cfg.AgentTimeout,
		Kind:     kind,
		APIURL:   p.cfg.BaseURL(),
		APIToken: p.cfg.Token,
	}

	// Renew the lease while the process runs; a rejected renewal means the
	// sweeper reclaimed the ticket and the run must die.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeatLoop(hbCtx, claim.Ticket.ID, claim.Run.ID)

	result, err := p.sup.Run(spec, func(stream, line string) {
		p.bus.Publish(events.Event{
			Type:     events.TypeRunLog,
			TicketID: claim.Ticket.ID,
			RunID:    claim.Run.ID,
			Payload:  map[string]string{"stream": stream, "line": line},
		})
	})
	stopHeartbeat()

	if err != nil {
		p.logger.Error("failed to launch agent",
			"run_id", claim.Run.ID, "agent", w.status.Agent, "error", err)
		if ferr := p.fin.FinalizeStatus(claim.Run.ID, kanban.RunError, nil,
			"Failed to start agent: "+err.Error()); ferr != nil {
			p.logger.Error("failed to finalize unlaunchable run", "run_id", claim.Run.ID, "error", ferr)
		}
		p.countRun(w, true)
		return
	}

	if err := p.fin.FinalizeResult(claim.Run.ID, result); err != nil {
		p.logger.Error("failed to finalize run", "run_id", claim.Run.ID, "error", err)
	}
	failed := result.Outcome == supervisor.OutcomeError || result.Outcome == supervisor.OutcomeTimeout
	p.countRun(w, failed)
}

func (p *Pool) countRun(w *worker, failed bool) {
	p.mu.Lock()
	w.status.Processed++
	if failed {
		w.status.Errors++
	}
	p.mu.Unlock()
}

func (p *Pool) heartbeatLoop(ctx context.Context, ticketID, runID string) {
	interval := locks.HeartbeatInterval
	if half := p.mgr.Lease() / 2; half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.mgr.Heartbeat(ticketID, runID); err != nil {
				p.logger.Warn("heartbeat rejected, cancelling run",
					"run_id", runID, "ticket_id", ticketID, "error", err)
				p.sup.Cancel(runID)
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
