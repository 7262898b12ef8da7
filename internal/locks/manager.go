// Package locks coordinates ticket leases: claiming work off the queue,
// heartbeat renewal, release, and the background sweeper that reclaims
// leases whose holders went silent.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/kanban"
)

const (
	// DefaultLease is how long a claim holds a ticket before it must be
	// renewed.
	DefaultLease = 30 * time.Minute

	// HeartbeatInterval is the renewal cadence advertised to claimers.
	HeartbeatInterval = 60 * time.Second

	// claimRetries is how many CAS losses a single claim call absorbs
	// before reporting the conflict to the caller.
	claimRetries = 3
)

// ErrRequiresUnlock reports a move that would displace a ticket out from
// under an active run.
var ErrRequiresUnlock = errors.New("ticket is locked by an active run")

// Canceller aborts an in-flight agent process. Implemented by the
// supervisor; Cancel reports whether a process was found.
type Canceller interface {
	Cancel(runID string) bool
}

// Manager owns lease policy on top of the store's primitives.
type Manager struct {
	store     *db.Store
	bus       *events.Broadcaster
	logger    *slog.Logger
	canceller Canceller

	lease     time.Duration
	repoLocks bool
	now       func() time.Time
}

// NewManager creates a lease manager. A zero lease falls back to
// DefaultLease.
func NewManager(store *db.Store, bus *events.Broadcaster, logger *slog.Logger, lease time.Duration, repoLocks bool) *Manager {
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		bus:       bus,
		logger:    logger,
		lease:     lease,
		repoLocks: repoLocks,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetCanceller attaches the process supervisor used to abort runs whose
// lease expired. Wired after construction to break the startup cycle.
func (m *Manager) SetCanceller(c Canceller) { m.canceller = c }

// SetClock overrides the manager's clock for tests and pushes the same
// clock into the store.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.store.SetClock(now)
}

// Lease returns the configured lease duration.
func (m *Manager) Lease() time.Duration { return m.lease }

// Claim pulls the next eligible ticket off the queue and leases it to a new
// run. Lost CAS races are retried a few times before surfacing as a
// conflict; an empty queue is db.ErrQueueEmpty.
func (m *Manager) Claim(boardID string, agent kanban.AgentKind) (*db.Claim, error) {
	var lastErr error
	for attempt := 0; attempt < claimRetries; attempt++ {
		claim, err := m.store.ClaimNext(db.ClaimParams{
			BoardID:   boardID,
			Agent:     agent,
			LeaseFor:  m.lease,
			RepoLocks: m.repoLocks,
		})
		if err == nil {
			m.logger.Info("claimed ticket",
				"ticket_id", claim.Ticket.ID, "run_id", claim.Run.ID,
				"agent", agent, "lease_expires", claim.LeaseExpiry)
			m.bus.Publish(events.Event{
				Type:     events.TypeTicketLocked,
				TicketID: claim.Ticket.ID,
				RunID:    claim.Run.ID,
				BoardID:  claim.Ticket.BoardID,
				Payload:  claim.Ticket,
			})
			m.bus.Publish(events.Event{
				Type:     events.TypeRunStarted,
				TicketID: claim.Ticket.ID,
				RunID:    claim.Run.ID,
				Payload:  claim.Run,
			})
			return claim, nil
		}
		if !errors.Is(err, db.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Heartbeat extends the lease held by a run. Returns db.ErrLockExpired when
// the run no longer holds the ticket, in which case the caller must stop.
func (m *Manager) Heartbeat(ticketID, runID string) (time.Time, error) {
	expiry := m.now().Add(m.lease)
	if err := m.store.RenewLease(ticketID, runID, expiry); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// Release drops a run's lease and repo lock. Safe to call when the lease is
// already gone.
func (m *Manager) Release(ticketID, runID string) error {
	ticket, err := m.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if err := m.store.ReleaseLock(ticketID, runID); err != nil {
		return err
	}
	if m.repoLocks && ticket.ProjectID != "" {
		if err := m.store.ReleaseRepoLock(ticket.ProjectID, runID); err != nil {
			m.logger.Warn("failed to release repo lock",
				"project_id", ticket.ProjectID, "run_id", runID, "error", err)
		}
	}
	m.bus.Publish(events.Event{
		Type:     events.TypeTicketUnlocked,
		TicketID: ticketID,
		RunID:    runID,
		BoardID:  ticket.BoardID,
	})
	return nil
}

// MoveTicket applies the lifecycle rules before writing a column change.
// System moves are restricted to the orchestration transitions; user moves
// are free except into In Progress and off a live In Progress lease.
func (m *Manager) MoveTicket(ticketID, columnID string, system bool) (*kanban.Ticket, error) {
	ticket, err := m.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	fromCol, err := m.store.GetColumn(ticket.ColumnID)
	if err != nil {
		return nil, err
	}
	toCol, err := m.store.GetColumn(columnID)
	if err != nil {
		return nil, err
	}

	from, ok := kanban.ParseState(fromCol.Name)
	if !ok {
		return nil, fmt.Errorf("column %q is not a lifecycle column: %w", fromCol.Name, db.ErrValidation)
	}
	to, ok := kanban.ParseState(toCol.Name)
	if !ok {
		return nil, fmt.Errorf("column %q is not a lifecycle column: %w", toCol.Name, db.ErrValidation)
	}

	verdict := kanban.Classify(from, to, ticket.Locked(m.now()), system)
	switch verdict.Decision {
	case kanban.Allowed:
	case kanban.RequiresUnlock:
		return nil, fmt.Errorf("%s: %w", verdict.Reason, ErrRequiresUnlock)
	default:
		return nil, fmt.Errorf("%s: %w", verdict.Reason, db.ErrConflict)
	}

	if err := m.store.MoveTicket(ticketID, columnID); err != nil {
		return nil, err
	}
	moved, err := m.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(events.Event{
		Type:     events.TypeTicketMoved,
		TicketID: ticketID,
		BoardID:  moved.BoardID,
		Payload:  moved,
	})
	return moved, nil
}

// ForceUnlock clears a ticket's lease regardless of holder and aborts the
// holding run if one is live. Operator escape hatch.
func (m *Manager) ForceUnlock(ticketID string) error {
	ticket, err := m.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if ticket.LockedByRunID == "" {
		return nil
	}
	m.reclaim(ticket.ID, ticket.LockedByRunID, "lease force-unlocked")
	return nil
}

// SweepInterval derives the sweeper cadence from the lease so a stale lease
// is reclaimed well before a full extra lease elapses.
func (m *Manager) SweepInterval() time.Duration {
	interval := m.lease / 6
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// RunSweeper reclaims expired leases until the context is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.SweepInterval())
	defer ticker.Stop()

	m.logger.Info("lease sweeper started", "interval", m.SweepInterval(), "lease", m.lease)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lease sweeper stopped")
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce scans for expired leases and reclaims each one: the holding run
// is aborted, the lease and repo lock released, and the ticket returned to
// Ready.
func (m *Manager) SweepOnce() {
	stale, err := m.store.ExpireStaleLeases(m.now())
	if err != nil {
		m.logger.Error("lease sweep failed", "error", err)
		return
	}
	for _, holder := range stale {
		m.reclaim(holder.TicketID, holder.RunID, "lease expired")
	}
}

func (m *Manager) reclaim(ticketID, runID, reason string) {
	m.logger.Warn("reclaiming ticket lease", "ticket_id", ticketID, "run_id", runID, "reason", reason)

	if m.canceller != nil {
		if m.canceller.Cancel(runID) {
			m.logger.Info("cancelled in-flight run", "run_id", runID)
		}
	}

	run, err := m.store.GetRun(runID)
	if err != nil {
		m.logger.Warn("stale lease holder has no run row", "run_id", runID, "error", err)
	} else if !run.Status.Terminal() {
		aborted := kanban.RunAborted
		ended := m.now()
		summary := reason
		if _, err := m.store.UpdateRun(runID, db.RunUpdate{
			Status: &aborted, EndedAt: &ended, SummaryMD: &summary,
		}); err != nil {
			m.logger.Error("failed to abort run", "run_id", runID, "error", err)
		} else {
			m.bus.Publish(events.Event{
				Type:     events.TypeRunCompleted,
				TicketID: ticketID,
				RunID:    runID,
				Payload:  map[string]string{"status": string(kanban.RunAborted), "reason": reason},
			})
		}
	}

	if err := m.Release(ticketID, runID); err != nil {
		m.logger.Error("failed to release reclaimed lease", "ticket_id", ticketID, "error", err)
		return
	}

	ticket, err := m.store.GetTicket(ticketID)
	if err != nil {
		return
	}
	readyCol, err := m.store.ColumnByState(ticket.BoardID, kanban.StateReady)
	if err != nil {
		m.logger.Error("board missing Ready column", "board_id", ticket.BoardID, "error", err)
		return
	}
	if ticket.ColumnID != readyCol.ID {
		cur, err := m.store.GetColumn(ticket.ColumnID)
		if err == nil {
			if st, ok := kanban.ParseState(cur.Name); ok && st == kanban.StateInProgress {
				if err := m.store.MoveTicket(ticketID, readyCol.ID); err != nil {
					m.logger.Error("failed to requeue ticket", "ticket_id", ticketID, "error", err)
					return
				}
				m.bus.Publish(events.Event{
					Type:     events.TypeTicketMoved,
					TicketID: ticketID,
					BoardID:  ticket.BoardID,
				})
			}
		}
	}
}
