package agentkanban

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/internal/supervisor"
	"github.com/madhatter5501/agent-kanban/kanban"
)

// Finalizer settles a finished run: record the terminal status, release the
// lease, and move the ticket to the column the outcome earns. Failures past
// the status write are logged, never rolled back; the sweeper picks up any
// lease a partial finalization leaves behind.
type Finalizer struct {
	store  *db.Store
	mgr    *locks.Manager
	bus    *events.Broadcaster
	logger *slog.Logger
}

// NewFinalizer creates a finalizer.
func NewFinalizer(store *db.Store, mgr *locks.Manager, bus *events.Broadcaster, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{store: store, mgr: mgr, bus: bus, logger: logger}
}

// statusForOutcome maps a process outcome to the run's terminal status.
func statusForOutcome(outcome supervisor.Outcome) kanban.RunStatus {
	switch outcome {
	case supervisor.OutcomeSuccess:
		return kanban.RunFinished
	case supervisor.OutcomeError, supervisor.OutcomeTimeout:
		return kanban.RunError
	default:
		return kanban.RunAborted
	}
}

// columnForStatus maps a terminal run status to the ticket's next state.
func columnForStatus(status kanban.RunStatus) kanban.State {
	switch status {
	case kanban.RunFinished:
		return kanban.StateReview
	case kanban.RunError:
		return kanban.StateBlocked
	default:
		return kanban.StateReady
	}
}

// FinalizeResult settles a run from a supervised process result.
func (f *Finalizer) FinalizeResult(runID string, res *supervisor.Result) error {
	status := statusForOutcome(res.Outcome)
	summary := summarize(res)
	return f.finalize(runID, status, &res.ExitCode, summary)
}

// FinalizeStatus settles a run from an externally reported terminal status,
// e.g. an agent hook patching its own run. Non-terminal statuses are
// rejected.
func (f *Finalizer) FinalizeStatus(runID string, status kanban.RunStatus, exitCode *int, summary string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal: %w", status, db.ErrValidation)
	}
	return f.finalize(runID, status, exitCode, summary)
}

func (f *Finalizer) finalize(runID string, status kanban.RunStatus, exitCode *int, summary string) error {
	run, err := f.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		f.logger.Debug("run already finalized", "run_id", runID, "status", run.Status)
		return nil
	}

	ended := f.store.Now()
	update := db.RunUpdate{Status: &status, EndedAt: &ended}
	if status == kanban.RunFinished || status == kanban.RunError {
		update.ExitCode = exitCode
	}
	if summary != "" {
		update.SummaryMD = &summary
	}
	updated, err := f.store.UpdateRun(runID, update)
	if err != nil {
		return fmt.Errorf("failed to record run status: %w", err)
	}

	if err := f.mgr.Release(run.TicketID, runID); err != nil {
		f.logger.Error("failed to release lease during finalization",
			"run_id", runID, "ticket_id", run.TicketID, "error", err)
	}

	f.moveForStatus(run.TicketID, status)

	f.bus.Publish(events.Event{
		Type:     events.TypeRunCompleted,
		TicketID: run.TicketID,
		RunID:    runID,
		Payload:  updated,
	})
	f.logger.Info("run finalized", "run_id", runID, "ticket_id", run.TicketID, "status", status)
	return nil
}

func (f *Finalizer) moveForStatus(ticketID string, status kanban.RunStatus) {
	ticket, err := f.store.GetTicket(ticketID)
	if err != nil {
		f.logger.Error("failed to load ticket during finalization", "ticket_id", ticketID, "error", err)
		return
	}
	col, err := f.store.GetColumn(ticket.ColumnID)
	if err != nil {
		return
	}
	if st, ok := kanban.ParseState(col.Name); !ok || st != kanban.StateInProgress {
		// The ticket already left In Progress, e.g. a user triaged it
		// mid-run. Leave it where it is.
		return
	}

	target, err := f.store.ColumnByState(ticket.BoardID, columnForStatus(status))
	if err != nil {
		f.logger.Error("board missing lifecycle column", "board_id", ticket.BoardID, "error", err)
		return
	}
	if _, err := f.mgr.MoveTicket(ticketID, target.ID, true); err != nil {
		f.logger.Error("failed to move finalized ticket",
			"ticket_id", ticketID, "target", target.Name, "error", err)
	}
}

// summarize trims a process result into the run's markdown summary.
func summarize(res *supervisor.Result) string {
	out := strings.TrimSpace(res.Output)
	const maxSummary = 16 * 1024
	if len(out) > maxSummary {
		out = "…" + out[len(out)-maxSummary:]
	}
	switch res.Outcome {
	case supervisor.OutcomeSuccess:
		return out
	case supervisor.OutcomeTimeout:
		return "Run timed out after " + res.Duration.Round(time.Second).String()
	case supervisor.OutcomeCancelled:
		return "Run cancelled"
	default:
		stderr := strings.TrimSpace(res.Stderr)
		if len(stderr) > maxSummary {
			stderr = "…" + stderr[len(stderr)-maxSummary:]
		}
		if stderr == "" {
			return out
		}
		return stderr
	}
}
