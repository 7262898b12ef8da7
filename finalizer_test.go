package agentkanban

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/internal/supervisor"
	"github.com/madhatter5501/agent-kanban/kanban"
)

type finalizerFixture struct {
	store *db.Store
	mgr   *locks.Manager
	fin   *Finalizer
	board *kanban.Board
	cols  map[string]string
}

func newFinalizerFixture(t *testing.T) *finalizerFixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	bus := events.NewBroadcaster(nil)
	mgr := locks.NewManager(store, bus, nil, 30*time.Minute, false)

	board, err := store.CreateBoard("Finalize", "")
	require.NoError(t, err)
	cols := map[string]string{}
	for _, c := range board.Columns {
		cols[c.Name] = c.ID
	}
	return &finalizerFixture{
		store: store,
		mgr:   mgr,
		fin:   NewFinalizer(store, mgr, bus, nil),
		board: board,
		cols:  cols,
	}
}

func (f *finalizerFixture) claim(t *testing.T, title string) *db.Claim {
	t.Helper()
	ticket := &kanban.Ticket{BoardID: f.board.ID, ColumnID: f.cols["Ready"], Title: title}
	require.NoError(t, f.store.CreateTicket(ticket))
	claim, err := f.mgr.Claim(f.board.ID, kanban.AgentCursor)
	require.NoError(t, err)
	return claim
}

func TestFinalizeSuccessMovesToReview(t *testing.T) {
	f := newFinalizerFixture(t)
	claim := f.claim(t, "good run")

	res := &supervisor.Result{Outcome: supervisor.OutcomeSuccess, ExitCode: 0, Output: "changed a thing"}
	require.NoError(t, f.fin.FinalizeResult(claim.Run.ID, res))

	run, err := f.store.GetRun(claim.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.RunFinished, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, "changed a thing", run.SummaryMD)

	ticket, err := f.store.GetTicket(claim.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, f.cols["Review"], ticket.ColumnID)
	assert.Empty(t, ticket.LockedByRunID)
}

func TestFinalizeErrorMovesToBlocked(t *testing.T) {
	f := newFinalizerFixture(t)
	claim := f.claim(t, "bad run")

	res := &supervisor.Result{Outcome: supervisor.OutcomeError, ExitCode: 2, Stderr: "compile failed"}
	require.NoError(t, f.fin.FinalizeResult(claim.Run.ID, res))

	run, err := f.store.GetRun(claim.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.RunError, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 2, *run.ExitCode)
	assert.Equal(t, "compile failed", run.SummaryMD)

	ticket, err := f.store.GetTicket(claim.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, f.cols["Blocked"], ticket.ColumnID)
}

func TestFinalizeTimeoutMovesToBlocked(t *testing.T) {
	f := newFinalizerFixture(t)
	claim := f.claim(t, "overran deadline")

	res := &supervisor.Result{Outcome: supervisor.OutcomeTimeout, ExitCode: -1, Duration: time.Minute}
	require.NoError(t, f.fin.FinalizeResult(claim.Run.ID, res))

	run, err := f.store.GetRun(claim.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.RunError, run.Status)
	assert.Contains(t, run.SummaryMD, "timed out")

	ticket, err := f.store.GetTicket(claim.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, f.cols["Blocked"], ticket.ColumnID)
	assert.Empty(t, ticket.LockedByRunID)
}

func TestFinalizeCancelledReturnsToReady(t *testing.T) {
	f := newFinalizerFixture(t)
	claim := f.claim(t, "cancelled run")

	res := &supervisor.Result{Outcome: supervisor.OutcomeCancelled, ExitCode: -1}
	require.NoError(t, f.fin.FinalizeResult(claim.Run.ID, res))

	run, err := f.store.GetRun(claim.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.RunAborted, run.Status)
	// Aborted runs carry no exit code.
	assert.Nil(t, run.ExitCode)

	ticket, err := f.store.GetTicket(claim.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, f.cols["Ready"], ticket.ColumnID)
	assert.Empty(t, ticket.LockedByRunID)
}

func TestFinalizeStatusRejectsNonTerminal(t *testing.T) {
	f := newFinalizerFixture(t)
	claim := f.claim(t, "still going")

	err := f.fin.FinalizeStatus(claim.Run.ID, kanban.RunRunning, nil, "")
	assert.ErrorIs(t, err, db.ErrValidation)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFinalizerFixture(t)
	claim := f.claim(t, "settled twice")

	require.NoError(t, f.fin.FinalizeStatus(claim.Run.ID, kanban.RunFinished, nil, "done"))
	// A late duplicate, e.g. a hook PATCH racing the worker, is a no-op.
	require.NoError(t, f.fin.FinalizeResult(claim.Run.ID,
		&supervisor.Result{Outcome: supervisor.OutcomeError, ExitCode: 1}))

	run, err := f.store.GetRun(claim.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.RunFinished, run.Status)
}

func TestFinalizeLeavesUserMovedTicketAlone(t *testing.T) {
	f := newFinalizerFixture(t)
	claim := f.claim(t, "triaged mid-run")

	// A system move drags the ticket out of In Progress before the run ends.
	_, err := f.mgr.MoveTicket(claim.Ticket.ID, f.cols["Blocked"], true)
	require.NoError(t, err)

	res := &supervisor.Result{Outcome: supervisor.OutcomeSuccess, ExitCode: 0}
	require.NoError(t, f.fin.FinalizeResult(claim.Run.ID, res))

	ticket, err := f.store.GetTicket(claim.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, f.cols["Blocked"], ticket.ColumnID)
}
