package spool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/kanban"
)

func newIngesterFixture(t *testing.T) (*Ingester, *db.Store, string) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	dir := t.TempDir()
	in := NewIngester(dir, store, events.NewBroadcaster(nil), nil, time.Minute)
	return in, store, dir
}

func seedRun(t *testing.T, store *db.Store) *kanban.Run {
	t.Helper()
	board, err := store.CreateBoard("Spool", "")
	require.NoError(t, err)
	ticket := &kanban.Ticket{BoardID: board.ID, ColumnID: board.Columns[0].ID, Title: "spooled"}
	require.NoError(t, store.CreateTicket(ticket))
	run := &kanban.Run{TicketID: ticket.ID, Agent: kanban.AgentClaude}
	require.NoError(t, store.CreateRun(run))
	return run
}

func TestIngestDrainsSpooledEvents(t *testing.T) {
	in, store, dir := newIngesterFixture(t)
	run := seedRun(t, store)

	// Event spooled while the server was down.
	path, err := WriteEvent(dir, HookEvent{
		RunID:     run.ID,
		AgentType: "claude",
		EventType: "file_edited",
		Payload:   Payload{Structured: []byte(`{"path":"a.txt"}`)},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	in.ScanOnce()

	got, err := store.ListEventsByRun(run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "file_edited", got[0].Type)
	assert.Equal(t, run.TicketID, got[0].TicketID)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(got[0].Structured))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "ingested file must be deleted")
}

func TestIngestLeavesBadFilesInPlace(t *testing.T) {
	in, store, dir := newIngesterFixture(t)
	run := seedRun(t, store)

	malformed := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(malformed, []byte("{not json"), 0o644))

	missingFields, err := WriteEvent(dir, HookEvent{RunID: run.ID})
	require.NoError(t, err)

	unknownRun, err := WriteEvent(dir, HookEvent{RunID: "no-such-run", EventType: "message"})
	require.NoError(t, err)

	notJSON := filepath.Join(dir, "README.txt")
	require.NoError(t, os.WriteFile(notJSON, []byte("ignore me"), 0o644))

	in.ScanOnce()

	for _, path := range []string{malformed, missingFields, unknownRun, notJSON} {
		_, err := os.Stat(path)
		assert.NoError(t, err, "unpersisted file %s must survive the scan", path)
	}

	got, err := store.ListEventsByRun(run.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIngestRetriesOncePersistable(t *testing.T) {
	in, store, dir := newIngesterFixture(t)

	// Spooled before its run row exists, e.g. a hook racing run creation.
	_, err := WriteEvent(dir, HookEvent{RunID: "pending", EventType: "message", Payload: Payload{Raw: "hi"}})
	require.NoError(t, err)

	in.ScanOnce()

	run := seedRun(t, store)
	// Rewrite the event with the real run id; the old file stays until its
	// run appears. For this test just confirm the new one drains.
	_, err = WriteEvent(dir, HookEvent{RunID: run.ID, EventType: "message", Payload: Payload{Raw: "hi"}})
	require.NoError(t, err)

	in.ScanOnce()
	got, err := store.ListEventsByRun(run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].RawPayload)
}
