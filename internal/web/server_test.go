package web

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentkanban "github.com/madhatter5501/agent-kanban"
	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/internal/supervisor"
	"github.com/madhatter5501/agent-kanban/kanban"
)

const testToken = "test-token-test-token-test-token"

type webFixture struct {
	srv   *httptest.Server
	store *db.Store
	bus   *events.Broadcaster
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	bus := events.NewBroadcaster(nil)
	mgr := locks.NewManager(store, bus, nil, 30*time.Minute, false)
	sup := supervisor.New(nil)
	mgr.SetCanceller(sup)
	fin := agentkanban.NewFinalizer(store, mgr, bus, nil)

	cfg := agentkanban.DefaultConfig()
	cfg.Token = testToken
	pool := agentkanban.NewPool(cfg, store, mgr, sup, fin, bus, nil)
	t.Cleanup(pool.Close)

	server := NewServer(cfg, store, mgr, fin, sup, pool, bus, nil)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &webFixture{srv: srv, store: store, bus: bus}
}

func (f *webFixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set(TokenHeader, testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *webFixture) seedBoard(t *testing.T) (*kanban.Board, map[string]string) {
	t.Helper()
	board, err := f.store.CreateBoard("Web", "")
	require.NoError(t, err)
	cols := map[string]string{}
	for _, c := range board.Columns {
		cols[c.Name] = c.ID
	}
	return board, cols
}

func (f *webFixture) seedTicket(t *testing.T, boardID, columnID, title string, prio kanban.Priority) *kanban.Ticket {
	t.Helper()
	ticket := &kanban.Ticket{BoardID: boardID, ColumnID: columnID, Title: title, Priority: prio}
	require.NoError(t, f.store.CreateTicket(ticket))
	return ticket
}

func TestHealthIsPublic(t *testing.T) {
	f := newWebFixture(t)
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newWebFixture(t)

	for _, tc := range []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong token", "wrong-token"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/boards", nil)
			require.NoError(t, err)
			if tc.token != "" {
				req.Header.Set(TokenHeader, tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			body := decode[map[string]any](t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, CodeUnauthorized, body["code"])
		})
	}

	// The token also works as a query parameter, for EventSource clients.
	resp, err := http.Get(f.srv.URL + "/v1/boards?token=" + testToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReserveHeartbeatRelease(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)
	ticket := f.seedTicket(t, board.ID, cols["Ready"], "claim via api", kanban.PriorityHigh)

	// Claim off the queue.
	resp := f.request(t, http.MethodPost, "/v1/queue/next", map[string]string{"agentType": "cursor"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim := decode[reservationResponse](t, resp)
	assert.Equal(t, ticket.ID, claim.TicketID)
	assert.NotEmpty(t, claim.RunID)
	assert.Equal(t, 60, claim.HeartbeatIntervalSecs)
	assert.True(t, claim.LockExpiresAt.After(time.Now().Add(29*time.Minute)))

	got, err := f.store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, cols["In Progress"], got.ColumnID)
	assert.Equal(t, claim.RunID, got.LockedByRunID)

	// Heartbeat renews and names the run it renewed for.
	resp = f.request(t, http.MethodPost, "/v1/runs/"+claim.RunID+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hb := decode[struct {
		RunID         string    `json:"runId"`
		OK            bool      `json:"ok"`
		LockExpiresAt time.Time `json:"lockExpiresAt"`
	}](t, resp)
	assert.True(t, hb.OK)
	assert.Equal(t, claim.RunID, hb.RunID)
	assert.True(t, hb.LockExpiresAt.After(time.Now().Add(29*time.Minute)))

	// Release clears the holder but does not move the ticket.
	resp = f.request(t, http.MethodPost, "/v1/runs/"+claim.RunID+"/release", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got, err = f.store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockedByRunID)
	assert.Equal(t, cols["In Progress"], got.ColumnID)

	// A heartbeat after release is a lock-expired conflict.
	resp = f.request(t, http.MethodPost, "/v1/runs/"+claim.RunID+"/heartbeat", nil)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeLockExpired, body["code"])
}

func TestQueueNextEmpty(t *testing.T) {
	f := newWebFixture(t)
	f.seedBoard(t)

	resp := f.request(t, http.MethodPost, "/v1/queue/next", map[string]string{"agentType": "claude"})
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeQueueEmpty, body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestPatchRunToTerminalFinalizes(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)
	f.seedTicket(t, board.ID, cols["Ready"], "hook driven", kanban.PriorityMedium)

	resp := f.request(t, http.MethodPost, "/v1/queue/next", map[string]string{"agentType": "cursor"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim := decode[reservationResponse](t, resp)

	exitCode := 0
	resp = f.request(t, http.MethodPatch, "/v1/runs/"+claim.RunID, map[string]any{
		"status":    "finished",
		"exitCode":  exitCode,
		"summaryMd": "all green",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[kanban.Run](t, resp)
	assert.Equal(t, kanban.RunFinished, run.Status)
	assert.Equal(t, "all green", run.SummaryMD)

	got, err := f.store.GetTicket(claim.TicketID)
	require.NoError(t, err)
	assert.Equal(t, cols["Review"], got.ColumnID)
	assert.Empty(t, got.LockedByRunID)
}

func TestTicketCRUDAndMove(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)

	resp := f.request(t, http.MethodPost, "/v1/tickets", map[string]any{
		"boardId":       board.ID,
		"title":         "New ticket",
		"descriptionMd": "# Hello",
		"priority":      "high",
		"labels":        []string{"api"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ticket := decode[kanban.Ticket](t, resp)
	assert.Equal(t, cols["Backlog"], ticket.ColumnID, "tickets default to Backlog")

	// Rendered markdown view.
	resp = f.request(t, http.MethodGet, "/v1/tickets/"+ticket.ID+"?format=html", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rendered := decode[map[string]any](t, resp)
	assert.Contains(t, rendered["descriptionHtml"], "<h1")

	// User move Backlog -> Ready.
	resp = f.request(t, http.MethodPost, "/v1/tickets/"+ticket.ID+"/move",
		map[string]string{"columnId": cols["Ready"]})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	moved := decode[kanban.Ticket](t, resp)
	assert.Equal(t, cols["Ready"], moved.ColumnID)

	// User move into In Progress is refused; claiming is the only door.
	resp = f.request(t, http.MethodPost, "/v1/tickets/"+ticket.ID+"/move",
		map[string]string{"columnId": cols["In Progress"]})
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeConflict, body["code"])

	// Patch.
	resp = f.request(t, http.MethodPatch, "/v1/tickets/"+ticket.ID,
		map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decode[kanban.Ticket](t, resp)
	assert.Equal(t, "Renamed", patched.Title)

	// Delete.
	resp = f.request(t, http.MethodDelete, "/v1/tickets/"+ticket.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = f.request(t, http.MethodGet, "/v1/tickets/"+ticket.ID, nil)
	body = decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, body["code"])
}

func TestDeleteLockedTicketRefused(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)
	ticket := f.seedTicket(t, board.ID, cols["Ready"], "locked", kanban.PriorityMedium)
	require.NoError(t, f.store.ReserveTicket(ticket.ID, "run-x", time.Now().UTC().Add(time.Hour)))

	resp := f.request(t, http.MethodDelete, "/v1/tickets/"+ticket.ID, nil)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeConflict, body["code"])
}

func TestReserveSpecificTicket(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)
	ticket := f.seedTicket(t, board.ID, cols["Ready"], "hand picked", kanban.PriorityLow)

	resp := f.request(t, http.MethodPost, "/v1/tickets/"+ticket.ID+"/reserve",
		map[string]string{"agentType": "claude"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[reservationResponse](t, resp)
	assert.Equal(t, ticket.ID, res.TicketID)

	got, err := f.store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, got.LockedByRunID)
	assert.Equal(t, cols["In Progress"], got.ColumnID)

	// Second reservation fails while the lease is live and leaves no run
	// row behind.
	resp = f.request(t, http.MethodPost, "/v1/tickets/"+ticket.ID+"/reserve",
		map[string]string{"agentType": "cursor"})
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeConflict, body["code"])

	runs, err := f.store.ListRunsByTicket(ticket.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
}

func TestRunEventsEndpoint(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)
	ticket := f.seedTicket(t, board.ID, cols["Ready"], "evented", kanban.PriorityMedium)
	run := &kanban.Run{TicketID: ticket.ID, Agent: kanban.AgentClaude}
	require.NoError(t, f.store.CreateRun(run))

	resp := f.request(t, http.MethodPost, "/v1/runs/"+run.ID+"/events", map[string]any{
		"eventType": "file_edited",
		"payload":   map[string]any{"structured": map[string]string{"path": "a.txt"}},
		"timestamp": "2024-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.request(t, http.MethodGet, "/v1/runs/"+run.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[[]kanban.Event](t, resp)
	require.Len(t, got, 1)
	assert.Equal(t, "file_edited", got[0].Type)
	assert.Equal(t, ticket.ID, got[0].TicketID)
}

func TestQueueStatusEndpoint(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)
	f.seedTicket(t, board.ID, cols["Ready"], "a", kanban.PriorityMedium)
	f.seedTicket(t, board.ID, cols["In Progress"], "b", kanban.PriorityMedium)

	resp := f.request(t, http.MethodGet, "/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[db.QueueStatus](t, resp)
	assert.Equal(t, 1, status.ReadyCount)
	assert.Equal(t, 1, status.InProgressCount)
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newWebFixture(t)

	req, err := http.NewRequest(http.MethodGet,
		f.srv.URL+"/v1/stream/filtered?types=ticket_created&token="+testToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	// Initial comment line confirms the subscription is live.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ":"))
	_, _ = reader.ReadString('\n')

	f.bus.Publish(events.Event{Type: events.TypeTicketMoved, TicketID: "filtered-out"})
	f.bus.Publish(events.Event{Type: events.TypeTicketCreated, TicketID: "t-42"})

	deadline := time.Now().Add(5 * time.Second)
	var data string
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}
	require.NotEmpty(t, data, "no event received before deadline")

	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, events.TypeTicketCreated, got.Type)
	assert.Equal(t, "t-42", got.TicketID, "the non-matching event must be filtered out")
}

func TestWorkersEndpoint(t *testing.T) {
	f := newWebFixture(t)
	f.seedBoard(t)

	resp := f.request(t, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workers := decode[[]agentkanban.WorkerStatus](t, resp)
	assert.Empty(t, workers)

	resp = f.request(t, http.MethodPost, "/v1/workers", map[string]string{"agentType": "bogus"})
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeValidation, body["code"])
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	f := newWebFixture(t)

	// Preflight from an arbitrary origin succeeds without a token.
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/boards", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.test:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", TokenHeader)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)

	// Plain requests carry the allow-origin header too.
	req, err = http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.test:3000")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestValidationEnvelope(t *testing.T) {
	f := newWebFixture(t)
	board, cols := f.seedBoard(t)

	resp := f.request(t, http.MethodPost, "/v1/tickets", map[string]any{
		"boardId":  board.ID,
		"columnId": cols["Backlog"],
		"title":    "",
	})
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeValidation, body["code"])
	assert.Contains(t, fmt.Sprint(body["error"]), "title")
}
