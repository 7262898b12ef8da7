package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/kanban"
)

// reservationResponse is returned by queue/next and ticket reserve.
type reservationResponse struct {
	RunID                 string    `json:"runId"`
	TicketID              string    `json:"ticketId"`
	LockExpiresAt         time.Time `json:"lockExpiresAt"`
	HeartbeatIntervalSecs int       `json:"heartbeatIntervalSecs"`
}

func heartbeatSecs() int {
	return int(locks.HeartbeatInterval / time.Second)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketID string           `json:"ticketId"`
		Agent    kanban.AgentKind `json:"agentType"`
		RepoPath string           `json:"repoPath"`
		Metadata json.RawMessage  `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	run := &kanban.Run{
		TicketID: req.TicketID,
		Agent:    req.Agent,
		RepoPath: req.RepoPath,
		Metadata: req.Metadata,
	}
	if err := s.store.CreateRun(run); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleUpdateRun patches a run. A patch to a terminal status finalizes the
// run: the lease is released and the ticket moves per the outcome.
func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status    *kanban.RunStatus `json:"status"`
		ExitCode  *int              `json:"exitCode"`
		SummaryMD *string           `json:"summaryMd"`
		Metadata  json.RawMessage   `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")

	if req.Status != nil && req.Status.Terminal() {
		summary := ""
		if req.SummaryMD != nil {
			summary = *req.SummaryMD
		}
		if err := s.fin.FinalizeStatus(id, *req.Status, req.ExitCode, summary); err != nil {
			writeError(w, err)
			return
		}
		run, err := s.store.GetRun(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	run, err := s.store.UpdateRun(id, db.RunUpdate{
		Status:    req.Status,
		ExitCode:  req.ExitCode,
		SummaryMD: req.SummaryMD,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.TypeRunUpdated,
		TicketID: run.TicketID,
		RunID:    run.ID,
		Payload:  run,
	})
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}

	expiry, err := s.mgr.Heartbeat(run.TicketID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RunID         string    `json:"runId"`
		LockExpiresAt time.Time `json:"lockExpiresAt"`
		OK            bool      `json:"ok"`
	}{runID, expiry, true})
}

// handleRelease clears the run's lease. The ticket stays in its column;
// release is not a lifecycle transition.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.mgr.Release(run.TicketID, runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCancelRun asks the supervisor to kill the run's process. The
// finalizer settles the run when the process actually dies, so cancelling a
// run with no live process only reports that nothing was found.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(runID); err != nil {
		writeError(w, err)
		return
	}

	found := s.sup.Cancel(runID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "processFound": found})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetRun(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	eventLog, err := s.store.ListEventsByRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if eventLog == nil {
		eventLog = []kanban.Event{}
	}
	writeJSON(w, http.StatusOK, eventLog)
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketID  string `json:"ticketId"`
		EventType string `json:"eventType"`
		Payload   struct {
			Raw        string          `json:"raw"`
			Structured json.RawMessage `json:"structured"`
		} `json:"payload"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	event := &kanban.Event{
		RunID:      chi.URLParam(r, "id"),
		TicketID:   req.TicketID,
		Type:       req.EventType,
		RawPayload: req.Payload.Raw,
		Structured: req.Payload.Structured,
		CreatedAt:  req.Timestamp,
	}
	if err := s.store.AppendEvent(event); err != nil {
		writeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.TypeEventReceived,
		TicketID: event.TicketID,
		RunID:    event.RunID,
		Payload:  event,
	})
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleTicketRuns(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetTicket(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.store.ListRunsByTicket(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []kanban.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- Queue ---

func (s *Server) handleQueueNext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentType kanban.AgentKind `json:"agentType"`
		BoardID   string           `json:"boardId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, ok := kanban.ParseAgentKind(string(req.AgentType))
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, CodeValidation, "unknown agent type")
		return
	}

	claim, err := s.mgr.Claim(req.BoardID, agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{
		RunID:                 claim.Run.ID,
		TicketID:              claim.Ticket.ID,
		LockExpiresAt:         claim.LeaseExpiry,
		HeartbeatIntervalSecs: heartbeatSecs(),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.store.GetQueueStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
