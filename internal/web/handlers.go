package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/kanban"
)

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w: %s", db.ErrValidation, err)
	}
	return nil
}

// --- Boards ---

func (s *Server) handleListBoards(w http.ResponseWriter, _ *http.Request) {
	boards, err := s.store.ListBoards()
	if err != nil {
		writeError(w, err)
		return
	}
	if boards == nil {
		boards = []kanban.Board{}
	}
	writeJSON(w, http.StatusOK, boards)
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string `json:"name"`
		DefaultProjectID string `json:"defaultProjectId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	board, err := s.store.CreateBoard(req.Name, req.DefaultProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, board)
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.store.GetBoard(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleBoardColumns(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetBoard(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	cols, err := s.store.BoardColumns(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleBoardTickets(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetBoard(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	tickets, err := s.store.ListTicketsByBoard(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []kanban.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

// --- Tickets ---

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BoardID        string           `json:"boardId"`
		ColumnID       string           `json:"columnId"`
		Title          string           `json:"title"`
		DescriptionMD  string           `json:"descriptionMd"`
		Priority       kanban.Priority  `json:"priority"`
		Labels         []string         `json:"labels"`
		ProjectID      string           `json:"projectId"`
		PreferredAgent kanban.AgentKind `json:"preferredAgent"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ticket := &kanban.Ticket{
		BoardID:        req.BoardID,
		ColumnID:       req.ColumnID,
		Title:          req.Title,
		DescriptionMD:  req.DescriptionMD,
		Priority:       req.Priority,
		Labels:         req.Labels,
		ProjectID:      req.ProjectID,
		PreferredAgent: req.PreferredAgent,
	}
	if ticket.ColumnID == "" && ticket.BoardID != "" {
		// Default new tickets to Backlog.
		col, err := s.store.ColumnByState(ticket.BoardID, kanban.StateBacklog)
		if err != nil {
			writeError(w, err)
			return
		}
		ticket.ColumnID = col.ID
	}
	if err := s.store.CreateTicket(ticket); err != nil {
		writeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.TypeTicketCreated,
		TicketID: ticket.ID,
		BoardID:  ticket.BoardID,
		Payload:  ticket,
	})
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := s.md.Convert([]byte(ticket.DescriptionMD), &buf); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			*kanban.Ticket
			DescriptionHTML string `json:"descriptionHtml"`
		}{ticket, buf.String()})
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title          *string           `json:"title"`
		DescriptionMD  *string           `json:"descriptionMd"`
		Priority       *kanban.Priority  `json:"priority"`
		Labels         *[]string         `json:"labels"`
		ProjectID      *string           `json:"projectId"`
		PreferredAgent *kanban.AgentKind `json:"preferredAgent"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ticket, err := s.store.UpdateTicket(chi.URLParam(r, "id"), db.TicketPatch{
		Title:          req.Title,
		DescriptionMD:  req.DescriptionMD,
		Priority:       req.Priority,
		Labels:         req.Labels,
		ProjectID:      req.ProjectID,
		PreferredAgent: req.PreferredAgent,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.TypeTicketUpdated,
		TicketID: ticket.ID,
		BoardID:  ticket.BoardID,
		Payload:  ticket,
	})
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ticket, err := s.store.GetTicket(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if ticket.Locked(s.store.Now()) {
		writeErrorCode(w, http.StatusConflict, CodeConflict, "ticket is locked by an active run")
		return
	}
	if err := s.store.DeleteTicket(id); err != nil {
		writeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.TypeTicketDeleted,
		TicketID: id,
		BoardID:  ticket.BoardID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoveTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ColumnID string `json:"columnId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ticket, err := s.mgr.MoveTicket(chi.URLParam(r, "id"), req.ColumnID, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// handleReserveTicket leases one specific ticket to a new run, for callers
// that bring their own process instead of going through the queue.
func (s *Server) handleReserveTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentType kanban.AgentKind `json:"agentType"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, ok := kanban.ParseAgentKind(string(req.AgentType))
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, CodeValidation,
			fmt.Sprintf("unknown agent type %q", req.AgentType))
		return
	}

	ticketID := chi.URLParam(r, "id")
	claim, err := s.store.ClaimTicket(ticketID, db.ClaimParams{
		Agent:     agent,
		LeaseFor:  s.mgr.Lease(),
		RepoLocks: s.cfg.RepoLocks,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.TypeTicketLocked,
		TicketID: ticketID,
		RunID:    claim.Run.ID,
		BoardID:  claim.Ticket.BoardID,
	})
	writeJSON(w, http.StatusOK, reservationResponse{
		RunID:                 claim.Run.ID,
		TicketID:              ticketID,
		LockExpiresAt:         claim.LeaseExpiry,
		HeartbeatIntervalSecs: heartbeatSecs(),
	})
}

func (s *Server) handleUnlockTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.ForceUnlock(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Comments ---

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetTicket(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	comments, err := s.store.ListCommentsByTicket(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if comments == nil {
		comments = []kanban.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Author   kanban.AuthorKind `json:"author"`
		BodyMD   string            `json:"bodyMd"`
		Metadata json.RawMessage   `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	comment := &kanban.Comment{
		TicketID: chi.URLParam(r, "id"),
		Author:   req.Author,
		BodyMD:   req.BodyMD,
		Metadata: req.Metadata,
	}
	if err := s.store.CreateComment(comment); err != nil {
		writeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.TypeCommentAdded,
		TicketID: comment.TicketID,
		Payload:  comment,
	})
	writeJSON(w, http.StatusCreated, comment)
}

// --- Tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetTicket(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.store.ListTasksByTicket(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []kanban.TaskItem{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind   kanban.TaskKind `json:"kind"`
		Title  string          `json:"title"`
		BodyMD string          `json:"bodyMd"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task := &kanban.TaskItem{
		TicketID: chi.URLParam(r, "id"),
		Kind:     req.Kind,
		Title:    req.Title,
		BodyMD:   req.BodyMD,
	}
	if err := s.store.CreateTask(task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status kanban.TaskStatus `json:"status"`
		RunID  string            `json:"runId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.store.UpdateTaskStatus(chi.URLParam(r, "id"), req.Status, req.RunID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Projects ---

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []kanban.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string           `json:"name"`
		Path           string           `json:"path"`
		CursorHooks    bool             `json:"cursorHooks"`
		ClaudeHooks    bool             `json:"claudeHooks"`
		AllowYolo      bool             `json:"allowYolo"`
		PreferredAgent kanban.AgentKind `json:"preferredAgent"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	project := &kanban.Project{
		Name:           req.Name,
		Path:           req.Path,
		CursorHooks:    req.CursorHooks,
		ClaudeHooks:    req.ClaudeHooks,
		AllowYolo:      req.AllowYolo,
		PreferredAgent: req.PreferredAgent,
	}
	if err := s.store.CreateProject(project); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// --- Workers ---

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Statuses())
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentType kanban.AgentKind `json:"agentType"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, ok := kanban.ParseAgentKind(string(req.AgentType))
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, CodeValidation,
			fmt.Sprintf("unknown agent type %q", req.AgentType))
		return
	}

	id := s.pool.StartWorker(agent)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.StopWorker(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
