// Package kanban defines the domain model for the agent kanban board:
// boards, columns, tickets, runs, events, comments, task items, and the
// lifecycle state machine that governs column transitions.
package kanban

import (
	"encoding/json"
	"strings"
	"time"
)

// Priority determines the order tickets are claimed from the queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a numeric rank for queue ordering; higher claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// AgentKind identifies which external coding-agent CLI runs a ticket.
type AgentKind string

const (
	AgentCursor AgentKind = "cursor"
	AgentClaude AgentKind = "claude"

	// AgentAny on a ticket or project means no preference.
	AgentAny AgentKind = "any"
)

// ParseAgentKind normalizes a user-supplied agent kind string.
func ParseAgentKind(s string) (AgentKind, bool) {
	switch AgentKind(strings.ToLower(strings.TrimSpace(s))) {
	case AgentCursor:
		return AgentCursor, true
	case AgentClaude:
		return AgentClaude, true
	case AgentAny, "":
		return AgentAny, true
	}
	return "", false
}

// RunStatus is the persisted state of a single agent execution.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunError    RunStatus = "error"
	RunAborted  RunStatus = "aborted"
)

// Terminal reports whether the run can no longer change status.
func (s RunStatus) Terminal() bool {
	return s == RunFinished || s == RunError || s == RunAborted
}

// AuthorKind identifies who wrote a comment.
type AuthorKind string

const (
	AuthorUser   AuthorKind = "user"
	AuthorAgent  AuthorKind = "agent"
	AuthorSystem AuthorKind = "system"
)

// TaskKind categorizes a queued task item on a ticket.
type TaskKind string

const (
	TaskCustom       TaskKind = "custom"
	TaskSyncWithMain TaskKind = "sync-with-main"
	TaskAddTests     TaskKind = "add-tests"
	TaskReviewPolish TaskKind = "review-polish"
	TaskFixLint      TaskKind = "fix-lint"
)

// TaskStatus is the state of a task item.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// CanonicalColumns are the six column names every new board starts with,
// in board order.
var CanonicalColumns = []string{
	"Backlog", "Ready", "In Progress", "Blocked", "Review", "Done",
}

// Board is a kanban container of columns and tickets.
type Board struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	DefaultProjectID string    `json:"defaultProjectId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`

	// Columns are populated on fetch, ordered by position.
	Columns []Column `json:"columns,omitempty"`
}

// Column is a named lane on a board.
type Column struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	WIPLimit *int   `json:"wipLimit,omitempty"`
}

// Project is a filesystem repository agents run against. Projects are
// referenced by boards and tickets but owned by neither.
type Project struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	CursorHooks    bool      `json:"cursorHooks"`
	ClaudeHooks    bool      `json:"claudeHooks"`
	AllowYolo      bool      `json:"allowYolo"`
	PreferredAgent AgentKind `json:"preferredAgent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Ticket is a single unit of work on a board.
//
// (LockedByRunID, LockExpiresAt) are either both unset or both set; when set
// they record the lease held by a run. The run id is a weak link looked up by
// the sweeper and the heartbeat path, never a foreign key.
type Ticket struct {
	ID             string     `json:"id"`
	BoardID        string     `json:"boardId"`
	ColumnID       string     `json:"columnId"`
	Title          string     `json:"title"`
	DescriptionMD  string     `json:"descriptionMd,omitempty"`
	Priority       Priority   `json:"priority"`
	Labels         []string   `json:"labels,omitempty"`
	LockedByRunID  string     `json:"lockedByRunId,omitempty"`
	LockExpiresAt  *time.Time `json:"lockExpiresAt,omitempty"`
	ProjectID      string     `json:"projectId,omitempty"`
	PreferredAgent AgentKind  `json:"preferredAgent,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Locked reports whether the ticket holds a live lease at the given instant.
func (t *Ticket) Locked(now time.Time) bool {
	return t.LockedByRunID != "" && t.LockExpiresAt != nil && t.LockExpiresAt.After(now)
}

// Run is one execution of an agent against a ticket. The ticket reference
// is immutable for the life of the row.
type Run struct {
	ID        string          `json:"id"`
	TicketID  string          `json:"ticketId"`
	Agent     AgentKind       `json:"agentType"`
	RepoPath  string          `json:"repoPath,omitempty"`
	Status    RunStatus       `json:"status"`
	StartedAt *time.Time      `json:"startedAt,omitempty"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	SummaryMD string          `json:"summaryMd,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Duration returns how long the run took, or 0 if it has not ended.
func (r Run) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// Event is a hook-reported occurrence during a run (command executed, file
// edited, and so on). Unknown type strings are stored verbatim.
type Event struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"runId"`
	TicketID   string          `json:"ticketId"`
	Type       string          `json:"eventType"`
	RawPayload string          `json:"rawPayload,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Comment is a markdown note on a ticket.
type Comment struct {
	ID        string          `json:"id"`
	TicketID  string          `json:"ticketId"`
	Author    AuthorKind      `json:"authorKind"`
	BodyMD    string          `json:"bodyMd"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// TaskItem is a queued piece of follow-up work on a ticket.
type TaskItem struct {
	ID        string     `json:"id"`
	TicketID  string     `json:"ticketId"`
	Kind      TaskKind   `json:"kind"`
	Title     string     `json:"title"`
	BodyMD    string     `json:"bodyMd,omitempty"`
	Status    TaskStatus `json:"status"`
	RunID     string     `json:"runId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RepoLock prevents two workers from scheduling concurrent runs in the same
// filesystem repository.
type RepoLock struct {
	ProjectID string    `json:"projectId"`
	RunID     string    `json:"runId"`
	ExpiresAt time.Time `json:"expiresAt"`
}
