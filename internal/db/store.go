package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/madhatter5501/agent-kanban/kanban"
)

// Store implements persistence for boards, tickets, runs, events, comments,
// tasks, and leases on top of SQLite. Methods are safe for concurrent use;
// all writes go through transactions or single statements.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the store's clock. Lease expiry comparisons use this
// clock so tests can advance time without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// --- Boards & Columns ---

// CreateBoard creates a board together with its six canonical columns in a
// single transaction and returns the board with columns populated.
func (s *Store) CreateBoard(name, defaultProjectID string) (*kanban.Board, error) {
	if strings.TrimSpace(name) == "" {
		return nil, invalid("board name is required")
	}

	now := s.now()
	board := &kanban.Board{
		ID:               uuid.New().String(),
		Name:             name,
		DefaultProjectID: defaultProjectID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO boards (id, name, default_project_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, board.ID, board.Name, nullString(board.DefaultProjectID), board.CreatedAt, board.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create board: %w", err)
	}

	for i, colName := range kanban.CanonicalColumns {
		col := kanban.Column{
			ID:       uuid.New().String(),
			BoardID:  board.ID,
			Name:     colName,
			Position: i,
		}
		_, err = tx.Exec(`
			INSERT INTO columns (id, board_id, name, position) VALUES (?, ?, ?, ?)
		`, col.ID, col.BoardID, col.Name, col.Position)
		if err != nil {
			return nil, fmt.Errorf("failed to create column %q: %w", colName, err)
		}
		board.Columns = append(board.Columns, col)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit board: %w", err)
	}
	return board, nil
}

// GetBoard retrieves a board with its columns.
func (s *Store) GetBoard(id string) (*kanban.Board, error) {
	var b kanban.Board
	var defaultProject sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, default_project_id, created_at, updated_at
		FROM boards WHERE id = ?
	`, id).Scan(&b.ID, &b.Name, &defaultProject, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("board", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get board: %w", err)
	}
	b.DefaultProjectID = defaultProject.String

	cols, err := s.BoardColumns(id)
	if err != nil {
		return nil, err
	}
	b.Columns = cols
	return &b, nil
}

// ListBoards returns all boards with their columns.
func (s *Store) ListBoards() ([]kanban.Board, error) {
	rows, err := s.db.Query(`
		SELECT id, name, default_project_id, created_at, updated_at
		FROM boards ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()

	var boards []kanban.Board
	for rows.Next() {
		var b kanban.Board
		var defaultProject sql.NullString
		if err := rows.Scan(&b.ID, &b.Name, &defaultProject, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}
		b.DefaultProjectID = defaultProject.String
		boards = append(boards, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range boards {
		cols, err := s.BoardColumns(boards[i].ID)
		if err != nil {
			return nil, err
		}
		boards[i].Columns = cols
	}
	return boards, nil
}

// BoardColumns returns a board's columns ordered by position.
func (s *Store) BoardColumns(boardID string) ([]kanban.Column, error) {
	rows, err := s.db.Query(`
		SELECT id, board_id, name, position, wip_limit
		FROM columns WHERE board_id = ? ORDER BY position
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var cols []kanban.Column
	for rows.Next() {
		var c kanban.Column
		var wip sql.NullInt64
		if err := rows.Scan(&c.ID, &c.BoardID, &c.Name, &c.Position, &wip); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if wip.Valid {
			limit := int(wip.Int64)
			c.WIPLimit = &limit
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// GetColumn retrieves a single column.
func (s *Store) GetColumn(id string) (*kanban.Column, error) {
	var c kanban.Column
	var wip sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id, board_id, name, position, wip_limit FROM columns WHERE id = ?
	`, id).Scan(&c.ID, &c.BoardID, &c.Name, &c.Position, &wip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("column", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get column: %w", err)
	}
	if wip.Valid {
		limit := int(wip.Int64)
		c.WIPLimit = &limit
	}
	return &c, nil
}

// ColumnByState returns the board's column whose name maps to the given
// lifecycle state.
func (s *Store) ColumnByState(boardID string, state kanban.State) (*kanban.Column, error) {
	cols, err := s.BoardColumns(boardID)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		if st, ok := kanban.ParseState(cols[i].Name); ok && st == state {
			return &cols[i], nil
		}
	}
	return nil, notFound("column", state.ColumnName())
}

// --- Projects ---

// CreateProject creates a project. The id and timestamps are assigned here.
func (s *Store) CreateProject(p *kanban.Project) error {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Path) == "" {
		return invalid("project name and path are required")
	}
	p.ID = uuid.New().String()
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, path, cursor_hooks, claude_hooks, allow_yolo,
			preferred_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Path, boolInt(p.CursorHooks), boolInt(p.ClaudeHooks),
		boolInt(p.AllowYolo), nullString(string(p.PreferredAgent)), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("project path %s already registered: %w", p.Path, ErrConflict)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(id string) (*kanban.Project, error) {
	var p kanban.Project
	var cursorHooks, claudeHooks, allowYolo int
	var preferred sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, path, cursor_hooks, claude_hooks, allow_yolo,
			preferred_agent, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Path, &cursorHooks, &claudeHooks, &allowYolo,
		&preferred, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CursorHooks = cursorHooks != 0
	p.ClaudeHooks = claudeHooks != 0
	p.AllowYolo = allowYolo != 0
	p.PreferredAgent = kanban.AgentKind(preferred.String)
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects() ([]kanban.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, path, cursor_hooks, claude_hooks, allow_yolo,
			preferred_agent, created_at, updated_at
		FROM projects ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []kanban.Project
	for rows.Next() {
		var p kanban.Project
		var cursorHooks, claudeHooks, allowYolo int
		var preferred sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &cursorHooks, &claudeHooks,
			&allowYolo, &preferred, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CursorHooks = cursorHooks != 0
		p.ClaudeHooks = claudeHooks != 0
		p.AllowYolo = allowYolo != 0
		p.PreferredAgent = kanban.AgentKind(preferred.String)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// --- Tickets ---

const ticketColumns = `
	id, board_id, column_id, title, description_md, priority, labels,
	locked_by_run_id, lock_expires_at, project_id, preferred_agent,
	created_at, updated_at`

// CreateTicket creates a ticket. The id and timestamps are assigned here;
// the target column must belong to the ticket's board.
func (s *Store) CreateTicket(t *kanban.Ticket) error {
	if strings.TrimSpace(t.Title) == "" {
		return invalid("ticket title is required")
	}
	if t.Priority == "" {
		t.Priority = kanban.PriorityMedium
	}
	if !t.Priority.Valid() {
		return invalid("unknown priority %q", t.Priority)
	}

	col, err := s.GetColumn(t.ColumnID)
	if err != nil {
		return err
	}
	if col.BoardID != t.BoardID {
		return invalid("column %s belongs to board %s, not %s", t.ColumnID, col.BoardID, t.BoardID)
	}

	t.ID = uuid.New().String()
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	labels, _ := json.Marshal(t.Labels)

	_, err = s.db.Exec(`
		INSERT INTO tickets (id, board_id, column_id, title, description_md, priority,
			labels, project_id, preferred_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.BoardID, t.ColumnID, t.Title, t.DescriptionMD, t.Priority,
		string(labels), nullString(t.ProjectID), nullString(string(t.PreferredAgent)),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// GetTicket retrieves a ticket by id.
func (s *Store) GetTicket(id string) (*kanban.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("ticket", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// ListTicketsByBoard returns all tickets on a board ordered by priority
// then age.
func (s *Store) ListTicketsByBoard(boardID string) ([]kanban.Ticket, error) {
	rows, err := s.db.Query(`
		SELECT `+ticketColumns+` FROM tickets WHERE board_id = ?
		ORDER BY `+priorityRankSQL+` DESC, created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []kanban.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// MoveTicket places a ticket in a different column of the same board. It is
// a dumb writer: lifecycle rules are the lifecycle engine's job.
func (s *Store) MoveTicket(ticketID, columnID string) error {
	t, err := s.GetTicket(ticketID)
	if err != nil {
		return err
	}
	col, err := s.GetColumn(columnID)
	if err != nil {
		return err
	}
	if col.BoardID != t.BoardID {
		return invalid("column %s belongs to a different board", columnID)
	}

	_, err = s.db.Exec(`
		UPDATE tickets SET column_id = ?, updated_at = ? WHERE id = ?
	`, columnID, s.now(), ticketID)
	if err != nil {
		return fmt.Errorf("failed to move ticket: %w", err)
	}
	return nil
}

// TicketPatch is a partial ticket update; nil fields are left unchanged.
type TicketPatch struct {
	Title          *string
	DescriptionMD  *string
	Priority       *kanban.Priority
	Labels         *[]string
	ProjectID      *string
	PreferredAgent *kanban.AgentKind
}

// UpdateTicket applies a partial update and returns the updated ticket.
func (s *Store) UpdateTicket(id string, patch TicketPatch) (*kanban.Ticket, error) {
	t, err := s.GetTicket(id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, invalid("ticket title is required")
		}
		t.Title = *patch.Title
	}
	if patch.DescriptionMD != nil {
		t.DescriptionMD = *patch.DescriptionMD
	}
	if patch.Priority != nil {
		if !patch.Priority.Valid() {
			return nil, invalid("unknown priority %q", *patch.Priority)
		}
		t.Priority = *patch.Priority
	}
	if patch.Labels != nil {
		t.Labels = *patch.Labels
	}
	if patch.ProjectID != nil {
		t.ProjectID = *patch.ProjectID
	}
	if patch.PreferredAgent != nil {
		t.PreferredAgent = *patch.PreferredAgent
	}
	t.UpdatedAt = s.now()

	labels, _ := json.Marshal(t.Labels)
	_, err = s.db.Exec(`
		UPDATE tickets SET title = ?, description_md = ?, priority = ?, labels = ?,
			project_id = ?, preferred_agent = ?, updated_at = ?
		WHERE id = ?
	`, t.Title, t.DescriptionMD, t.Priority, string(labels),
		nullString(t.ProjectID), nullString(string(t.PreferredAgent)), t.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	return t, nil
}

// DeleteTicket deletes a ticket; comments, runs, events, and tasks cascade.
func (s *Store) DeleteTicket(id string) error {
	res, err := s.db.Exec("DELETE FROM tickets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("ticket", id)
	}
	return nil
}

// --- Leases ---

// ReserveTicket atomically attaches a lease to a ticket. The compare-and-set
// succeeds only when no live lease is held; it is a single guarded UPDATE,
// never a read-then-write.
func (s *Store) ReserveTicket(ticketID, runID string, expiry time.Time) error {
	now := s.now()
	res, err := s.db.Exec(`
		UPDATE tickets SET locked_by_run_id = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (locked_by_run_id IS NULL OR locked_by_run_id = '' OR lock_expires_at <= ?)
	`, runID, expiry, now, ticketID, now)
	if err != nil {
		return fmt.Errorf("failed to reserve ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetTicket(ticketID); err != nil {
			return err
		}
		return fmt.Errorf("ticket %s lease held: %w", ticketID, ErrConflict)
	}
	return nil
}

// RenewLease extends a lease; only the current holder may renew.
func (s *Store) RenewLease(ticketID, runID string, newExpiry time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tickets SET lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND locked_by_run_id = ?
	`, newExpiry, s.now(), ticketID, runID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s no longer holds ticket %s: %w", runID, ticketID, ErrLockExpired)
	}
	return nil
}

// ReleaseLock clears a ticket's lease if held by the given run. Releasing a
// lease that is already clear is a no-op.
func (s *Store) ReleaseLock(ticketID, runID string) error {
	_, err := s.db.Exec(`
		UPDATE tickets SET locked_by_run_id = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND locked_by_run_id = ?
	`, s.now(), ticketID, runID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// LeaseHolder pairs a ticket with the run whose lease on it has expired.
type LeaseHolder struct {
	TicketID string
	RunID    string
}

// ExpireStaleLeases returns every (ticket, run) pair whose lease expiry is at
// or before now. The caller decides policy; this is only the scan.
func (s *Store) ExpireStaleLeases(now time.Time) ([]LeaseHolder, error) {
	rows, err := s.db.Query(`
		SELECT id, locked_by_run_id FROM tickets
		WHERE locked_by_run_id IS NOT NULL AND locked_by_run_id != ''
		  AND lock_expires_at <= ?
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale leases: %w", err)
	}
	defer rows.Close()

	var stale []LeaseHolder
	for rows.Next() {
		var lh LeaseHolder
		if err := rows.Scan(&lh.TicketID, &lh.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		stale = append(stale, lh)
	}
	return stale, rows.Err()
}

// --- Repo locks ---

// AcquireRepoLock takes the project-level lock for a run, stealing it only
// when the previous holder's lock has expired.
func (s *Store) AcquireRepoLock(projectID, runID string, expiry time.Time) error {
	res, err := s.db.Exec(`
		INSERT INTO repo_locks (project_id, run_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET run_id = excluded.run_id, expires_at = excluded.expires_at
		WHERE repo_locks.expires_at <= ? OR repo_locks.run_id = excluded.run_id
	`, projectID, runID, expiry, s.now())
	if err != nil {
		return fmt.Errorf("failed to acquire repo lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repo %s locked by another run: %w", projectID, ErrConflict)
	}
	return nil
}

// ReleaseRepoLock drops the project lock if held by the given run.
func (s *Store) ReleaseRepoLock(projectID, runID string) error {
	_, err := s.db.Exec(`
		DELETE FROM repo_locks WHERE project_id = ? AND run_id = ?
	`, projectID, runID)
	if err != nil {
		return fmt.Errorf("failed to release repo lock: %w", err)
	}
	return nil
}

// --- Queue ---

const priorityRankSQL = `CASE priority
	WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1
	ELSE 0 END`

// NextReadyTicket returns the highest-priority eligible ticket in a Ready
// column, or ErrQueueEmpty. Eligibility: lease null or expired, agent
// preference compatible with the filter, and (when repo locks are enforced)
// no live repo lock on the ticket's project.
func (s *Store) NextReadyTicket(boardID string, kind kanban.AgentKind, repoLocks bool) (*kanban.Ticket, error) {
	return s.nextReadyTicket(s.db.DB, boardID, kind, repoLocks)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) nextReadyTicket(q querier, boardID string, kind kanban.AgentKind, repoLocks bool) (*kanban.Ticket, error) {
	now := s.now()
	query := `
		SELECT ` + qualify(ticketColumns, "t") + `
		FROM tickets t
		JOIN columns c ON c.id = t.column_id
		WHERE c.name = 'Ready'
		  AND (t.locked_by_run_id IS NULL OR t.locked_by_run_id = '' OR t.lock_expires_at <= ?)
		  AND (t.preferred_agent IS NULL OR t.preferred_agent IN ('', 'any', ?))`
	args := []any{now, string(kind)}

	if boardID != "" {
		query += ` AND t.board_id = ?`
		args = append(args, boardID)
	}
	if repoLocks {
		query += `
		  AND (t.project_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM repo_locks rl
			WHERE rl.project_id = t.project_id AND rl.expires_at > ?))`
		args = append(args, now)
	}
	query += `
		ORDER BY ` + strings.ReplaceAll(priorityRankSQL, "priority", "t.priority") + ` DESC,
			t.created_at ASC
		LIMIT 1`

	t, err := scanTicket(q.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tickets: %w", err)
	}
	return t, nil
}

// BoardQueueStatus is the per-board slice of the queue status response.
type BoardQueueStatus struct {
	BoardID    string `json:"boardId"`
	BoardName  string `json:"boardName"`
	ReadyCount int    `json:"readyCount"`
}

// QueueStatus summarizes ready and in-progress ticket counts.
type QueueStatus struct {
	ReadyCount      int                `json:"readyCount"`
	InProgressCount int                `json:"inProgressCount"`
	Boards          []BoardQueueStatus `json:"boards"`
}

// GetQueueStatus returns ready/in-progress counts overall and per board.
func (s *Store) GetQueueStatus() (*QueueStatus, error) {
	status := &QueueStatus{Boards: []BoardQueueStatus{}}

	err := s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN c.name = 'Ready' THEN 1 END),
			COUNT(CASE WHEN c.name = 'In Progress' THEN 1 END)
		FROM tickets t JOIN columns c ON c.id = t.column_id
	`).Scan(&status.ReadyCount, &status.InProgressCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT b.id, b.name, COUNT(CASE WHEN c.name = 'Ready' THEN t.id END)
		FROM boards b
		LEFT JOIN tickets t ON t.board_id = b.id
		LEFT JOIN columns c ON c.id = t.column_id
		GROUP BY b.id, b.name
		ORDER BY b.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count per-board queue: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bq BoardQueueStatus
		if err := rows.Scan(&bq.BoardID, &bq.BoardName, &bq.ReadyCount); err != nil {
			return nil, fmt.Errorf("failed to scan queue status: %w", err)
		}
		status.Boards = append(status.Boards, bq)
	}
	return status, rows.Err()
}

// Claim is the result of a successful queue claim.
type Claim struct {
	Ticket      kanban.Ticket
	Run         kanban.Run
	LeaseExpiry time.Time
}

// ClaimParams selects what to claim and how long the lease runs.
type ClaimParams struct {
	BoardID   string
	Agent     kanban.AgentKind
	LeaseFor  time.Duration
	RepoPath  string // resolved repo path for the run, may be empty
	RepoLocks bool
}

// ClaimNext performs the whole reservation in one transaction: pick the next
// eligible Ready ticket, create a run row, CAS the lease onto the ticket,
// take the repo lock when configured, and move the ticket to In Progress.
// Returns ErrQueueEmpty when nothing is eligible and ErrConflict when a
// competing claimer won the CAS (the caller retries).
func (s *Store) ClaimNext(p ClaimParams) (*Claim, error) {
	now := s.now()
	expiry := now.Add(p.LeaseFor)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	ticket, err := s.nextReadyTicket(tx, p.BoardID, p.Agent, p.RepoLocks)
	if err != nil {
		return nil, err
	}

	repoPath := p.RepoPath
	if repoPath == "" && ticket.ProjectID != "" {
		var path sql.NullString
		if err := tx.QueryRow(`SELECT path FROM projects WHERE id = ?`, ticket.ProjectID).Scan(&path); err == nil {
			repoPath = path.String
		}
	}

	// The run starts queued; whoever spawns the process flips it to running.
	run := kanban.Run{
		ID:        uuid.New().String(),
		TicketID:  ticket.ID,
		Agent:     p.Agent,
		RepoPath:  repoPath,
		Status:    kanban.RunQueued,
		CreatedAt: now,
	}
	_, err = tx.Exec(`
		INSERT INTO runs (id, ticket_id, agent, repo_path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.TicketID, run.Agent, run.RepoPath, run.Status, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE tickets SET locked_by_run_id = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (locked_by_run_id IS NULL OR locked_by_run_id = '' OR lock_expires_at <= ?)
	`, run.ID, expiry, now, ticket.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("ticket %s lease held: %w", ticket.ID, ErrConflict)
	}

	if p.RepoLocks && ticket.ProjectID != "" {
		res, err := tx.Exec(`
			INSERT INTO repo_locks (project_id, run_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET run_id = excluded.run_id, expires_at = excluded.expires_at
			WHERE repo_locks.expires_at <= ?
		`, ticket.ProjectID, run.ID, expiry, now)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire repo lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("repo %s locked by another run: %w", ticket.ProjectID, ErrConflict)
		}
	}

	var inProgressID string
	err = tx.QueryRow(`
		SELECT id FROM columns WHERE board_id = ? AND name = 'In Progress'
	`, ticket.BoardID).Scan(&inProgressID)
	if err != nil {
		return nil, fmt.Errorf("board %s has no In Progress column: %w", ticket.BoardID, err)
	}
	if _, err := tx.Exec(`
		UPDATE tickets SET column_id = ?, updated_at = ? WHERE id = ?
	`, inProgressID, now, ticket.ID); err != nil {
		return nil, fmt.Errorf("failed to move ticket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	ticket.ColumnID = inProgressID
	ticket.LockedByRunID = run.ID
	ticket.LockExpiresAt = &expiry
	ticket.UpdatedAt = now
	return &Claim{Ticket: *ticket, Run: run, LeaseExpiry: expiry}, nil
}

// ClaimTicket reserves one specific ticket in one transaction: create a
// queued run row and CAS the lease onto the ticket. A lost CAS rolls the run
// row back with the rest of the transaction, so a held lease never leaves an
// orphan run behind. The ticket moves to In Progress only when it sits in
// Ready.
func (s *Store) ClaimTicket(ticketID string, p ClaimParams) (*Claim, error) {
	now := s.now()
	expiry := now.Add(p.LeaseFor)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	ticket, err := scanTicket(tx.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, ticketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("ticket", ticketID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}

	repoPath := p.RepoPath
	if repoPath == "" && ticket.ProjectID != "" {
		var path sql.NullString
		if err := tx.QueryRow(`SELECT path FROM projects WHERE id = ?`, ticket.ProjectID).Scan(&path); err == nil {
			repoPath = path.String
		}
	}

	run := kanban.Run{
		ID:        uuid.New().String(),
		TicketID:  ticket.ID,
		Agent:     p.Agent,
		RepoPath:  repoPath,
		Status:    kanban.RunQueued,
		CreatedAt: now,
	}
	_, err = tx.Exec(`
		INSERT INTO runs (id, ticket_id, agent, repo_path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.TicketID, run.Agent, run.RepoPath, run.Status, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE tickets SET locked_by_run_id = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (locked_by_run_id IS NULL OR locked_by_run_id = '' OR lock_expires_at <= ?)
	`, run.ID, expiry, now, ticket.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("ticket %s lease held: %w", ticket.ID, ErrConflict)
	}

	if p.RepoLocks && ticket.ProjectID != "" {
		res, err := tx.Exec(`
			INSERT INTO repo_locks (project_id, run_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET run_id = excluded.run_id, expires_at = excluded.expires_at
			WHERE repo_locks.expires_at <= ?
		`, ticket.ProjectID, run.ID, expiry, now)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire repo lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("repo %s locked by another run: %w", ticket.ProjectID, ErrConflict)
		}
	}

	var colName string
	if err := tx.QueryRow(`SELECT name FROM columns WHERE id = ?`, ticket.ColumnID).Scan(&colName); err != nil {
		return nil, fmt.Errorf("failed to load column: %w", err)
	}
	if st, ok := kanban.ParseState(colName); ok && st == kanban.StateReady {
		var inProgressID string
		err = tx.QueryRow(`
			SELECT id FROM columns WHERE board_id = ? AND name = 'In Progress'
		`, ticket.BoardID).Scan(&inProgressID)
		if err != nil {
			return nil, fmt.Errorf("board %s has no In Progress column: %w", ticket.BoardID, err)
		}
		if _, err := tx.Exec(`
			UPDATE tickets SET column_id = ?, updated_at = ? WHERE id = ?
		`, inProgressID, now, ticket.ID); err != nil {
			return nil, fmt.Errorf("failed to move ticket: %w", err)
		}
		ticket.ColumnID = inProgressID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	ticket.LockedByRunID = run.ID
	ticket.LockExpiresAt = &expiry
	ticket.UpdatedAt = now
	return &Claim{Ticket: *ticket, Run: run, LeaseExpiry: expiry}, nil
}

// --- Runs ---

const runColumns = `id, ticket_id, agent, repo_path, status, started_at, ended_at,
	exit_code, summary_md, metadata, created_at`

// CreateRun inserts a run row. The id and creation timestamp are assigned
// here; status defaults to queued.
func (s *Store) CreateRun(r *kanban.Run) error {
	if _, err := s.GetTicket(r.TicketID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = kanban.RunQueued
	}
	r.CreatedAt = s.now()

	_, err := s.db.Exec(`
		INSERT INTO runs (id, ticket_id, agent, repo_path, status, started_at, ended_at,
			exit_code, summary_md, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TicketID, r.Agent, r.RepoPath, r.Status, nullTime(r.StartedAt),
		nullTime(r.EndedAt), nullInt(r.ExitCode), r.SummaryMD, nullRaw(r.Metadata), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(id string) (*kanban.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRunsByTicket returns a ticket's runs, newest first.
func (s *Store) ListRunsByTicket(ticketID string) ([]kanban.Run, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs WHERE ticket_id = ? ORDER BY created_at DESC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []kanban.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RunUpdate is a partial run update; nil fields are left unchanged.
type RunUpdate struct {
	Status    *kanban.RunStatus
	StartedAt *time.Time
	EndedAt   *time.Time
	ExitCode  *int
	SummaryMD *string
	Metadata  json.RawMessage
}

// UpdateRun applies a partial update and returns the updated run.
func (s *Store) UpdateRun(id string, u RunUpdate) (*kanban.Run, error) {
	r, err := s.GetRun(id)
	if err != nil {
		return nil, err
	}

	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		r.EndedAt = u.EndedAt
	}
	if u.ExitCode != nil {
		r.ExitCode = u.ExitCode
	}
	if u.SummaryMD != nil {
		r.SummaryMD = *u.SummaryMD
	}
	if u.Metadata != nil {
		r.Metadata = u.Metadata
	}

	_, err = s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?, ended_at = ?, exit_code = ?,
			summary_md = ?, metadata = ?
		WHERE id = ?
	`, r.Status, nullTime(r.StartedAt), nullTime(r.EndedAt), nullInt(r.ExitCode),
		r.SummaryMD, nullRaw(r.Metadata), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return r, nil
}

// --- Events ---

// AppendEvent persists a hook event. The run must exist and the event's
// ticket must be the run's ticket.
func (s *Store) AppendEvent(e *kanban.Event) error {
	run, err := s.GetRun(e.RunID)
	if err != nil {
		return err
	}
	if e.TicketID == "" {
		e.TicketID = run.TicketID
	}
	if e.TicketID != run.TicketID {
		return invalid("event ticket %s is not run %s's ticket", e.TicketID, e.RunID)
	}
	if e.Type == "" {
		return invalid("event type is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	res, err := s.db.Exec(`
		INSERT INTO events (run_id, ticket_id, event_type, payload_raw, payload_structured, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.RunID, e.TicketID, e.Type, nullString(e.RawPayload), nullRaw(e.Structured), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListEventsByRun returns a run's events in commit order.
func (s *Store) ListEventsByRun(runID string) ([]kanban.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, ticket_id, event_type, payload_raw, payload_structured, created_at
		FROM events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []kanban.Event
	for rows.Next() {
		var e kanban.Event
		var raw, structured sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.TicketID, &e.Type, &raw, &structured, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.RawPayload = raw.String
		if structured.Valid {
			e.Structured = json.RawMessage(structured.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Comments ---

// CreateComment adds a markdown comment to a ticket.
func (s *Store) CreateComment(c *kanban.Comment) error {
	if strings.TrimSpace(c.BodyMD) == "" {
		return invalid("comment body is required")
	}
	if _, err := s.GetTicket(c.TicketID); err != nil {
		return err
	}
	if c.Author == "" {
		c.Author = kanban.AuthorUser
	}
	c.ID = uuid.New().String()
	c.CreatedAt = s.now()

	_, err := s.db.Exec(`
		INSERT INTO comments (id, ticket_id, author, body_md, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.TicketID, c.Author, c.BodyMD, nullRaw(c.Metadata), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	return nil
}

// ListCommentsByTicket returns a ticket's comments, oldest first.
func (s *Store) ListCommentsByTicket(ticketID string) ([]kanban.Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, ticket_id, author, body_md, metadata, created_at
		FROM comments WHERE ticket_id = ? ORDER BY created_at
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	var comments []kanban.Comment
	for rows.Next() {
		var c kanban.Comment
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.TicketID, &c.Author, &c.BodyMD, &metadata, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		if metadata.Valid {
			c.Metadata = json.RawMessage(metadata.String)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// --- Task items ---

// CreateTask queues a task item against a ticket.
func (s *Store) CreateTask(t *kanban.TaskItem) error {
	if strings.TrimSpace(t.Title) == "" {
		return invalid("task title is required")
	}
	if _, err := s.GetTicket(t.TicketID); err != nil {
		return err
	}
	if t.Kind == "" {
		t.Kind = kanban.TaskCustom
	}
	if t.Status == "" {
		t.Status = kanban.TaskPending
	}
	t.ID = uuid.New().String()
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, ticket_id, kind, title, body_md, status, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TicketID, t.Kind, t.Title, t.BodyMD, t.Status,
		nullString(t.RunID), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task item by id.
func (s *Store) GetTask(id string) (*kanban.TaskItem, error) {
	var t kanban.TaskItem
	var runID sql.NullString
	err := s.db.QueryRow(`
		SELECT id, ticket_id, kind, title, body_md, status, run_id, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.TicketID, &t.Kind, &t.Title, &t.BodyMD, &t.Status,
		&runID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	t.RunID = runID.String
	return &t, nil
}

// ListTasksByTicket returns a ticket's task items, oldest first.
func (s *Store) ListTasksByTicket(ticketID string) ([]kanban.TaskItem, error) {
	rows, err := s.db.Query(`
		SELECT id, ticket_id, kind, title, body_md, status, run_id, created_at, updated_at
		FROM tasks WHERE ticket_id = ? ORDER BY created_at
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []kanban.TaskItem
	for rows.Next() {
		var t kanban.TaskItem
		var runID sql.NullString
		if err := rows.Scan(&t.ID, &t.TicketID, &t.Kind, &t.Title, &t.BodyMD, &t.Status,
			&runID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.RunID = runID.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus moves a task item to a new status, optionally attaching
// the run that picked it up.
func (s *Store) UpdateTaskStatus(id string, status kanban.TaskStatus, runID string) (*kanban.TaskItem, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	t.Status = status
	if runID != "" {
		t.RunID = runID
	}
	t.UpdatedAt = s.now()

	_, err = s.db.Exec(`
		UPDATE tasks SET status = ?, run_id = ?, updated_at = ? WHERE id = ?
	`, t.Status, nullString(t.RunID), t.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return t, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*kanban.Ticket, error) {
	var t kanban.Ticket
	var labels string
	var lockedBy, projectID, preferred sql.NullString
	var lockExpires sql.NullTime
	err := row.Scan(&t.ID, &t.BoardID, &t.ColumnID, &t.Title, &t.DescriptionMD,
		&t.Priority, &labels, &lockedBy, &lockExpires, &projectID, &preferred,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(labels), &t.Labels)
	t.LockedByRunID = lockedBy.String
	if lockExpires.Valid {
		exp := lockExpires.Time
		t.LockExpiresAt = &exp
	}
	t.ProjectID = projectID.String
	t.PreferredAgent = kanban.AgentKind(preferred.String)
	return &t, nil
}

func scanRun(row rowScanner) (*kanban.Run, error) {
	var r kanban.Run
	var startedAt, endedAt sql.NullTime
	var exitCode sql.NullInt64
	var metadata sql.NullString
	err := row.Scan(&r.ID, &r.TicketID, &r.Agent, &r.RepoPath, &r.Status,
		&startedAt, &endedAt, &exitCode, &r.SummaryMD, &metadata, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if metadata.Valid {
		r.Metadata = json.RawMessage(metadata.String)
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullRaw(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
