// Package supervisor launches and babysits external agent CLI processes. It
// streams their output line by line, polls for cancellation, and guarantees
// both reader goroutines have drained before a run result is returned.
package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/madhatter5501/agent-kanban/kanban"
)

// Outcome classifies how an agent process ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

var (
	// ErrCLINotFound means the agent binary is not on PATH.
	ErrCLINotFound = errors.New("agent CLI not found")

	// ErrSpawnFailed means the process could not be started at all.
	ErrSpawnFailed = errors.New("failed to spawn agent process")
)

const (
	// cancelPoll is how often a running process is checked for a cancel
	// request or an expired deadline.
	cancelPoll = 100 * time.Millisecond

	// termGrace is how long a process gets to exit after SIGTERM before
	// it is killed.
	termGrace = 5 * time.Second
)

// Result is the outcome of one supervised run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Output   string
	Stderr   string
	Duration time.Duration
}

// LogFunc receives each output line as it is read. stream is "stdout" or
// "stderr".
type LogFunc func(stream, line string)

// RunningProcess describes one live supervised process.
type RunningProcess struct {
	RunID     string           `json:"runId"`
	TicketID  string           `json:"ticketId"`
	Agent     kanban.AgentKind `json:"agentType"`
	StartedAt time.Time        `json:"startedAt"`
}

type proc struct {
	info     RunningProcess
	cancel   chan struct{}
	stopOnce sync.Once
}

// Supervisor tracks live agent processes keyed by run id.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*proc
	logger *slog.Logger

	lookPath func(string) (string, error) // swapped in tests
}

// New creates a supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		procs:    make(map[string]*proc),
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// Cancel requests termination of a run's process. Reports whether a live
// process was found. The actual kill happens on the supervising goroutine's
// next poll.
func (s *Supervisor) Cancel(runID string) bool {
	s.mu.Lock()
	p, ok := s.procs[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.stopOnce.Do(func() { close(p.cancel) })
	return true
}

// Running lists the currently supervised processes.
func (s *Supervisor) Running() []RunningProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunningProcess, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.info)
	}
	return out
}

// Run launches the agent described by spec and blocks until it finishes.
// Both pipe readers are joined before the result is returned, so onLine
// never fires after Run returns. The returned error is non-nil only for
// launch failures; a process that ran and failed is reported via the
// Result's outcome.
func (s *Supervisor) Run(spec Spec, onLine LogFunc) (*Result, error) {
	binPath, err := s.lookPath(spec.Kind.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCLINotFound, spec.Kind.Binary)
	}

	cmd := exec.Command(binPath, spec.argv()...) // #nosec G204 -- argv is built from the kind template
	cmd.Dir = spec.RepoPath
	cmd.Env = spec.env()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	p := &proc{
		info: RunningProcess{
			RunID:     spec.RunID,
			TicketID:  spec.TicketID,
			Agent:     spec.Agent,
			StartedAt: start.UTC(),
		},
		cancel: make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[spec.RunID] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.procs, spec.RunID)
		s.mu.Unlock()
	}()

	var outBuf, errBuf bytes.Buffer
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(&readers, stdout, &outBuf, "stdout", onLine)
	go readLines(&readers, stderr, &errBuf, "stderr", onLine)

	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()

	var deadline time.Time
	if spec.Timeout > 0 {
		deadline = start.Add(spec.Timeout)
	}

	// Poll until the pipes drain. Termination is two-step: SIGTERM first,
	// SIGKILL if the process is still holding its pipes open after the
	// grace period.
	var termination Outcome
	var termAt time.Time
	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()

	for done := false; !done; {
		select {
		case <-readersDone:
			done = true
		case now := <-ticker.C:
			if termination != "" {
				if now.Sub(termAt) > termGrace {
					_ = cmd.Process.Kill()
				}
				continue
			}
			switch {
			case isClosed(p.cancel):
				termination = OutcomeCancelled
			case !deadline.IsZero() && now.After(deadline):
				termination = OutcomeTimeout
			default:
				continue
			}
			termAt = now
			s.logger.Info("terminating agent process",
				"run_id", spec.RunID, "reason", termination)
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	waitErr := cmd.Wait()

	result := &Result{
		Output:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}

	switch {
	case termination != "":
		result.Outcome = termination
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
	case waitErr == nil:
		result.Outcome = OutcomeSuccess
	default:
		result.Outcome = OutcomeError
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
	}

	s.logger.Info("agent process finished",
		"run_id", spec.RunID, "outcome", result.Outcome,
		"exit_code", result.ExitCode, "duration", result.Duration)
	return result, nil
}

func readLines(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, stream string, onLine LogFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(stream, line)
		}
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
