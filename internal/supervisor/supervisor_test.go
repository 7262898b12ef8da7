package supervisor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madhatter5501/agent-kanban/kanban"
)

// fakeAgent writes a shell script standing in for an agent CLI and points
// the supervisor's binary lookup at it.
func fakeAgent(t *testing.T, s *Supervisor, script string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	s.lookPath = func(string) (string, error) { return path, nil }
}

func testSpec(runID string, timeout time.Duration) Spec {
	return Spec{
		RunID:    runID,
		TicketID: "ticket-1",
		Agent:    kanban.AgentCursor,
		Prompt:   "do the thing",
		Timeout:  timeout,
		Kind:     DefaultKindConfig(kanban.AgentCursor),
	}
}

func TestRunSuccessStreamsOutput(t *testing.T) {
	s := New(nil)
	fakeAgent(t, s, `echo "working on it"
echo "warning: minor" >&2
echo "done"`)

	var mu sync.Mutex
	var lines []string
	result, err := s.Run(testSpec("run-ok", 0), func(stream, line string) {
		mu.Lock()
		lines = append(lines, stream+": "+line)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "working on it")
	assert.Contains(t, result.Output, "done")
	assert.Contains(t, result.Stderr, "warning: minor")

	// Readers are joined before Run returns, so the callback log is
	// complete here without synchronization tricks.
	assert.Contains(t, lines, "stdout: working on it")
	assert.Contains(t, lines, "stderr: warning: minor")

	assert.Empty(t, s.Running())
}

func TestRunNonZeroExit(t *testing.T) {
	s := New(nil)
	fakeAgent(t, s, `echo "about to fail"
exit 3`)

	result, err := s.Run(testSpec("run-fail", 0), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Output, "about to fail")
}

func TestRunCancelKillsPromptly(t *testing.T) {
	s := New(nil)
	fakeAgent(t, s, `echo "started"
exec sleep 30`)

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := s.Run(testSpec("run-cancel", 0), nil)
		done <- outcome{r, err}
	}()

	// Wait until the process registers, then cancel.
	require.Eventually(t, func() bool { return s.Cancel("run-cancel") },
		2*time.Second, 10*time.Millisecond)
	cancelledAt := time.Now()

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, OutcomeCancelled, o.result.Outcome)
		assert.Less(t, time.Since(cancelledAt), 2*time.Second)
		assert.Contains(t, o.result.Output, "started")
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled run did not return")
	}

	// Cancelling an unknown run reports no process.
	assert.False(t, s.Cancel("run-cancel"))
}

func TestRunTimeout(t *testing.T) {
	s := New(nil)
	fakeAgent(t, s, `exec sleep 30`)

	start := time.Now()
	result, err := s.Run(testSpec("run-timeout", 300*time.Millisecond), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunMissingBinary(t *testing.T) {
	s := New(nil)
	spec := testSpec("run-missing", 0)
	spec.Kind.Binary = "definitely-not-installed-anywhere"

	_, err := s.Run(spec, nil)
	assert.ErrorIs(t, err, ErrCLINotFound)
}

func TestRunningListsLiveProcesses(t *testing.T) {
	s := New(nil)
	fakeAgent(t, s, `exec sleep 30`)

	go s.Run(testSpec("run-live", 0), nil) //nolint:errcheck

	require.Eventually(t, func() bool { return len(s.Running()) == 1 },
		2*time.Second, 10*time.Millisecond)
	procs := s.Running()
	assert.Equal(t, "run-live", procs[0].RunID)
	assert.Equal(t, kanban.AgentCursor, procs[0].Agent)

	s.Cancel("run-live")
	require.Eventually(t, func() bool { return len(s.Running()) == 0 },
		10*time.Second, 50*time.Millisecond)
}

func TestArgvTemplates(t *testing.T) {
	cursor := Spec{Agent: kanban.AgentCursor, Prompt: "p", Kind: KindConfig{Binary: "cursor", Yolo: true}}
	assert.Equal(t, []string{"agent", "-p", "p", "--output-format", "text", "--yolo"}, cursor.argv())

	claude := Spec{Agent: kanban.AgentClaude, Prompt: "p", Kind: KindConfig{Binary: "claude", Model: "sonnet"}}
	assert.Equal(t, []string{"--print", "--dangerously-skip-permissions", "--model", "sonnet", "p"}, claude.argv())
}
