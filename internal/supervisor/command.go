package supervisor

import (
	"fmt"
	"os"
	"time"

	"github.com/madhatter5501/agent-kanban/kanban"
)

// KindConfig carries the per-agent-kind invocation settings. The supervisor
// itself only ever sees (command, argv, env).
type KindConfig struct {
	Binary    string   // binary name or absolute path
	ExtraArgs []string // appended after the kind's template args
	Model     string   // model override, claude only
	Yolo      bool     // skip sandboxing prompts, cursor only
	Env       []string // extra KEY=VALUE entries, e.g. API credentials
}

// DefaultKindConfig returns the stock invocation settings for an agent kind.
func DefaultKindConfig(kind kanban.AgentKind) KindConfig {
	switch kind {
	case kanban.AgentClaude:
		return KindConfig{Binary: "claude"}
	default:
		return KindConfig{Binary: "cursor"}
	}
}

// Spec describes one agent process to launch.
type Spec struct {
	RunID    string
	TicketID string
	Agent    kanban.AgentKind
	Prompt   string
	RepoPath string
	Timeout  time.Duration
	Kind     KindConfig
	APIURL   string
	APIToken string
}

// argv composes the argument vector for the configured agent kind.
func (s Spec) argv() []string {
	var args []string
	switch s.Agent {
	case kanban.AgentClaude:
		args = []string{"--print", "--dangerously-skip-permissions"}
		if s.Kind.Model != "" {
			args = append(args, "--model", s.Kind.Model)
		}
		args = append(args, s.Kind.ExtraArgs...)
		args = append(args, s.Prompt)
	default:
		args = []string{"agent", "-p", s.Prompt, "--output-format", "text"}
		if s.Kind.Yolo {
			args = append(args, "--yolo")
		}
		args = append(args, s.Kind.ExtraArgs...)
	}
	return args
}

// env builds the child environment: the parent environment plus the keys
// hook scripts use to call back into the control plane.
func (s Spec) env() []string {
	env := append(os.Environ(),
		fmt.Sprintf("AGENT_KANBAN_RUN_ID=%s", s.RunID),
		fmt.Sprintf("AGENT_KANBAN_TICKET_ID=%s", s.TicketID),
		fmt.Sprintf("AGENT_KANBAN_AGENT_TYPE=%s", s.Agent),
	)
	if s.RepoPath != "" {
		env = append(env, fmt.Sprintf("AGENT_KANBAN_REPO_PATH=%s", s.RepoPath))
	}
	if s.APIURL != "" {
		env = append(env, fmt.Sprintf("AGENT_KANBAN_API_URL=%s", s.APIURL))
	}
	if s.APIToken != "" {
		env = append(env, fmt.Sprintf("AGENT_KANBAN_API_TOKEN=%s", s.APIToken))
	}
	env = append(env, s.Kind.Env...)
	return env
}
