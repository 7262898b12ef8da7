// Package agentkanban wires the kanban store, lease manager, agent
// supervisor, and worker pool into one local orchestration service.
package agentkanban

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/internal/spool"
	"github.com/madhatter5501/agent-kanban/internal/supervisor"
	"github.com/madhatter5501/agent-kanban/kanban"
)

// Config holds service configuration.
type Config struct {
	// Host is the listen address. The control plane is loopback-only.
	Host string
	// Port is the HTTP listen port.
	Port int
	// Token authenticates /v1 requests. Empty means generate one at boot.
	Token string
	// APIURL overrides the advertised control-plane URL handed to agent
	// processes, e.g. when the service sits behind a forwarded port. Empty
	// means derive it from Host and Port.
	APIURL string

	// DBPath is the SQLite database file.
	DBPath string
	// SpoolDir receives hook event files when the server is unreachable.
	SpoolDir string

	// Lease is how long a claimed ticket stays reserved without renewal.
	Lease time.Duration
	// AgentTimeout bounds a single agent process run. Zero disables it.
	AgentTimeout time.Duration
	// SpoolInterval is the ingester's scan cadence.
	SpoolInterval time.Duration

	// RepoLocks serializes runs per project repository.
	RepoLocks bool

	// Workers is how many worker loops to start at boot.
	Workers int
	// WorkerAgent is the agent kind boot workers run with.
	WorkerAgent kanban.AgentKind

	// Agents carries the per-kind CLI invocation settings.
	Agents map[kanban.AgentKind]supervisor.KindConfig
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Host:          "127.0.0.1",
		Port:          7432,
		DBPath:        filepath.Join(home, ".agent-kanban", "kanban.db"),
		SpoolDir:      spool.DefaultDir(),
		Lease:         locks.DefaultLease,
		AgentTimeout:  time.Hour,
		SpoolInterval: spool.DefaultInterval,
		RepoLocks:     true,
		Workers:       0,
		WorkerAgent:   kanban.AgentCursor,
		Agents: map[kanban.AgentKind]supervisor.KindConfig{
			kanban.AgentCursor: supervisor.DefaultKindConfig(kanban.AgentCursor),
			kanban.AgentClaude: supervisor.DefaultKindConfig(kanban.AgentClaude),
		},
	}
}

// LoadEnv applies AGENT_KANBAN_* environment overrides on top of the
// config. Flags win over env, so callers apply this before flag values.
func (c *Config) LoadEnv() error {
	if v := os.Getenv("AGENT_KANBAN_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGENT_KANBAN_API_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("AGENT_KANBAN_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("AGENT_KANBAN_API_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("AGENT_KANBAN_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("AGENT_KANBAN_SPOOL_DIR"); v != "" {
		c.SpoolDir = v
	}
	return nil
}

// BaseURL is the control-plane URL handed to agent processes.
func (c Config) BaseURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KindConfig returns the invocation settings for an agent kind, falling
// back to the stock settings.
func (c Config) KindConfig(kind kanban.AgentKind) supervisor.KindConfig {
	if kc, ok := c.Agents[kind]; ok {
		return kc
	}
	return supervisor.DefaultKindConfig(kind)
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken returns a random 32-character API token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}
