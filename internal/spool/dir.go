// Package spool implements the crash-tolerant event spool. Hook scripts
// write one JSON file per event when the control plane is unreachable; the
// ingester drains the directory into the store.
package spool

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultDir returns the platform spool directory. AGENT_KANBAN_SPOOL_DIR
// overrides it.
func DefaultDir() string {
	if dir := os.Getenv("AGENT_KANBAN_SPOOL_DIR"); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "agent-kanban", "spool")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "agent-kanban", "spool")
		}
		return filepath.Join(home, "AppData", "Roaming", "agent-kanban", "spool")
	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "agent-kanban", "spool")
		}
		return filepath.Join(home, ".local", "share", "agent-kanban", "spool")
	}
}
