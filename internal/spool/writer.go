package spool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// Payload carries an event body: the raw line as seen by the hook plus an
// optional structured form.
type Payload struct {
	Raw        string          `json:"raw,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// HookEvent is the wire form of one spooled event file.
type HookEvent struct {
	RunID     string    `json:"runId"`
	TicketID  string    `json:"ticketId,omitempty"`
	AgentType string    `json:"agentType,omitempty"`
	EventType string    `json:"eventType"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteEvent spools one event to dir. The write is atomic so the ingester
// never observes a half-written file.
func WriteEvent(dir string, e HookEvent) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", e.Timestamp.UnixNano(), uuid.New().String())
	path := filepath.Join(dir, name)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}
	return path, nil
}
