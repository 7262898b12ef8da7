package spool

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/kanban"
)

// DefaultInterval is the ingester's periodic scan cadence. Filesystem
// notifications drain files sooner; the tick is the crash-safe backstop.
const DefaultInterval = 30 * time.Second

// Ingester drains spooled event files into the store. A file is deleted
// only after its event is persisted, so a crash mid-scan loses nothing.
type Ingester struct {
	dir      string
	store    *db.Store
	bus      *events.Broadcaster
	logger   *slog.Logger
	interval time.Duration
}

// NewIngester creates an ingester for dir. A zero interval falls back to
// DefaultInterval.
func NewIngester(dir string, store *db.Store, bus *events.Broadcaster, logger *slog.Logger, interval time.Duration) *Ingester {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{dir: dir, store: store, bus: bus, logger: logger, interval: interval}
}

// Run scans the spool until the context is cancelled. One scan happens
// immediately at startup to drain events spooled while the server was down.
func (in *Ingester) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.logger.Warn("spool watcher unavailable, falling back to polling", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(in.dir); err != nil {
			in.logger.Warn("failed to watch spool dir", "dir", in.dir, "error", err)
			watcher.Close()
			watcher = nil
		}
	}

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	in.logger.Info("spool ingester started", "dir", in.dir, "interval", in.interval)
	in.ScanOnce()

	var notify <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		notify = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("spool ingester stopped")
			return nil
		case <-ticker.C:
			in.ScanOnce()
		case ev := <-notify:
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				// Give the writer's rename a moment to settle.
				time.Sleep(50 * time.Millisecond)
				in.ScanOnce()
			}
		case err := <-watchErrs:
			in.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// ScanOnce drains every well-formed spool file present right now.
func (in *Ingester) ScanOnce() {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Error("failed to read spool dir", "dir", in.dir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		in.ingestFile(filepath.Join(in.dir, entry.Name()))
	}
}

func (in *Ingester) ingestFile(path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to the spool dir
	if err != nil {
		in.logger.Warn("failed to read spool file", "file", path, "error", err)
		return
	}

	var hook HookEvent
	if err := json.Unmarshal(data, &hook); err != nil {
		in.logger.Warn("skipping malformed spool file", "file", path, "error", err)
		return
	}
	if hook.RunID == "" || hook.EventType == "" {
		in.logger.Warn("skipping spool file with missing fields",
			"file", path, "run_id", hook.RunID, "event_type", hook.EventType)
		return
	}

	event := &kanban.Event{
		RunID:      hook.RunID,
		TicketID:   hook.TicketID,
		Type:       hook.EventType,
		RawPayload: hook.Payload.Raw,
		Structured: hook.Payload.Structured,
		CreatedAt:  hook.Timestamp,
	}
	if err := in.store.AppendEvent(event); err != nil {
		in.logger.Warn("failed to persist spooled event, will retry",
			"file", path, "run_id", hook.RunID, "error", err)
		return
	}

	// Persisted; only now is the file safe to drop.
	if err := os.Remove(path); err != nil {
		in.logger.Warn("failed to remove ingested spool file", "file", path, "error", err)
	}

	in.bus.Publish(events.Event{
		Type:     events.TypeEventReceived,
		TicketID: event.TicketID,
		RunID:    event.RunID,
		Payload:  event,
	})
}
