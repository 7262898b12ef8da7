// Package events fans out service events to in-process subscribers. The web
// layer bridges subscriptions onto SSE streams.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeTicketCreated  = "ticket_created"
	TypeTicketUpdated  = "ticket_updated"
	TypeTicketMoved    = "ticket_moved"
	TypeTicketDeleted  = "ticket_deleted"
	TypeTicketLocked   = "ticket_locked"
	TypeTicketUnlocked = "ticket_unlocked"
	TypeRunStarted     = "run_started"
	TypeRunUpdated     = "run_updated"
	TypeRunCompleted   = "run_completed"
	TypeRunLog         = "run_log"
	TypeCommentAdded   = "comment_added"
	TypeEventReceived  = "event_received"
	TypeWorkerStarted  = "worker_started"
	TypeWorkerStopped  = "worker_stopped"
)

// Event is a single bus message. Payload carries the affected entity.
type Event struct {
	Type      string    `json:"type"`
	TicketID  string    `json:"ticketId,omitempty"`
	RunID     string    `json:"runId,omitempty"`
	BoardID   string    `json:"boardId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer is how many events a slow subscriber may fall behind
// before the broadcaster starts dropping its events.
const subscriberBuffer = 256

// Broadcaster is an in-process pub/sub hub. Publish never blocks; events to
// subscribers whose buffers are full are dropped.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]bool
	logger *slog.Logger
	now    func() time.Time
}

// NewBroadcaster creates a broadcaster. A nil logger defaults to slog.Default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[chan Event]bool),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// an unsubscribe function. The unsubscribe function is idempotent.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = true
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps the event and delivers it to every subscriber without
// blocking. Lagging subscribers lose the event.
func (b *Broadcaster) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"type", e.Type, "ticket_id", e.TicketID, "run_id", e.RunID)
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Marshal renders an event as its SSE data payload.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
