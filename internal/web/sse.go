package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/madhatter5501/agent-kanban/internal/events"
)

// pingInterval is the SSE keep-alive comment cadence.
const pingInterval = 30 * time.Second

// handleStream emits every broadcast event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, nil)
}

// handleStreamFiltered applies conjunctive filters: an event passes when its
// type is in ?types (if given) and matches ?ticketId and ?runId (if given).
func (s *Server) handleStreamFiltered(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var types map[string]bool
	if raw := q.Get("types"); raw != "" {
		types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			types[strings.TrimSpace(t)] = true
		}
	}
	ticketID := q.Get("ticketId")
	runID := q.Get("runId")

	s.stream(w, r, func(e events.Event) bool {
		if types != nil && !types[e.Type] {
			return false
		}
		if ticketID != "" && e.TicketID != ticketID {
			return false
		}
		if runID != "" && e.RunID != runID {
			return false
		}
		return true
	})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, match func(events.Event) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, http.StatusInternalServerError, CodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if match != nil && !match(event) {
				continue
			}
			data, err := event.Marshal()
			if err != nil {
				s.logger.Warn("failed to encode stream event", "type", event.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
