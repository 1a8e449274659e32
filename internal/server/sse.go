package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"orderdash/internal/engine"
	"orderdash/internal/monitor"
)

var sseHeartbeatInterval = 15 * time.Second

type sseMessage struct {
	id    string
	event string
	data  any
}

// stream subscribes for the lifetime of r and writes every message as a
// server-sent event. subscribe must return the unsubscribe function.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, subscribe func(push func(sseMessage)) func()) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	msgs := make(chan sseMessage, 16)
	unsubscribe := subscribe(func(m sseMessage) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case m := <-msgs:
			data, err := json.Marshal(m.data)
			if err != nil {
				s.logger.Error().Err(err).Str("event", m.event).Msg("Failed to marshal SSE message.")
				continue
			}
			if m.id != "" {
				fmt.Fprintf(w, "id: %s\n", m.id)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.event, data)
			flusher.Flush()
		}
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(push func(sseMessage)) func() {
		return s.deps.Notifier.Subscribe(func(ev engine.Event) {
			push(sseMessage{id: ev.ID, event: string(ev.Type), data: ev})
		})
	})
}

func (s *Server) serveConnection(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(push func(sseMessage)) func() {
		return s.deps.Monitor.Subscribe(func(st monitor.Status) {
			push(sseMessage{event: "status", data: st})
		})
	})
}
