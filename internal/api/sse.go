package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/credflow/internal/streaming"
)

// handleSSEExecution streams one execution's events via Server-Sent Events.
// The persisted timeline is replayed first; live events already replayed
// are skipped by sequence.
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if s.deps.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event streaming is not configured"})
		return
	}
	ctx := r.Context()
	executionID := r.PathValue("id")

	// Subscribe before reading history so nothing falls between the two.
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	history, err := s.deps.Engine.Events(ctx, executionID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var last int64
	for _, e := range history {
		writeSSE(w, e.Type, e.Sequence, e)
		last = e.Sequence
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Sequence != 0 && event.Sequence <= last {
				continue
			}
			if event.Sequence > last {
				last = event.Sequence
			}
			writeSSE(w, event.EventType, event.Sequence, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventType string, seq int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}
