package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandboxd/internal/manager"
)

// handleStreamOutput streams command output lines of a context as
// server-sent events until the context is deleted or the client leaves.
// Each line is sent as an event named after its stream with a JSON payload.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	ch, unsub, err := s.manager.SubscribeOutput(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, "stream output", err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "context deleted")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSELine(w, line); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSELine writes one output line as an event named after its stream.
func writeSSELine(w http.ResponseWriter, line manager.OutputLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, line.Stream, string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
