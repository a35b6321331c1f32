package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/listing-scraper/internal/models"
)

const heartbeatInterval = 15 * time.Second

// Subscriber hands out progress streams. *events.Broker implements it.
type Subscriber interface {
	Subscribe(sessionID string) (events <-chan models.ProgressEvent, cancel func(), ok bool)
}

// StreamProgress streams progress snapshots of one session as server-sent events
// until the client disconnects.
func (h *Handlers) StreamProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if h.progress == nil {
		h.respondError(w, http.StatusNotImplemented, "progress stream disabled")
		return
	}
	if _, err := h.sessions.Status(sessionID); err != nil {
		h.respondSessionError(w, err)
		return
	}

	events, cancel, ok := h.progress.Subscribe(sessionID)
	if !ok {
		h.respondError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	if err := rc.Flush(); err != nil {
		h.logger.Debug("streaming unsupported", "error", err)
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, event); err != nil {
				h.logger.Debug("progress write failed", "session_id", sessionID, "error", err)
				return
			}
			if event.Status.IsTerminal() {
				_ = rc.Flush()
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, event models.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
