package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/pkg/httputil"
)

const heartbeatInterval = 30 * time.Second

// StreamHandler relays broker events to dashboard observers over Server-Sent Events.
type StreamHandler struct {
	broker Broker
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(broker Broker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP streams events until the client disconnects. The optional
// incident_id query parameter filters the stream to one incident.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel, err := h.broker.Subscribe(r.Context())
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to subscribe to broadcast", "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "live stream unavailable")
		return
	}
	defer cancel()

	filter := r.URL.Query().Get("incident_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && event.IncidentID != filter {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
