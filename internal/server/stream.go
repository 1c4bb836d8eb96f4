package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"grace/internal/api"
	"grace/pkg/logging"
)

// streamBuffer is the per-client event buffer; a client that cannot
// keep up loses events rather than stalling the bus.
const streamBuffer = 64

// handleEventStream serves the bus as server-sent events. Optional
// type and source query parameters filter the stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	eb := api.GetEventBus()
	if eb == nil {
		writeError(w, api.NewUnavailableError("event bus", nil))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, api.NewConfigError("stream", "response writer does not support flushing"))
		return
	}

	filter := api.EventFilter{
		TypePrefix: r.URL.Query().Get("type"),
		Source:     r.URL.Query().Get("source"),
	}

	events := make(chan api.Event, streamBuffer)
	subID, err := eb.Subscribe("sse-"+r.RemoteAddr, filter, api.BestEffort, func(ev api.Event) {
		select {
		case events <- ev:
		default:
			// Slow client: drop rather than block delivery.
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer eb.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Debug("Server", "encoding event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
