package webmonitor

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kumakita/aitrios-monitor/internal/logger"
)

// wantsProtobuf reports whether the client asked for protobuf payloads.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func writeSSE(w http.ResponseWriter, event *SerializedEvent, useProtobuf bool) error {
	data := event.JSONData
	if useProtobuf {
		data = event.ProtobufData
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, data)
	return err
}

// streamEvents writes the initial event, then forwards pre-serialized
// events until the client disconnects or the channel is closed.
func streamEvents(w http.ResponseWriter, r *http.Request, initial *SerializedEvent, eventCh <-chan *SerializedEvent, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := wantsProtobuf(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	if initial != nil {
		if err := writeSSE(w, initial, useProtobuf); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := writeSSE(w, event, useProtobuf); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
