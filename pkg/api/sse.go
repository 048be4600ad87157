package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/types"
)

// sseHeartbeat keeps intermediaries from reaping quiet streams.
const sseHeartbeat = 30 * time.Second

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

type eventPayload struct {
	Type      string            `json:"type"`
	TaskID    string            `json:"task_id"`
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

func writeSSEEvent(w io.Writer, event *types.Event) {
	payload, err := json.Marshal(eventPayload{
		Type:      string(event.Type),
		TaskID:    event.TaskID,
		Seq:       event.Seq,
		Timestamp: event.Timestamp,
		Message:   event.Message,
		Data:      event.Data,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
}

// streamEvents serves a subscription as SSE: replayed events first,
// then live ones, with comment heartbeats in between. It returns when
// the stream closes or the client goes away. A disconnect only drops
// the subscription, never the task.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sub *events.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.Internalf("response writer does not support streaming"))
		return
	}
	defer s.deps.Broker.Unsubscribe(sub)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-sub.C:
			if !open {
				return
			}
			writeSSEEvent(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
