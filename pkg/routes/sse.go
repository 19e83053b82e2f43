package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// sseHeartbeat keeps idle event streams alive through proxies.
const sseHeartbeat = 30 * time.Second

// eventsSSE multiplexes every engine stream onto one server-sent-events
// connection. Each event is named after its stream and carries a JSON
// body.
func (rt *Router) eventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	e := rt.engine
	messages := e.Messages.Subscribe()
	defer e.Messages.Unsubscribe(messages)
	directed := e.Directed.Subscribe()
	defer e.Directed.Unsubscribe(directed)
	peers := e.PeerEvents.Subscribe()
	defer e.PeerEvents.Unsubscribe(peers)
	codes := e.FriendCodes.Subscribe()
	defer e.FriendCodes.Unsubscribe(codes)
	requests := e.FriendRequests.Subscribe()
	defer e.FriendRequests.Unsubscribe(requests)
	diags := e.Diagnostics.Subscribe()
	defer e.Diagnostics.Unsubscribe(diags)
	errs := e.Errors.Subscribe()
	defer e.Errors.Unsubscribe(errs)
	status := e.StatusEvents.Subscribe()
	defer e.StatusEvents.Unsubscribe(status)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Error("marshal SSE event failed", "event", event, "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		ok := true
		select {
		case <-ctx.Done():
			return
		case v := <-messages:
			ok = send("message", v)
		case v := <-directed:
			ok = send("directed", v)
		case v := <-peers:
			ok = send("peer", v)
		case v := <-codes:
			ok = send("friend_code", v)
		case v := <-requests:
			ok = send("friend_request", v)
		case v := <-diags:
			ok = send("diagnostic", v)
		case v := <-errs:
			ok = send("error", v)
		case v := <-status:
			ok = send("status", v)
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
		if !ok {
			return
		}
	}
}
