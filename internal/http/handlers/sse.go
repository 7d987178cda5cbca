package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// streamEvents writes each value from events as a server-sent event named
// name, with periodic comment heartbeats. It returns after writing a value for
// which final reports true, or when the client disconnects.
func streamEvents[T any](a *App, w http.ResponseWriter, r *http.Request, name string, events <-chan T, final func(T) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	interval := a.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	ctx := r.Context()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case v := <-events:
			raw, err := json.Marshal(v)
			if err != nil {
				a.Logger.Warn().Err(err).Str("event", name).Msg("sse: marshal failed")
				continue
			}
			seq++
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, name, raw)
			flusher.Flush()
			if final(v) {
				return
			}
		}
	}
}
