package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fathom/internal/storage"
)

const keepaliveInterval = 30 * time.Second

func handleListEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetRun(id); err != nil {
			storeError(w, err, "run")
			return
		}

		after := int64(parseIntParam(r, "after", 0, 0))
		events, err := deps.Store.ListEvents(id, after)
		if err != nil {
			storeError(w, err, "events")
			return
		}
		if events == nil {
			events = []storage.RunEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// handleStreamEvents serves the live event stream over SSE. It subscribes to
// the hub first, then replays the persisted backlog after the client's
// cursor, then tails live events. Buffered live events that were also caught
// by the replay are dropped by sequence number, so a client sees each event
// exactly once and in order.
func handleStreamEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetRun(id); err != nil {
			storeError(w, err, "run")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		after := int64(parseIntParam(r, "after", 0, 0))

		// Subscribe before replaying so nothing published during the replay
		// is missed. The channel is buffered; the hub handler must not block.
		live := make(chan storage.RunEvent, 256)
		unsubscribe := deps.Hub.Subscribe(id, func(ev storage.RunEvent) {
			select {
			case live <- ev:
			default:
				// Slow consumer; it will re-sync from the persisted log on
				// its next connection.
			}
		})
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		backlog, err := deps.Store.ListEvents(id, after)
		if err != nil {
			writeSSE(w, "error", map[string]string{"message": "reading event log"})
			flusher.Flush()
			return
		}

		lastSeq := after
		for _, ev := range backlog {
			writeSSEEvent(w, ev)
			lastSeq = ev.Seq
		}
		flusher.Flush()

		// The run may have finalized while the backlog was read; without this
		// re-check the final event would land in the replay, no further live
		// event would arrive, and the stream would idle on keepalives.
		run, err := deps.Store.GetRun(id)
		if err != nil {
			writeSSE(w, "error", map[string]string{"message": "reading run"})
			flusher.Flush()
			return
		}
		if run.Status.Terminal() {
			for draining := true; draining; {
				select {
				case ev := <-live:
					if ev.Seq > lastSeq {
						writeSSEEvent(w, ev)
						lastSeq = ev.Seq
					}
				default:
					draining = false
				}
			}
			writeSSE(w, "done", map[string]any{"status": run.Status, "error": run.ErrorText})
			flusher.Flush()
			return
		}

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case ev := <-live:
				if ev.Seq <= lastSeq {
					continue // already delivered during replay
				}
				writeSSEEvent(w, ev)
				lastSeq = ev.Seq
				flusher.Flush()

				current, err := deps.Store.GetRun(id)
				if err == nil && current.Status.Terminal() && len(live) == 0 {
					writeSSE(w, "done", map[string]any{"status": current.Status, "error": current.ErrorText})
					flusher.Flush()
					return
				}
			case <-ticker.C:
				fmt.Fprint(w, "event: ping\ndata: {}\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev storage.RunEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: event\ndata: %s\n\n", ev.Seq, data)
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
