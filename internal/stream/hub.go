// Package stream provides an in-process fan-out broadcaster for run events.
// The hub holds no durable state; it layers live delivery on top of the
// persisted event log. Clients replay the log first, then subscribe, and
// deduplicate by event id across the boundary.
package stream

import (
	"log/slog"
	"sync"

	"github.com/kalambet/fathom/internal/storage"
)

// softListenerLimit is an advisory high-watermark per run. Exceeding it
// logs a warning but never rejects the subscriber.
const softListenerLimit = 64

// Handler receives one published event. It is invoked synchronously from
// Publish and must not block.
type Handler func(storage.RunEvent)

// Hub is a per-run observer registry. The zero value is not usable; call New.
// Hubs are injectable so tests can run isolated instances in parallel.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler // runID -> subscriber id -> handler
	logger *slog.Logger
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{
		subs:   make(map[string]map[int]Handler),
		logger: slog.Default(),
	}
}

// Subscribe registers a handler for the run's live events and returns a
// detach function. The detach function is idempotent.
func (h *Hub) Subscribe(runID string, fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[int]Handler)
	}
	h.subs[runID][id] = fn

	if n := len(h.subs[runID]); n > softListenerLimit {
		h.logger.Warn("run has unusually many live subscribers", "run_id", runID, "count", n)
	}

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[runID], id)
		if len(h.subs[runID]) == 0 {
			delete(h.subs, runID)
		}
	}
}

// Publish delivers the event synchronously to every current subscriber of
// its run. Subscribers that attach later must replay the persisted log.
func (h *Hub) Publish(ev storage.RunEvent) {
	h.mu.Lock()
	handlers := make([]Handler, 0, len(h.subs[ev.RunID]))
	for _, fn := range h.subs[ev.RunID] {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Subscribers returns the current live listener count for a run.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}
