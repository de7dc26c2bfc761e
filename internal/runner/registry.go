// Package runner executes research runs as cancellable background tasks.
// The registry tracks in-flight runs within the process; the executor
// advances a run through its stages, persisting events and status as it goes.
package runner

import "sync"

// Handle is the in-process cancellation signal for one active run. It is a
// liveness optimization only; durable cancellation intent lives in the run's
// cancel_requested column.
type Handle struct {
	done chan struct{}
	once sync.Once
}

// Cancel signals the handle. Safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

// Done returns a channel closed when cancellation has been requested.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancelled reports whether the handle has been signaled.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Registry maps in-flight run ids to their cancellation handles. At most one
// handle exists per run id, which is what prevents duplicate concurrent
// executions of the same run. It is process-local and never persisted;
// initialize one empty instance at process start and inject it.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates a handle for the run. It returns ok=false if a handle
// already exists, in which case the caller must not start a second task.
func (r *Registry) Register(runID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[runID]; exists {
		return nil, false
	}
	h := &Handle{done: make(chan struct{})}
	r.handles[runID] = h
	return h, true
}

// RequestCancel signals the run's handle if one is registered. Returns false
// if no handle exists; the run may already be terminal, or only recoverable
// through the persisted cancellation flag after a restart.
func (r *Registry) RequestCancel(runID string) bool {
	r.mu.Lock()
	h, ok := r.handles[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Unregister removes the run's handle. Called on every task exit path.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, runID)
}

// Active reports whether the run currently has a registered handle.
func (r *Registry) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[runID]
	return ok
}
