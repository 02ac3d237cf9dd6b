package coordinator

import (
	"context"
	"errors"
	"sync"
)

// Run handle states.
const (
	RunRunning    = "running"
	RunPaused     = "paused"
	RunCancelling = "cancelling"
)

// ErrNoActiveRun is returned for control operations on an id without a run.
var ErrNoActiveRun = errors.New("coordinator: no active run")

// ErrRunActive is returned when starting a run for an id that already has one.
var ErrRunActive = errors.New("coordinator: run already active")

// ErrRunState is returned when pausing a run that is not running or resuming
// one that is not paused.
var ErrRunState = errors.New("coordinator: run is not in a state for that operation")

// Handle controls one in-flight run.
type Handle struct {
	mu       sync.Mutex
	status   string
	resume   chan struct{} // closed while not paused
	cancel   context.CancelFunc
	messages []string
}

func newHandle(cancel context.CancelFunc) *Handle {
	resume := make(chan struct{})
	close(resume)
	return &Handle{status: RunRunning, resume: resume, cancel: cancel}
}

// Status returns running, paused or cancelling.
func (h *Handle) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != RunRunning {
		return false
	}
	h.status = RunPaused
	h.resume = make(chan struct{})
	return true
}

func (h *Handle) unpause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != RunPaused {
		return false
	}
	h.status = RunRunning
	close(h.resume)
	return true
}

func (h *Handle) stop() {
	h.mu.Lock()
	if h.status == RunPaused {
		close(h.resume)
	}
	h.status = RunCancelling
	h.mu.Unlock()
	h.cancel()
}

// wait blocks while the run is paused.
func (h *Handle) wait(ctx context.Context) error {
	h.mu.Lock()
	ch := h.resume
	h.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) push(msg string) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
}

// drain returns and clears pending operator messages.
func (h *Handle) drain() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.messages
	h.messages = nil
	return out
}

// Registry maps investigation ids to their in-flight run handles.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Handle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Handle)}
}

// register adds a handle for id, failing if one exists.
func (r *Registry) register(id string, cancel context.CancelFunc) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return nil, ErrRunActive
	}
	h := newHandle(cancel)
	r.runs[id] = h
	return h, nil
}

func (r *Registry) remove(id string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[id] == h {
		delete(r.runs, id)
	}
}

// Get returns the handle for id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[id]
	return h, ok
}

// Active is the number of in-flight runs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Pause holds new analyzer launches and progress writes for id.
func (r *Registry) Pause(id string) error {
	h, ok := r.Get(id)
	if !ok {
		return ErrNoActiveRun
	}
	if !h.pause() {
		return ErrRunState
	}
	return nil
}

// Resume releases a paused run.
func (r *Registry) Resume(id string) error {
	h, ok := r.Get(id)
	if !ok {
		return ErrNoActiveRun
	}
	if !h.unpause() {
		return ErrRunState
	}
	return nil
}

// Cancel signals the local run for id. It reports whether a run was found.
func (r *Registry) Cancel(id string) bool {
	h, ok := r.Get(id)
	if !ok {
		return false
	}
	h.stop()
	return true
}

// Message queues an operator message for id.
func (r *Registry) Message(id, msg string) error {
	h, ok := r.Get(id)
	if !ok {
		return ErrNoActiveRun
	}
	h.push(msg)
	return nil
}
