package runloop

import (
	"context"
	"sync"
)

// Runner admits RunRequests and yields a RunHandle per run (§2 component 7).
// A Runner is safe for concurrent use: multiple runs execute in parallel and
// share no mutable state beyond the provider and environment snapshot handed
// to each one at admission.
type Runner struct {
	Provider ModelProvider
	Env      map[string]string
}

// NewRunner builds a Runner bound to a single ModelProvider. Most callers
// register one Runner per provider/transport family.
func NewRunner(provider ModelProvider) *Runner {
	return &Runner{Provider: provider}
}

// RunHandle represents one admitted, in-flight (or completed) run. Wait
// blocks until the run reaches a terminal status; Abort requests
// cancellation and returns promptly.
type RunHandle struct {
	state *RunState

	mu     sync.Mutex
	done   chan struct{}
	result RunResult
}

// Start admits a RunRequest and begins driving it on a new goroutine,
// returning immediately with a handle. parent, if non-nil, makes the run's
// cancel token a child of an outer token (e.g. the Agent Runtime's).
// configure, if given, lets a caller (notably the Agent Runtime wrapper)
// wire RunState's iteration-boundary/follow-up/dispatch hooks before the
// run starts.
func (r *Runner) Start(ctx context.Context, request RunRequest, parent *CancelToken, configure ...func(*RunState)) (*RunHandle, error) {
	state, err := NewRunState(request, r.Provider, r.Env, parent)
	if err != nil {
		return nil, err
	}
	for _, c := range configure {
		c(state)
	}

	handle := &RunHandle{state: state, done: make(chan struct{})}
	go func() {
		result := state.Run(ctx)
		handle.mu.Lock()
		handle.result = result
		handle.mu.Unlock()
		close(handle.done)
	}()

	return handle, nil
}

// Wait blocks until the run reaches a terminal status and returns its result.
func (h *RunHandle) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Abort cancels the run's root cancel token. Returns true when this call
// newly requested cancellation, false if the run was already canceled.
func (h *RunHandle) Abort() bool {
	if h.state.root.Canceled() {
		return false
	}
	h.state.Cancel()
	return true
}

// ID returns the run's identifier.
func (h *RunHandle) ID() string { return h.state.ID() }

// Progress exposes the run's live turn index, message count, and streaming
// flag, safe to poll from outside the driver goroutine (used by the Agent
// Runtime wrapper's Snapshot/WatchSnapshot).
func (h *RunHandle) Progress() (turnIndex, messageCount int, streaming bool) {
	return h.state.Progress()
}

// State exposes the underlying RunState so a caller that needs to wire
// iteration-boundary hooks before the run starts (the Agent Runtime
// wrapper) can reach it; ordinary callers should not need this.
func (h *RunHandle) State() *RunState { return h.state }

// Done returns a channel that closes once the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.done }
