package runloop

import (
	"context"
	"sync"
)

// CancelToken is a cooperative cancellation primitive forming a tree rooted
// at a run. Children cancel when their parent cancels; cancellation never
// propagates upward. It layers parent/child fan-out on top of the same
// broadcast-close idiom context.Context uses, so children observe
// cancellation instantly without polling.
type CancelToken struct {
	mu       sync.Mutex
	done     chan struct{}
	canceled bool
	children []*CancelToken
}

// NewCancelToken returns a new root token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Child returns a new token that cancels whenever t cancels, in addition to
// being cancellable independently.
func (t *CancelToken) Child() *CancelToken {
	child := NewCancelToken()

	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		child.Cancel()
		return child
	}
	t.children = append(t.children, child)
	t.mu.Unlock()

	return child
}

// Cancel marks the token canceled and cascades to every child. Safe to call
// more than once; only the first call has effect.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return
	}
	t.canceled = true
	children := t.children
	t.children = nil
	close(t.done)
	t.mu.Unlock()

	for _, c := range children {
		c.Cancel()
	}
}

// Canceled reports whether the token has been canceled.
func (t *CancelToken) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Done returns a channel that closes when the token is canceled, for use in
// select statements alongside other suspension points.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// WithContext derives a context.Context that is canceled either when parent
// is canceled (normal Go context propagation) or when t cancels, whichever
// happens first. It gives collaborators that only understand context.Context
// (vendor SDK clients, notably) a way to honor the cancel-token tree without
// the token type leaking into their API.
func (t *CancelToken) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		once.Do(func() { close(stop) })
		cancel()
	}
}
