package runloop

import (
	"context"
	"testing"
)

func TestCancelToken_CancelIsIdempotent(t *testing.T) {
	tok := NewCancelToken()
	tok.Cancel()
	tok.Cancel()

	if !tok.Canceled() {
		t.Fatal("expected token to be canceled")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
}

func TestCancelToken_ChildCancelsWithParent(t *testing.T) {
	parent := NewCancelToken()
	child := parent.Child()

	if child.Canceled() {
		t.Fatal("child should not start canceled")
	}

	parent.Cancel()

	if !child.Canceled() {
		t.Fatal("child should be canceled once parent cancels")
	}
}

func TestCancelToken_ChildCreatedAfterParentCanceled(t *testing.T) {
	parent := NewCancelToken()
	parent.Cancel()

	child := parent.Child()
	if !child.Canceled() {
		t.Fatal("child created after parent cancellation should start canceled")
	}
}

func TestCancelToken_ParentUnaffectedByChildCancel(t *testing.T) {
	parent := NewCancelToken()
	child := parent.Child()

	child.Cancel()

	if parent.Canceled() {
		t.Fatal("cancellation must not propagate upward")
	}
}

func TestCancelToken_GrandchildCancelsTransitively(t *testing.T) {
	root := NewCancelToken()
	mid := root.Child()
	leaf := mid.Child()

	root.Cancel()

	if !mid.Canceled() || !leaf.Canceled() {
		t.Fatal("cancellation must cascade through multiple generations")
	}
}

func TestCancelToken_WithContextCancelsOnTokenCancel(t *testing.T) {
	tok := NewCancelToken()
	ctx, stop := tok.WithContext(context.Background())
	defer stop()

	tok.Cancel()

	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatal("expected derived context to be canceled once the token cancels")
	}
}

func TestCancelToken_WithContextCancelsOnParentDone(t *testing.T) {
	tok := NewCancelToken()
	parent, parentCancel := context.WithCancel(context.Background())

	ctx, stop := tok.WithContext(parent)
	defer stop()

	parentCancel()

	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatal("expected derived context to be canceled once the parent context cancels")
	}
	if tok.Canceled() {
		t.Fatal("parent context cancellation must not cancel the token itself")
	}
}

func TestCancelToken_WithContextStopIsIdempotentAndLeavesTokenAlone(t *testing.T) {
	tok := NewCancelToken()
	ctx, stop := tok.WithContext(context.Background())

	stop()
	stop()

	if ctx.Err() == nil {
		t.Fatal("expected derived context to be canceled after stop")
	}
	if tok.Canceled() {
		t.Fatal("stop must not cancel the token")
	}
}
