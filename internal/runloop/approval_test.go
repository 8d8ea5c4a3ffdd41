package runloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestApprovalChecker_ModeNeverAlwaysAccepts(t *testing.T) {
	policy := ApprovalPolicy{Mode: ModeNever}
	checker := NewApprovalChecker(policy, nil)

	decision, err := checker.Check(context.Background(), "exec", "tc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionAccept {
		t.Errorf("decision = %v, want %v", decision, DecisionAccept)
	}
}

func TestApprovalChecker_DenylistWinsOverAllowlist(t *testing.T) {
	policy := ApprovalPolicy{
		Mode:      ModeAsk,
		Allowlist: []string{"exec"},
		Denylist:  []string{"exec"},
	}
	checker := NewApprovalChecker(policy, nil)

	decision, err := checker.Check(context.Background(), "exec", "tc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionDecline {
		t.Errorf("decision = %v, want %v", decision, DecisionDecline)
	}
}

func TestApprovalChecker_SafeBinsAutoAccept(t *testing.T) {
	policy := DefaultApprovalPolicy()
	checker := NewApprovalChecker(policy, nil)

	decision, err := checker.Check(context.Background(), "grep", "tc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionAccept {
		t.Errorf("decision = %v, want %v", decision, DecisionAccept)
	}
}

func TestApprovalChecker_AskInvokesChannel(t *testing.T) {
	called := false
	approve := func(ctx context.Context, req ApprovalRequest) (Decision, error) {
		called = true
		if req.ToolName != "write" {
			t.Errorf("req.ToolName = %q, want write", req.ToolName)
		}
		return DecisionDecline, nil
	}
	policy := ApprovalPolicy{Mode: ModeAsk}
	checker := NewApprovalChecker(policy, approve)

	decision, err := checker.Check(context.Background(), "write", "tc-1", json.RawMessage(`{"path":"a"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected approval channel to be invoked")
	}
	if decision != DecisionDecline {
		t.Errorf("decision = %v, want %v", decision, DecisionDecline)
	}
}

func TestApprovalChecker_NoChannelConfiguredDeclines(t *testing.T) {
	policy := ApprovalPolicy{Mode: ModeAsk}
	checker := NewApprovalChecker(policy, nil)

	decision, err := checker.Check(context.Background(), "write", "tc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionDecline {
		t.Errorf("decision = %v, want %v", decision, DecisionDecline)
	}
}

func TestApprovalChecker_AcceptForSessionMemoizes(t *testing.T) {
	calls := 0
	approve := func(ctx context.Context, req ApprovalRequest) (Decision, error) {
		calls++
		return DecisionAcceptForSession, nil
	}
	policy := ApprovalPolicy{Mode: ModeAsk}
	checker := NewApprovalChecker(policy, approve)

	args := json.RawMessage(`{"cmd":"ls"}`)
	first, err := checker.Check(context.Background(), "exec", "tc-1", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != DecisionAccept {
		t.Errorf("first decision = %v, want %v", first, DecisionAccept)
	}

	second, err := checker.Check(context.Background(), "exec", "tc-2", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != DecisionAccept {
		t.Errorf("second decision = %v, want %v", second, DecisionAccept)
	}
	if calls != 1 {
		t.Errorf("approval channel invoked %d times, want 1 (second call should be memoized)", calls)
	}
}

func TestApprovalChecker_DifferentArgsDoNotShareMemo(t *testing.T) {
	calls := 0
	approve := func(ctx context.Context, req ApprovalRequest) (Decision, error) {
		calls++
		return DecisionAcceptForSession, nil
	}
	policy := ApprovalPolicy{Mode: ModeAsk}
	checker := NewApprovalChecker(policy, approve)

	checker.Check(context.Background(), "exec", "tc-1", json.RawMessage(`{"cmd":"ls"}`))
	checker.Check(context.Background(), "exec", "tc-2", json.RawMessage(`{"cmd":"rm"}`))

	if calls != 2 {
		t.Errorf("approval channel invoked %d times, want 2 (different signatures)", calls)
	}
}

func TestApprovalChecker_CancelPropagates(t *testing.T) {
	approve := func(ctx context.Context, req ApprovalRequest) (Decision, error) {
		return DecisionCancel, nil
	}
	checker := NewApprovalChecker(ApprovalPolicy{Mode: ModeAsk}, approve)

	decision, err := checker.Check(context.Background(), "write", "tc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionCancel {
		t.Errorf("decision = %v, want %v", decision, DecisionCancel)
	}
}

func TestApprovalChecker_ChannelErrorDeclines(t *testing.T) {
	boom := errors.New("boom")
	approve := func(ctx context.Context, req ApprovalRequest) (Decision, error) {
		return "", boom
	}
	checker := NewApprovalChecker(ApprovalPolicy{Mode: ModeAsk}, approve)

	decision, err := checker.Check(context.Background(), "write", "tc-1", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if decision != DecisionDecline {
		t.Errorf("decision = %v, want %v", decision, DecisionDecline)
	}
}

func TestApprovalChecker_ExpiredRequestResolvesToDecline(t *testing.T) {
	unblock := make(chan struct{})
	approve := func(ctx context.Context, req ApprovalRequest) (Decision, error) {
		<-unblock // never answers before the request's TTL elapses
		return DecisionAccept, nil
	}
	policy := ApprovalPolicy{Mode: ModeAsk, RequestTTL: 10 * time.Millisecond}
	checker := NewApprovalChecker(policy, approve)
	defer close(unblock)

	decision, err := checker.Check(context.Background(), "write", "tc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionDecline {
		t.Errorf("decision = %v, want %v for a stale request", decision, DecisionDecline)
	}

	pending, err := checker.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("ListPending = %+v, want empty: the expired request must not be reported as actionable", pending)
	}
}

func TestApprovalChecker_ListPendingReportsUnresolvedRequests(t *testing.T) {
	release := make(chan Decision, 1)
	approve := func(ctx context.Context, req ApprovalRequest) (Decision, error) {
		return <-release, nil
	}
	policy := ApprovalPolicy{Mode: ModeAsk, RequestTTL: time.Minute}
	checker := NewApprovalChecker(policy, approve)

	done := make(chan struct{})
	go func() {
		checker.Check(context.Background(), "write", "tc-1", nil)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		pending, err := checker.ListPending(context.Background())
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(pending) == 1 {
			if pending[0].ToolCallID != "tc-1" || pending[0].Decision != DecisionPending {
				t.Errorf("pending[0] = %+v, want ToolCallID=tc-1 Decision=pending", pending[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the in-flight request to appear as pending")
		default:
		}
	}

	release <- DecisionAccept
	<-done

	pending, err := checker.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("ListPending = %+v, want empty once resolved", pending)
	}
}

func TestApprovalChecker_PruneRemovesOldRequestsRegardlessOfDecision(t *testing.T) {
	store := NewMemoryApprovalStore()
	store.Create(context.Background(), &ApprovalRequest{
		ID:        "old",
		Decision:  DecisionAccept,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	store.Create(context.Background(), &ApprovalRequest{
		ID:        "recent",
		Decision:  DecisionPending,
		CreatedAt: time.Now(),
	})

	n, err := store.Prune(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if got, _ := store.Get(context.Background(), "old"); got != nil {
		t.Error("expected old request to be pruned")
	}
	if got, _ := store.Get(context.Background(), "recent"); got == nil {
		t.Error("expected recent request to survive pruning")
	}
}

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		tool string
		kind ApprovalKind
	}{
		{"exec", KindCommandExecution},
		{"write", KindFileChange},
		{"read", KindOther},
	}
	for _, tt := range tests {
		if got := classifyKind(tt.tool); got != tt.kind {
			t.Errorf("classifyKind(%q) = %v, want %v", tt.tool, got, tt.kind)
		}
	}
}
