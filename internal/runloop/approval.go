package runloop

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of an approval check for a tool call.
type Decision string

const (
	DecisionAccept           Decision = "accept"
	DecisionAcceptForSession Decision = "accept_for_session"
	DecisionDecline          Decision = "decline"
	DecisionCancel           Decision = "cancel"
)

// ApprovalKind categorizes what an ApprovalRequest is asking permission for.
type ApprovalKind string

const (
	KindCommandExecution ApprovalKind = "command_execution"
	KindFileChange       ApprovalKind = "file_change"
	KindOther            ApprovalKind = "other"
)

// ApprovalRequest is handed to the approval channel collaborator.
type ApprovalRequest struct {
	ID                   string
	Kind                 ApprovalKind
	ToolName             string
	ToolCallID           string
	Reason               string
	Payload              json.RawMessage
	SuggestedPolicyChange string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	Decision             Decision // DecisionPending until resolved
}

// DecisionPending marks a request that has not yet been resolved by the
// approval channel, distinct from the terminal decisions a collaborator can
// return from ApprovalFunc.
const DecisionPending Decision = "pending"

// ApprovalStore persists pending approval requests so they can be listed and
// pruned independently of the synchronous wait in ApprovalChecker.Check.
// Mirrors the teacher's internal/agent/approval.go ApprovalStore interface.
type ApprovalStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	Resolve(ctx context.Context, id string, decision Decision) error
	ListPending(ctx context.Context) ([]*ApprovalRequest, error)
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// MemoryApprovalStore is a thread-safe in-memory ApprovalStore, mirroring
// the teacher's MemoryApprovalStore.
type MemoryApprovalStore struct {
	mu       sync.Mutex
	requests map[string]*ApprovalRequest
}

// NewMemoryApprovalStore returns an empty store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{requests: make(map[string]*ApprovalRequest)}
}

// Create records a new pending request.
func (s *MemoryApprovalStore) Create(ctx context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

// Get returns a request by ID, or nil if unknown.
func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id], nil
}

// Resolve sets the terminal decision on a stored request, recording DecidedAt
// implicitly by leaving CreatedAt/ExpiresAt untouched for Prune to age out.
func (s *MemoryApprovalStore) Resolve(ctx context.Context, id string, decision Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[id]; ok {
		req.Decision = decision
	}
	return nil
}

// ListPending returns every request still awaiting a decision whose
// ExpiresAt has not yet passed. A pending request past its ExpiresAt is
// already being resolved to DecisionDecline by Check's own timeout and is
// excluded here rather than reported as actionable.
func (s *MemoryApprovalStore) ListPending(ctx context.Context) ([]*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*ApprovalRequest
	for _, req := range s.requests {
		if req.Decision != DecisionPending {
			continue
		}
		if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Prune deletes every request (resolved or not) created before olderThan ago
// and reports how many were removed, bounding the store's memory growth
// across a long-lived process hosting many runs.
func (s *MemoryApprovalStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	pruned := 0
	for id, req := range s.requests {
		if req.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			pruned++
		}
	}
	return pruned, nil
}

// ApprovalFunc is the async approval channel collaborator: given a request,
// return the caller's decision.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (Decision, error)

// Mode is the static per-tool approval mode, evaluated before falling back
// to the approval channel.
type Mode string

const (
	ModeNever  Mode = "never"  // never ask; always accept
	ModeAlways Mode = "always" // always ask (no auto-accept shortcuts apply)
	ModeAsk    Mode = "ask"    // evaluate allow/deny lists, then ask if undecided
)

// ApprovalPolicy configures which tools are auto-accepted, auto-declined, or
// routed to the approval channel. Denylist always wins over Allowlist.
type ApprovalPolicy struct {
	Mode       Mode
	Allowlist  []string // patterns; "prefix_*" matches by prefix
	Denylist   []string
	SafeBins   []string // treated the same as Allowlist
	RequestTTL time.Duration
}

// DefaultApprovalPolicy asks for everything not explicitly listed, with a
// five-minute request TTL, mirroring the teacher's DefaultApprovalPolicy.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		Mode:       ModeAsk,
		SafeBins:   []string{"read", "ls", "find", "grep"},
		RequestTTL: 5 * time.Minute,
	}
}

// matchesPattern reports whether toolName matches any pattern in patterns.
// Supports exact match and a trailing "*" prefix wildcard.
func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" {
			return true
		}
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if pattern == toolName {
			return true
		}
	}
	return false
}

// ApprovalChecker evaluates tool calls against a policy and, when undecided,
// invokes the approval channel. It memoizes AcceptForSession rules by call
// signature (tool name + canonicalized args) so repeated identical calls in
// the same run auto-accept without reprompting.
type ApprovalChecker struct {
	mu           sync.Mutex
	policy       ApprovalPolicy
	approve      ApprovalFunc
	sessionRules map[string]bool
	store        ApprovalStore
}

// NewApprovalChecker builds a checker for one run, backed by an in-memory
// pending-approval store by default.
func NewApprovalChecker(policy ApprovalPolicy, approve ApprovalFunc) *ApprovalChecker {
	return &ApprovalChecker{
		policy:       policy,
		approve:      approve,
		sessionRules: make(map[string]bool),
		store:        NewMemoryApprovalStore(),
	}
}

// SetStore replaces the pending-approval store, e.g. with one shared across
// runs so ListPending/Prune can be driven from outside the run loop.
func (c *ApprovalChecker) SetStore(store ApprovalStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// ListPending returns every request still awaiting a decision.
func (c *ApprovalChecker) ListPending(ctx context.Context) ([]*ApprovalRequest, error) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return nil, nil
	}
	return store.ListPending(ctx)
}

// Prune ages resolved and long-stale pending requests out of the store.
func (c *ApprovalChecker) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return 0, nil
	}
	return store.Prune(ctx, olderThan)
}

// signature identifies a tool call for AcceptForSession memoization.
func signature(toolName string, args json.RawMessage) string {
	return toolName + ":" + string(args)
}

// Check runs the §4.2 step-3 approval pipeline for one tool call. The
// returned Decision is never DecisionAcceptForSession once memoized: future
// calls with the same signature return DecisionAccept directly.
func (c *ApprovalChecker) Check(ctx context.Context, toolName string, toolCallID string, args json.RawMessage) (Decision, error) {
	sig := signature(toolName, args)

	c.mu.Lock()
	if c.sessionRules[sig] {
		c.mu.Unlock()
		return DecisionAccept, nil
	}
	policy := c.policy
	c.mu.Unlock()

	switch policy.Mode {
	case ModeNever:
		return DecisionAccept, nil
	case ModeAlways:
		// fall through to channel below
	default: // ModeAsk
		if matchesPattern(policy.Denylist, toolName) {
			return DecisionDecline, nil
		}
		if matchesPattern(policy.Allowlist, toolName) || matchesPattern(policy.SafeBins, toolName) {
			return DecisionAccept, nil
		}
	}

	if c.approve == nil {
		return DecisionDecline, nil
	}

	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		Kind:       classifyKind(toolName),
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Payload:    args,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(policyTTL(policy)),
		Decision:   DecisionPending,
	}

	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store != nil {
		if err := store.Create(ctx, req); err != nil {
			return DecisionDecline, err
		}
	}

	decision, err := c.awaitDecision(ctx, *req)

	if store != nil {
		resolved := decision
		if err != nil {
			resolved = DecisionDecline
		}
		store.Resolve(ctx, req.ID, resolved)
	}

	if err != nil {
		return DecisionDecline, err
	}

	if decision == DecisionAcceptForSession {
		c.mu.Lock()
		c.sessionRules[sig] = true
		c.mu.Unlock()
		return DecisionAccept, nil
	}

	return decision, nil
}

// awaitDecision runs the approval channel and races it against req's
// ExpiresAt: a request still pending when it expires is treated as
// DecisionDecline rather than blocking the run forever on an unanswered
// prompt, per the approval pipeline's stale-request handling.
func (c *ApprovalChecker) awaitDecision(ctx context.Context, req ApprovalRequest) (Decision, error) {
	type outcome struct {
		decision Decision
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := c.approve(ctx, req)
		done <- outcome{decision: d, err: err}
	}()

	var timeout <-chan time.Time
	if !req.ExpiresAt.IsZero() {
		timer := time.NewTimer(time.Until(req.ExpiresAt))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-done:
		return out.decision, out.err
	case <-timeout:
		return DecisionDecline, nil
	case <-ctx.Done():
		return DecisionDecline, ctx.Err()
	}
}

func policyTTL(p ApprovalPolicy) time.Duration {
	if p.RequestTTL > 0 {
		return p.RequestTTL
	}
	return 5 * time.Minute
}

func classifyKind(toolName string) ApprovalKind {
	switch toolName {
	case "exec", "bash", "shell":
		return KindCommandExecution
	case "write", "edit", "apply_patch":
		return KindFileChange
	default:
		return KindOther
	}
}
