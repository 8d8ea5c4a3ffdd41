package runloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/homie-roci/roci-agent/pkg/models"
)

// fakeStreamHandle replays a fixed event queue, mirroring the teacher's
// scripted fake transports in internal/agent/loop_test.go.
type fakeStreamHandle struct {
	events []StreamEvent
	pos    int
	err    error
	delay  time.Duration
}

func (h *fakeStreamHandle) Next(ctx context.Context) (StreamEvent, bool) {
	if h.pos >= len(h.events) {
		return StreamEvent{}, false
	}
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return StreamEvent{}, false
		}
	}
	event := h.events[h.pos]
	h.pos++
	return event, true
}

func (h *fakeStreamHandle) Err() error   { return h.err }
func (h *fakeStreamHandle) Close() error { return nil }

// fakeProvider hands out one scripted handle per call, in order. A provider
// that runs out of scripted turns fails the test loudly rather than hanging.
type fakeProvider struct {
	t           *testing.T
	turns       []*fakeStreamHandle
	call        int
	transports  []string
	streamDelay time.Duration
}

func (p *fakeProvider) Transports() []string { return p.transports }

func (p *fakeProvider) Stream(ctx context.Context, req ProviderRequest, cancel *CancelToken) (StreamHandle, error) {
	if p.call >= len(p.turns) {
		p.t.Fatalf("fakeProvider: unexpected call %d, only %d turns scripted", p.call, len(p.turns))
	}
	handle := p.turns[p.call]
	p.call++
	return handle, nil
}

func textTurn(text string) *fakeStreamHandle {
	return &fakeStreamHandle{events: []StreamEvent{
		{Type: StreamTextDelta, Text: text},
		{Type: StreamFinishReason, FinishReason: FinishStop},
		{Type: StreamDone},
	}}
}

func toolCallTurn(id, name, args string) *fakeStreamHandle {
	return &fakeStreamHandle{events: []StreamEvent{
		{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ID: &id, Name: &name, ArgsFragment: args}},
		{Type: StreamFinishReason, FinishReason: FinishToolCalls},
		{Type: StreamDone},
	}}
}

func errorTurn(err error) *fakeStreamHandle {
	return &fakeStreamHandle{err: err}
}

type okTool struct{ name string }

func (t okTool) Name() string       { return t.name }
func (t okTool) Schema() ToolSchema { return ToolSchema{} }
func (t okTool) Execute(ctx context.Context, args json.RawMessage, cancel *CancelToken) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestRunState(t *testing.T, request RunRequest, provider ModelProvider) *RunState {
	t.Helper()
	state, err := NewRunState(request, provider, nil, nil)
	if err != nil {
		t.Fatalf("NewRunState error: %v", err)
	}
	return state
}

// TestRunState_HappyPath_NoToolCallsCompletesOnFirstTurn covers the simplest
// §8 scenario: a single text turn with no tool calls ends the run completed.
func TestRunState_HappyPath_NoToolCallsCompletesOnFirstTurn(t *testing.T) {
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{textTurn("hello")}}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %v, want %v (error=%q)", result.Status, models.RunStatusCompleted, result.Error)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2 (user + assistant)", len(result.Messages))
	}
	if result.Messages[1].Text() != "hello" {
		t.Errorf("assistant text = %q, want %q", result.Messages[1].Text(), "hello")
	}
}

// TestRunState_ToolCallThenCompletion covers a tool-calling turn followed by
// a plain text turn: the run dispatches the tool, appends the tool-role
// message, then completes on the second assistant turn.
func TestRunState_ToolCallThenCompletion(t *testing.T) {
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{
		toolCallTurn("tc-1", "echo", `{}`),
		textTurn("done"),
	}}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
		Tools:    []Tool{okTool{name: "echo"}},
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %v, want %v (error=%q)", result.Status, models.RunStatusCompleted, result.Error)
	}
	var sawToolResult bool
	for _, m := range result.Messages {
		if m.Role == models.RoleTool {
			results := m.ToolResults()
			if len(results) == 1 && results[0].ToolCallID == "tc-1" && !results[0].IsError {
				sawToolResult = true
			}
		}
	}
	if !sawToolResult {
		t.Errorf("expected a successful tool result for tc-1 in %+v", result.Messages)
	}
}

// TestRunState_UnknownToolCallProducesErrorResultAndContinues covers §4.2's
// unknown-tool-call edge case: dispatch must not abort the run, only mark the
// call as a tool failure.
func TestRunState_UnknownToolCallProducesErrorResultAndContinues(t *testing.T) {
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{
		toolCallTurn("tc-1", "does_not_exist", `{}`),
		textTurn("recovered"),
	}}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %v, want %v (error=%q)", result.Status, models.RunStatusCompleted, result.Error)
	}
	if state.toolFailuresObserved != 1 {
		t.Errorf("toolFailuresObserved = %d, want 1", state.toolFailuresObserved)
	}
}

// TestRunState_ToolFailureBudgetExhaustionFailsRun covers the §4.1 step-8
// failure-budget edge case: once MaxToolFailures is reached the run fails
// even though every individual turn streamed successfully.
func TestRunState_ToolFailureBudgetExhaustionFailsRun(t *testing.T) {
	turns := make([]*fakeStreamHandle, 0, 3)
	for i := 0; i < 3; i++ {
		turns = append(turns, toolCallTurn("tc", "missing", `{}`))
	}
	provider := &fakeProvider{t: t, turns: turns}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
		Metadata: map[string]string{"max_tool_failures": "2"},
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusFailed {
		t.Fatalf("Status = %v, want %v", result.Status, models.RunStatusFailed)
	}
	if result.Error != "tool failure budget exhausted" {
		t.Errorf("Error = %q, want %q", result.Error, "tool failure budget exhausted")
	}
}

// TestRunState_UnsupportedTransportFailsBeforeStreaming covers §4.1 step 4:
// a transport the provider doesn't advertise fails the run without ever
// calling Stream.
func TestRunState_UnsupportedTransportFailsBeforeStreaming(t *testing.T) {
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{textTurn("unreachable")}, transports: []string{"sse"}}
	state := newTestRunState(t, RunRequest{
		ModelID:   "test-model",
		Messages:  []models.AgentMessage{models.UserText("hi")},
		Transport: "websocket",
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusFailed {
		t.Fatalf("Status = %v, want %v", result.Status, models.RunStatusFailed)
	}
	if provider.call != 0 {
		t.Errorf("provider.call = %d, want 0: Stream must not be invoked for an unsupported transport", provider.call)
	}
}

// TestRunState_RateLimitWithinCapRetriesThenSucceeds covers §4.6: a
// RateLimited error carrying a retry_after hint within the cap is retried
// rather than failing the run.
func TestRunState_RateLimitWithinCapRetriesThenSucceeds(t *testing.T) {
	hint := 1
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{
		errorTurn(&RunError{Kind: KindRateLimited, RetryAfter: &hint}),
		textTurn("recovered"),
	}}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %v, want %v (error=%q)", result.Status, models.RunStatusCompleted, result.Error)
	}
	if provider.call != 2 {
		t.Errorf("provider.call = %d, want 2 (one failed attempt, one retry)", provider.call)
	}
}

// TestRunState_RateLimitExceedingCapFailsRun covers the other half of §4.6:
// a retry_after hint beyond MaxRetryDelayMs fails the run immediately.
func TestRunState_RateLimitExceedingCapFailsRun(t *testing.T) {
	hint := 120_000
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{
		errorTurn(&RunError{Kind: KindRateLimited, RetryAfter: &hint}),
	}}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusFailed {
		t.Fatalf("Status = %v, want %v", result.Status, models.RunStatusFailed)
	}
	if provider.call != 1 {
		t.Errorf("provider.call = %d, want 1: a hint beyond the cap must not retry", provider.call)
	}
}

// TestRunState_AbortDuringCompactionCancelsRun covers §4.4's cancellation
// interaction: canceling the run while a compaction hook is still running
// must surface as RunStatusCanceled, not a CompactionError.
func TestRunState_AbortDuringCompactionCancelsRun(t *testing.T) {
	unblock := make(chan struct{})
	var state *RunState
	hook := func(ctx context.Context, messages []models.AgentMessage, cancel *CancelToken) ([]models.AgentMessage, error) {
		state.Cancel()
		<-unblock
		return messages, nil
	}
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{textTurn("unreachable")}}
	state = newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
		Compaction: &CompactionConfig{
			ReserveTokens: 10, ContextLength: 1,
			ConfirmationTimeout: time.Second, AutoCompactOnTimeout: true,
		},
		Hooks: Hooks{Compaction: hook},
	}, provider)

	done := make(chan models.RunStatus, 1)
	go func() {
		result := state.Run(context.Background())
		done <- result.Status
	}()

	select {
	case status := <-done:
		if status != models.RunStatusCanceled {
			t.Fatalf("Status = %v, want %v", status, models.RunStatusCanceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation in time")
	}
	close(unblock)
}

// TestRunState_CompactionFailureFailsRun covers §4.4: a hook error is
// surfaced as a failed run carrying the compaction-failed wrapper text.
func TestRunState_CompactionFailureFailsRun(t *testing.T) {
	hook := func(ctx context.Context, messages []models.AgentMessage, cancel *CancelToken) ([]models.AgentMessage, error) {
		return nil, context.DeadlineExceeded
	}
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{textTurn("unreachable")}}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
		Compaction: &CompactionConfig{
			ReserveTokens: 10, ContextLength: 1,
		},
		Hooks: Hooks{Compaction: hook},
	}, provider)

	result := state.Run(context.Background())

	if result.Status != models.RunStatusFailed {
		t.Fatalf("Status = %v, want %v", result.Status, models.RunStatusFailed)
	}
	if provider.call != 0 {
		t.Errorf("provider.call = %d, want 0: a failed compaction must not reach the provider", provider.call)
	}
}

// TestRunState_CancelBeforeRunStartsReturnsCanceledImmediately covers the
// degenerate cancellation edge case: a token canceled before Run is ever
// called must short-circuit the loop without invoking the provider.
func TestRunState_CancelBeforeRunStartsReturnsCanceledImmediately(t *testing.T) {
	provider := &fakeProvider{t: t, turns: []*fakeStreamHandle{textTurn("unreachable")}}
	state := newTestRunState(t, RunRequest{
		ModelID:  "test-model",
		Messages: []models.AgentMessage{models.UserText("hi")},
	}, provider)
	state.Cancel()

	result := state.Run(context.Background())

	if result.Status != models.RunStatusCanceled {
		t.Fatalf("Status = %v, want %v", result.Status, models.RunStatusCanceled)
	}
	if provider.call != 0 {
		t.Errorf("provider.call = %d, want 0", provider.call)
	}
}

// TestNewRunState_MaxRetryDelayMsOverrideCapsTransientBackoff exercises the
// review fix tying a caller's MaxRetryDelayMs override to transient backoff
// too: asking for a lower rate-limit ceiling than the default 5s also lowers
// the Network/Timeout backoff cap, per §4.6's "max_retry_delay_ms or 5s".
func TestNewRunState_MaxRetryDelayMsOverrideCapsTransientBackoff(t *testing.T) {
	state, err := NewRunState(RunRequest{
		ModelID:         "test-model",
		MaxRetryDelayMs: 2000,
	}, &fakeProvider{t: t}, nil, nil)
	if err != nil {
		t.Fatalf("NewRunState error: %v", err)
	}
	if state.retry.MaxRetryDelayMs != 2000 {
		t.Errorf("MaxRetryDelayMs = %d, want 2000", state.retry.MaxRetryDelayMs)
	}
	if state.retry.Backoff.MaxMs != 2000 {
		t.Errorf("Backoff.MaxMs = %v, want 2000 (override must also cap transient backoff)", state.retry.Backoff.MaxMs)
	}
}

// TestNewRunState_MaxRetryDelayMsOverrideNeverRaisesTransientBackoff ensures
// an override above the default cap leaves the 5s transient backoff ceiling
// untouched: the override only ever lowers it.
func TestNewRunState_MaxRetryDelayMsOverrideNeverRaisesTransientBackoff(t *testing.T) {
	state, err := NewRunState(RunRequest{
		ModelID:         "test-model",
		MaxRetryDelayMs: 120_000,
	}, &fakeProvider{t: t}, nil, nil)
	if err != nil {
		t.Fatalf("NewRunState error: %v", err)
	}
	if state.retry.Backoff.MaxMs != 5000 {
		t.Errorf("Backoff.MaxMs = %v, want 5000 (override above default must not raise the transient cap)", state.retry.Backoff.MaxMs)
	}
}

// TestNewRunState_DefaultRetryPolicyWhenNoOverride checks the zero-value
// request path still gets the documented §4.6 defaults.
func TestNewRunState_DefaultRetryPolicyWhenNoOverride(t *testing.T) {
	state, err := NewRunState(RunRequest{ModelID: "test-model"}, &fakeProvider{t: t}, nil, nil)
	if err != nil {
		t.Fatalf("NewRunState error: %v", err)
	}
	if state.retry.MaxRetryDelayMs != 60_000 {
		t.Errorf("MaxRetryDelayMs = %d, want 60000", state.retry.MaxRetryDelayMs)
	}
	if state.retry.Backoff.MaxMs != 5000 {
		t.Errorf("Backoff.MaxMs = %v, want 5000", state.retry.Backoff.MaxMs)
	}
}
