package runloop

import (
	"bytes"
	"encoding/json"

	"github.com/homie-roci/roci-agent/pkg/models"
)

// StreamEventType discriminates the StreamEvent union (§4.3).
type StreamEventType string

const (
	StreamTextDelta      StreamEventType = "text_delta"
	StreamReasoningDelta StreamEventType = "reasoning_delta"
	StreamToolCallDelta  StreamEventType = "tool_call_delta"
	StreamFinishReason   StreamEventType = "finish_reason"
	StreamUsage          StreamEventType = "usage"
	StreamDone           StreamEventType = "done"
)

// FinishReason enumerates why a provider stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Usage reports token accounting for one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCallDelta is a partial update to an in-progress tool call, addressed by
// Index since providers may interleave fragments for multiple calls.
type ToolCallDelta struct {
	Index        int
	ID           *string
	Name         *string
	ArgsFragment string
}

// StreamEvent is one item from a provider's streaming response.
type StreamEvent struct {
	Type          StreamEventType
	Text          string
	Reasoning     string
	ToolCallDelta ToolCallDelta
	FinishReason  FinishReason
	Usage         Usage
}

// pendingToolCall accumulates fragments for one tool call index until the
// stream finishes, at which point its Args buffer is parsed as JSON.
type pendingToolCall struct {
	id   string
	name string
	args bytes.Buffer
}

// Assembler consumes a provider's StreamEvent sequence and builds the single
// AgentMessage that results from one model turn, mirroring §4.3's
// concatenation rules: text/reasoning deltas concatenate in arrival order,
// tool call fragments concatenate per index and are parsed once at Done.
type Assembler struct {
	text      bytes.Buffer
	reasoning bytes.Buffer
	calls     []*pendingToolCall
	byIndex   map[int]*pendingToolCall
	finish    FinishReason
	usage     Usage
}

// NewAssembler returns an empty assembler ready to consume a stream.
func NewAssembler() *Assembler {
	return &Assembler{byIndex: make(map[int]*pendingToolCall)}
}

// Push applies one StreamEvent to the assembler's running state.
func (a *Assembler) Push(event StreamEvent) {
	switch event.Type {
	case StreamTextDelta:
		a.text.WriteString(event.Text)
	case StreamReasoningDelta:
		a.reasoning.WriteString(event.Reasoning)
	case StreamToolCallDelta:
		a.applyToolCallDelta(event.ToolCallDelta)
	case StreamFinishReason:
		a.finish = event.FinishReason
	case StreamUsage:
		a.usage = event.Usage
	}
}

func (a *Assembler) applyToolCallDelta(delta ToolCallDelta) {
	call, ok := a.byIndex[delta.Index]
	if !ok {
		call = &pendingToolCall{}
		a.byIndex[delta.Index] = call
		a.calls = append(a.calls, call)
	}
	if delta.ID != nil {
		call.id = *delta.ID
	}
	if delta.Name != nil {
		call.name = *delta.Name
	}
	call.args.WriteString(delta.ArgsFragment)
}

// Finish builds the assembled AgentMessage. A tool call whose accumulated
// args fail to parse as JSON stays a real ToolCallPart carrying the raw,
// invalid bytes rather than being dropped from the message: the malformed
// call must still appear in history so the tool-role turn that follows can
// carry a matching ToolResult for it, per §3's call/result pairing
// invariant. Finish also reports those calls as errors so the caller can
// account for them (metrics, logging) without having to re-scan parts.
func (a *Assembler) Finish() (models.AgentMessage, []error) {
	var parts []models.Part
	var errs []error

	if a.text.Len() > 0 {
		parts = append(parts, models.TextPart(a.text.String()))
	}

	for _, call := range a.calls {
		raw := call.args.Bytes()
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		if !json.Valid(raw) {
			errs = append(errs, &ToolError{
				ToolName:   call.name,
				ToolCallID: call.id,
				Message:    "tool call arguments did not parse as valid JSON",
			})
		}
		parts = append(parts, models.ToolCallPart(models.ToolCall{
			ID:   call.id,
			Name: call.name,
			Args: json.RawMessage(raw),
		}))
	}

	msg := models.AgentMessage{Role: models.RoleAssistant, Parts: parts}
	return msg, errs
}

// FinishReasonValue returns the terminal finish reason observed, if any.
func (a *Assembler) FinishReasonValue() FinishReason { return a.finish }

// UsageValue returns the last usage report observed.
func (a *Assembler) UsageValue() Usage { return a.usage }

// ReasoningText returns the accumulated reasoning/thinking text, if any.
func (a *Assembler) ReasoningText() string { return a.reasoning.String() }
