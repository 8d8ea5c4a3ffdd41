package runloop

import (
	"sync/atomic"
	"time"

	"github.com/homie-roci/roci-agent/pkg/models"
)

// LifecycleKind discriminates the coarse run lifecycle sink's event union (§4.7).
type LifecycleKind string

const (
	LifecycleStarted   LifecycleKind = "started"
	LifecycleCompleted LifecycleKind = "completed"
	LifecycleFailed    LifecycleKind = "failed"
	LifecycleCanceled  LifecycleKind = "canceled"
)

// RunEvent is one item delivered to a run's coarse lifecycle sink. Lifecycle
// events set Kind (and Error for LifecycleFailed); AssistantDelta, ToolCall
// and ToolResult notices leave Kind empty and set only their own field.
type RunEvent struct {
	Kind LifecycleKind
	Time time.Time

	// Error is set only for LifecycleFailed.
	Error string

	// AssistantDelta is set for an AssistantDelta notice (coarse streaming
	// text, distinct from the fine-grained MessageUpdate events).
	AssistantDelta string

	// ToolCall is set for a ToolCallStarted notice.
	ToolCall *models.ToolCall

	// ToolResult is set for a ToolResult notice.
	ToolResult *models.ToolResult
}

// RunLifecycleSink receives coarse run lifecycle events. Delivery is
// best-effort and fire-and-forget: Emit must not block the driver.
type RunLifecycleSink interface {
	Emit(event RunEvent)
}

// AgentEventSink receives fine-grained per-delta/per-tool events (§4.7).
type AgentEventSink interface {
	Emit(event models.AgentEvent)
}

// NopRunSink discards every event. It is substituted when a RunRequest
// leaves its lifecycle sink nil, mirroring the teacher's NopSink for
// AgentEvent in internal/agent/event_sink.go.
type NopRunSink struct{}

func (NopRunSink) Emit(RunEvent) {}

// NopAgentSink discards every fine-grained event.
type NopAgentSink struct{}

func (NopAgentSink) Emit(models.AgentEvent) {}

// MultiRunSink fans one RunEvent out to several sinks in registration order.
type MultiRunSink []RunLifecycleSink

func (m MultiRunSink) Emit(event RunEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// MultiAgentSink fans one AgentEvent out to several sinks in registration order.
type MultiAgentSink []AgentEventSink

func (m MultiAgentSink) Emit(event models.AgentEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// EventEmitter assigns monotonic sequence numbers and run/turn context to
// every AgentEvent before handing it to the configured sink, mirroring
// internal/agent/event_emitter.go's EventEmitter without the plugin-registry
// coupling that file carries for the teacher's wider runtime.
type EventEmitter struct {
	runID     string
	sequence  uint64
	turnIndex int
	agentSink AgentEventSink
	runSink   RunLifecycleSink
}

// NewEventEmitter builds an emitter for one run. Nil sinks are replaced with
// no-op sinks so callers never need a nil check.
func NewEventEmitter(runID string, agentSink AgentEventSink, runSink RunLifecycleSink) *EventEmitter {
	if agentSink == nil {
		agentSink = NopAgentSink{}
	}
	if runSink == nil {
		runSink = NopRunSink{}
	}
	return &EventEmitter{runID: runID, agentSink: agentSink, runSink: runSink}
}

func (e *EventEmitter) nextSeq() uint64 { return atomic.AddUint64(&e.sequence, 1) }

// SetTurn updates the turn index stamped onto subsequent AgentEvents.
func (e *EventEmitter) SetTurn(index int) { e.turnIndex = index }

func (e *EventEmitter) base(t models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Type:      t,
		Time:      time.Now(),
		Sequence:  e.nextSeq(),
		RunID:     e.runID,
		TurnIndex: e.turnIndex,
	}
}

// AgentStart emits agent_start plus a RunEvent{Kind: LifecycleStarted}.
func (e *EventEmitter) AgentStart(model string) {
	event := e.base(models.EventAgentStart)
	event.AgentStart = &models.AgentStartPayload{Model: model}
	e.agentSink.Emit(event)
	e.runSink.Emit(RunEvent{Kind: LifecycleStarted, Time: event.Time})
}

// TurnStart emits turn_start for the given 0-based iteration index.
func (e *EventEmitter) TurnStart(index int) {
	e.SetTurn(index)
	event := e.base(models.EventTurnStart)
	event.TurnStart = &models.TurnStartPayload{Index: index}
	e.agentSink.Emit(event)
}

// TextDelta emits both the fine-grained message_update and the coarse
// AssistantDelta notice for one text fragment.
func (e *EventEmitter) TextDelta(text string) {
	event := e.base(models.EventMessageUpdate)
	event.MessageUpdate = &models.MessageUpdatePayload{EventType: models.UpdateTextDelta, Text: text}
	e.agentSink.Emit(event)
	e.runSink.Emit(RunEvent{Kind: "", AssistantDelta: text, Time: event.Time})
}

// ReasoningDelta emits a message_update carrying reasoning/thinking text.
func (e *EventEmitter) ReasoningDelta(text string) {
	event := e.base(models.EventMessageUpdate)
	event.MessageUpdate = &models.MessageUpdatePayload{EventType: models.UpdateReasoningDelta, Reasoning: text}
	e.agentSink.Emit(event)
}

// ToolCallDeltaEvent emits a message_update for a tool-call argument fragment.
func (e *EventEmitter) ToolCallDeltaEvent() {
	event := e.base(models.EventMessageUpdate)
	event.MessageUpdate = &models.MessageUpdatePayload{EventType: models.UpdateToolCallDelta}
	e.agentSink.Emit(event)
}

// ToolExecutionStart emits tool_execution_start plus the coarse ToolCallStarted notice.
func (e *EventEmitter) ToolExecutionStart(call models.ToolCall) {
	event := e.base(models.EventToolExecutionStart)
	event.ToolExecutionStart = &models.ToolExecutionStartPayload{ToolName: call.Name, ToolCallID: call.ID}
	e.agentSink.Emit(event)
	c := call
	e.runSink.Emit(RunEvent{Time: event.Time, ToolCall: &c})
}

// ToolExecutionUpdate emits tool_execution_update for a long-running tool's progress.
func (e *EventEmitter) ToolExecutionUpdate(toolName, toolCallID, partial string) {
	event := e.base(models.EventToolExecutionUpdate)
	event.ToolExecutionUpdate = &models.ToolExecutionUpdatePayload{
		ToolName: toolName, ToolCallID: toolCallID, PartialResult: partial,
	}
	e.agentSink.Emit(event)
}

// ToolExecutionEnd emits tool_execution_end plus the coarse ToolResult notice.
func (e *EventEmitter) ToolExecutionEnd(result models.ToolResult) {
	event := e.base(models.EventToolExecutionEnd)
	event.ToolExecutionEnd = &models.ToolExecutionEndPayload{Result: result}
	e.agentSink.Emit(event)
	r := result
	e.runSink.Emit(RunEvent{Time: event.Time, ToolResult: &r})
}

// CompactionStarted emits a lifecycle notice before the compaction hook is
// invoked, so a consumer can distinguish a long stream stall from the run
// deliberately pausing to compact history.
func (e *EventEmitter) CompactionStarted(estimatedTokens int, hasTimeout bool) {
	event := e.base(models.EventCompactionStarted)
	event.CompactionStarted = &models.CompactionStartedPayload{EstimatedTokens: estimatedTokens, HasTimeout: hasTimeout}
	e.agentSink.Emit(event)
}

// TurnEnd emits turn_end with the tool results produced in this iteration, in call order.
func (e *EventEmitter) TurnEnd(index int, results []models.ToolResult) {
	event := e.base(models.EventTurnEnd)
	event.TurnEnd = &models.TurnEndPayload{Index: index, ToolResults: results}
	e.agentSink.Emit(event)
}

// AgentEnd emits agent_end plus the matching coarse lifecycle terminal event.
func (e *EventEmitter) AgentEnd(status models.RunStatus, errMsg string) {
	event := e.base(models.EventAgentEnd)
	event.AgentEnd = &models.AgentEndPayload{Status: status}
	e.agentSink.Emit(event)

	var kind LifecycleKind
	switch status {
	case models.RunStatusCompleted:
		kind = LifecycleCompleted
	case models.RunStatusCanceled:
		kind = LifecycleCanceled
	default:
		kind = LifecycleFailed
	}
	e.runSink.Emit(RunEvent{Kind: kind, Time: event.Time, Error: errMsg})
}
