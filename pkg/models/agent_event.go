package models

import "time"

// AgentEvent is the fine-grained event model emitted to a run's Agent event
// sink. It mirrors every step of the assistant turn at a level of detail the
// coarse run lifecycle sink never exposes: per-delta message updates,
// per-tool-call lifecycle, and turn boundaries.
//
// Exactly one payload field is non-nil for a given Type.
type AgentEvent struct {
	Type AgentEventType `json:"type"`
	Time time.Time      `json:"time"`

	// Sequence is monotonic within a run, assigned by the sink dispatcher so
	// consumers can detect drops or reorderings across goroutines.
	Sequence uint64 `json:"seq"`

	RunID     string `json:"run_id,omitempty"`
	TurnIndex int    `json:"turn_index,omitempty"`

	AgentStart          *AgentStartPayload          `json:"agent_start,omitempty"`
	TurnStart           *TurnStartPayload           `json:"turn_start,omitempty"`
	MessageUpdate       *MessageUpdatePayload       `json:"message_update,omitempty"`
	ToolExecutionStart  *ToolExecutionStartPayload  `json:"tool_execution_start,omitempty"`
	ToolExecutionUpdate *ToolExecutionUpdatePayload `json:"tool_execution_update,omitempty"`
	ToolExecutionEnd    *ToolExecutionEndPayload    `json:"tool_execution_end,omitempty"`
	TurnEnd             *TurnEndPayload             `json:"turn_end,omitempty"`
	AgentEnd            *AgentEndPayload            `json:"agent_end,omitempty"`
	CompactionStarted   *CompactionStartedPayload   `json:"compaction_started,omitempty"`
}

// AgentEventType discriminates the AgentEvent payload.
type AgentEventType string

const (
	EventAgentStart          AgentEventType = "agent_start"
	EventTurnStart           AgentEventType = "turn_start"
	EventMessageUpdate       AgentEventType = "message_update"
	EventToolExecutionStart  AgentEventType = "tool_execution_start"
	EventToolExecutionUpdate AgentEventType = "tool_execution_update"
	EventToolExecutionEnd    AgentEventType = "tool_execution_end"
	EventTurnEnd             AgentEventType = "turn_end"
	EventAgentEnd            AgentEventType = "agent_end"
	EventCompactionStarted   AgentEventType = "compaction_started"
)

// AgentStartPayload carries metadata available when a run begins.
type AgentStartPayload struct {
	Model string `json:"model,omitempty"`
}

// TurnStartPayload marks the start of an iteration boundary.
type TurnStartPayload struct {
	Index int `json:"index"`
}

// MessageUpdateKind discriminates the kind of incremental delta carried by a
// MessageUpdatePayload, mirroring the provider's streaming delta types.
type MessageUpdateKind string

const (
	UpdateTextDelta      MessageUpdateKind = "text_delta"
	UpdateReasoningDelta MessageUpdateKind = "reasoning_delta"
	UpdateToolCallDelta  MessageUpdateKind = "tool_call_delta"
)

// MessageUpdatePayload is emitted once per delta consumed from the provider
// stream while assembling the assistant message.
type MessageUpdatePayload struct {
	EventType MessageUpdateKind `json:"event_type"`
	Text      string            `json:"text,omitempty"`
	Reasoning string            `json:"reasoning,omitempty"`
}

// ToolExecutionStartPayload is emitted immediately before a tool call is
// dispatched for execution.
type ToolExecutionStartPayload struct {
	ToolName   string `json:"tool_name"`
	ToolCallID string `json:"tool_call_id"`
}

// ToolExecutionUpdatePayload carries optional progress for a long-running
// tool call. Not every tool reports progress; this event type is skipped for
// tools that return only a final result.
type ToolExecutionUpdatePayload struct {
	ToolName      string `json:"tool_name"`
	ToolCallID    string `json:"tool_call_id"`
	PartialResult string `json:"partial_result"`
}

// ToolExecutionEndPayload carries the final ToolResult for a dispatched call.
type ToolExecutionEndPayload struct {
	Result ToolResult `json:"result"`
}

// TurnEndPayload closes out an iteration boundary with the tool results
// produced during it, in call order.
type TurnEndPayload struct {
	Index       int          `json:"index"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// RunStatus is the terminal status of a run, carried by AgentEndPayload and
// by the coarse run lifecycle sink's Lifecycle event.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// AgentEndPayload is the terminal event for a run.
type AgentEndPayload struct {
	Status RunStatus `json:"status"`
}

// CompactionStartedPayload notifies a consumer that auto-compaction is about
// to run, carrying the diagnostic estimate that tripped the threshold and
// whether the hook will be given a bounded confirmation window before the
// run proceeds without waiting further for it.
type CompactionStartedPayload struct {
	EstimatedTokens int  `json:"estimated_tokens"`
	HasTimeout      bool `json:"has_timeout"`
}
