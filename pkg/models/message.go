// Package models provides the wire-level conversation types shared between
// the run loop, providers, and callers: messages, content parts, and the
// tool-call/tool-result pairs that tie an assistant turn to its follow-up.
package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author type in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one the provider boundary accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// PartType discriminates the kind of content carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	// PartCustom carries AgentMessage-only payloads invisible to the provider.
	PartCustom PartType = "custom"
)

// Part is one piece of message content. Exactly the fields matching Type are
// populated; the rest are zero. Parts are ordered within a message and that
// order is significant (e.g. text interleaved with tool calls).
type Part struct {
	Type PartType `json:"type"`

	// Text carries PartText content.
	Text string `json:"text,omitempty"`

	// Image carries PartImage content as a provider-opaque reference (URL or
	// base64 data URI); the run loop never interprets it.
	Image string `json:"image,omitempty"`

	// ToolCall carries PartToolCall content: the model's request to invoke a tool.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolResult carries PartToolResult content: the outcome of a prior tool call.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Custom carries PartCustom content, stripped by the default ModelMessage
	// projection and only ever present on an AgentMessage.
	Custom *CustomPart `json:"custom,omitempty"`
}

// TextPart builds a PartText content part.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ImagePart builds a PartImage content part.
func ImagePart(ref string) Part { return Part{Type: PartImage, Image: ref} }

// ToolCallPart builds a PartToolCall content part.
func ToolCallPart(call ToolCall) Part { return Part{Type: PartToolCall, ToolCall: &call} }

// ToolResultPart builds a PartToolResult content part.
func ToolResultPart(result ToolResult) Part { return Part{Type: PartToolResult, ToolResult: &result} }

// ToolCall represents the model's request to invoke a named tool with
// JSON-encoded arguments. IDs are unique within the run that produced them.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult represents the outcome of executing a ToolCall. Every ToolCall
// id emitted by an assistant message is matched by exactly one ToolResult
// with the same id, whether the call succeeded, errored, timed out, was
// declined, or was canceled.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ErrorResult builds a ToolResult carrying a single "error" string payload,
// the shape used throughout the run loop for synthesized failures (unknown
// tool, validation failure, decline, timeout).
func ErrorResult(callID, message string) ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return ToolResult{ToolCallID: callID, Payload: payload, IsError: true}
}

// CustomPart carries an AgentMessage-only annotation invisible to the model,
// identified by an application-defined tag (e.g. "ui.hint", "memory.note").
type CustomPart struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ModelMessage is a single turn in the conversation as seen by the provider
// boundary: a role plus an ordered list of content parts. Insertion order is
// significant. ModelMessage never carries PartCustom parts.
type ModelMessage struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text returns the concatenation of all PartText content in the message, in
// order, ignoring other part types. Convenience for callers that only care
// about plain text (logging, simple providers).
func (m ModelMessage) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns every PartToolCall in the message, in order.
func (m ModelMessage) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns every PartToolResult in the message, in order.
func (m ModelMessage) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// NewModelMessage constructs a ModelMessage, validating the role against the
// provider-boundary role set.
func NewModelMessage(role Role, parts ...Part) (ModelMessage, error) {
	if !role.Valid() {
		return ModelMessage{}, fmt.Errorf("model message: invalid role %q", role)
	}
	return ModelMessage{Role: role, Parts: parts}, nil
}

// AgentMessage is a superset of ModelMessage that additionally allows
// PartCustom entries invisible to the provider. The run loop's history is a
// slice of AgentMessage; a Hooks.ConvertToLLM (or the DefaultProjection)
// turns it into the []ModelMessage a provider call actually sends.
type AgentMessage struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text returns the concatenation of all PartText content in the message, in order.
func (m AgentMessage) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns every PartToolCall in the message, in order.
func (m AgentMessage) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns every PartToolResult in the message, in order.
func (m AgentMessage) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// AsModelMessage strips PartCustom entries, yielding the default projection
// used when no Hooks.ConvertToLLM is configured.
func (m AgentMessage) AsModelMessage() ModelMessage {
	parts := make([]Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == PartCustom {
			continue
		}
		parts = append(parts, p)
	}
	return ModelMessage{Role: m.Role, Parts: parts}
}

// FromModelMessage lifts a ModelMessage into an AgentMessage with no custom parts.
func FromModelMessage(m ModelMessage) AgentMessage {
	return AgentMessage{Role: m.Role, Parts: m.Parts}
}

// DefaultProjection converts a slice of AgentMessage to the []ModelMessage a
// provider receives, dropping Custom entries. It is the behavior used when
// RunRequest.Hooks.ConvertToLLM is nil.
func DefaultProjection(messages []AgentMessage) []ModelMessage {
	out := make([]ModelMessage, len(messages))
	for i, m := range messages {
		out[i] = m.AsModelMessage()
	}
	return out
}

// UserText is a convenience constructor for a plain-text user AgentMessage.
func UserText(text string) AgentMessage {
	return AgentMessage{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// SystemText is a convenience constructor for a plain-text system AgentMessage.
func SystemText(text string) AgentMessage {
	return AgentMessage{Role: RoleSystem, Parts: []Part{TextPart(text)}}
}
