package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAgentEventType_Constants(t *testing.T) {
	tests := []struct {
		constant AgentEventType
		expected string
	}{
		{EventAgentStart, "agent_start"},
		{EventTurnStart, "turn_start"},
		{EventMessageUpdate, "message_update"},
		{EventToolExecutionStart, "tool_execution_start"},
		{EventToolExecutionUpdate, "tool_execution_update"},
		{EventToolExecutionEnd, "tool_execution_end"},
		{EventTurnEnd, "turn_end"},
		{EventAgentEnd, "agent_end"},
		{EventCompactionStarted, "compaction_started"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestAgentEvent_Struct(t *testing.T) {
	now := time.Now()
	event := AgentEvent{
		Type:      EventTurnStart,
		Time:      now,
		Sequence:  1,
		RunID:     "run-123",
		TurnIndex: 0,
		TurnStart: &TurnStartPayload{Index: 0},
	}

	if event.Type != EventTurnStart {
		t.Errorf("Type = %v, want %v", event.Type, EventTurnStart)
	}
	if event.RunID != "run-123" {
		t.Errorf("RunID = %q, want %q", event.RunID, "run-123")
	}
	if event.TurnStart == nil || event.TurnStart.Index != 0 {
		t.Errorf("TurnStart = %+v", event.TurnStart)
	}
}

func TestAgentEvent_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	original := AgentEvent{
		Type:      EventMessageUpdate,
		Time:      now,
		Sequence:  5,
		RunID:     "run-123",
		TurnIndex: 1,
		MessageUpdate: &MessageUpdatePayload{
			EventType: UpdateTextDelta,
			Text:      "Hello",
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded AgentEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("Type = %v, want %v", decoded.Type, original.Type)
	}
	if decoded.Sequence != original.Sequence {
		t.Errorf("Sequence = %d, want %d", decoded.Sequence, original.Sequence)
	}
	if decoded.MessageUpdate == nil {
		t.Fatal("MessageUpdate payload is nil")
	}
	if decoded.MessageUpdate.Text != "Hello" {
		t.Errorf("MessageUpdate.Text = %q, want %q", decoded.MessageUpdate.Text, "Hello")
	}
}

func TestToolExecutionLifecycle_Payloads(t *testing.T) {
	start := ToolExecutionStartPayload{ToolName: "grep", ToolCallID: "tc-1"}
	if start.ToolName != "grep" {
		t.Errorf("ToolName = %q, want %q", start.ToolName, "grep")
	}

	update := ToolExecutionUpdatePayload{ToolName: "grep", ToolCallID: "tc-1", PartialResult: "3 matches so far"}
	if update.PartialResult != "3 matches so far" {
		t.Errorf("PartialResult = %q, want %q", update.PartialResult, "3 matches so far")
	}

	end := ToolExecutionEndPayload{Result: ToolResult{ToolCallID: "tc-1", Payload: json.RawMessage(`{"matches":3}`)}}
	if end.Result.ToolCallID != "tc-1" {
		t.Errorf("Result.ToolCallID = %q, want %q", end.Result.ToolCallID, "tc-1")
	}
}

func TestTurnEndPayload_Struct(t *testing.T) {
	payload := TurnEndPayload{
		Index: 2,
		ToolResults: []ToolResult{
			{ToolCallID: "tc-1", Payload: json.RawMessage(`{"ok":true}`)},
			ErrorResult("tc-2", "failed"),
		},
	}

	if payload.Index != 2 {
		t.Errorf("Index = %d, want 2", payload.Index)
	}
	if len(payload.ToolResults) != 2 {
		t.Fatalf("ToolResults length = %d, want 2", len(payload.ToolResults))
	}
	if !payload.ToolResults[1].IsError {
		t.Error("second tool result should be an error")
	}
}

func TestAgentEndPayload_Statuses(t *testing.T) {
	tests := []struct {
		status   RunStatus
		expected string
	}{
		{RunStatusCompleted, "completed"},
		{RunStatusFailed, "failed"},
		{RunStatusCanceled, "canceled"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			payload := AgentEndPayload{Status: tt.status}
			if string(payload.Status) != tt.expected {
				t.Errorf("Status = %q, want %q", payload.Status, tt.expected)
			}
		})
	}
}

func TestCompactionStartedPayload_Struct(t *testing.T) {
	payload := CompactionStartedPayload{EstimatedTokens: 1200, HasTimeout: true}
	if payload.EstimatedTokens != 1200 {
		t.Errorf("EstimatedTokens = %d, want 1200", payload.EstimatedTokens)
	}
	if !payload.HasTimeout {
		t.Error("HasTimeout should be true")
	}
}

func TestMessageUpdateKind_Constants(t *testing.T) {
	tests := []struct {
		kind     MessageUpdateKind
		expected string
	}{
		{UpdateTextDelta, "text_delta"},
		{UpdateReasoningDelta, "reasoning_delta"},
		{UpdateToolCallDelta, "tool_call_delta"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if string(tt.kind) != tt.expected {
				t.Errorf("kind = %q, want %q", tt.kind, tt.expected)
			}
		})
	}
}
