package runloop

import (
	"testing"
)

func strPtr(s string) *string { return &s }

func TestAssembler_TextDeltasConcatenate(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamTextDelta, Text: "Hello, "})
	a.Push(StreamEvent{Type: StreamTextDelta, Text: "world"})

	msg, errs := a.Finish()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if got, want := msg.Text(), "Hello, world"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestAssembler_ReasoningDeltasConcatenate(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamReasoningDelta, Reasoning: "step 1. "})
	a.Push(StreamEvent{Type: StreamReasoningDelta, Reasoning: "step 2."})

	if got, want := a.ReasoningText(), "step 1. step 2."; got != want {
		t.Errorf("ReasoningText() = %q, want %q", got, want)
	}
}

func TestAssembler_ToolCallDeltaAssemblesSingleCall(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ID: strPtr("tc-1"), Name: strPtr("grep")}})
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ArgsFragment: `{"pattern":`}})
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ArgsFragment: `"foo"}`}})

	msg, errs := a.Finish()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].ID != "tc-1" || calls[0].Name != "grep" {
		t.Errorf("call = %+v, want id=tc-1 name=grep", calls[0])
	}
	if string(calls[0].Args) != `{"pattern":"foo"}` {
		t.Errorf("Args = %s, want {\"pattern\":\"foo\"}", calls[0].Args)
	}
}

func TestAssembler_InterleavedToolCallsByIndex(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ID: strPtr("a"), Name: strPtr("read")}})
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 1, ID: strPtr("b"), Name: strPtr("ls")}})
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ArgsFragment: `{"path":"a"}`}})
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 1, ArgsFragment: `{"path":"b"}`}})

	msg, errs := a.Finish()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("calls out of order: %+v", calls)
	}
}

func TestAssembler_MalformedArgsSurfacesToolError(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ID: strPtr("tc-1"), Name: strPtr("grep")}})
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ArgsFragment: `{"pattern":`}}) // never closed

	msg, errs := a.Finish()
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}
	var toolErr *ToolError
	if te, ok := errs[0].(*ToolError); !ok {
		t.Fatalf("err type = %T, want *ToolError", errs[0])
	} else {
		toolErr = te
	}
	if toolErr.ToolCallID != "tc-1" {
		t.Errorf("ToolCallID = %q, want tc-1", toolErr.ToolCallID)
	}

	// The malformed call still has to appear as a ToolCallPart, carrying its
	// raw invalid bytes, so a matching ToolResult can be produced for it
	// downstream instead of leaving an orphaned result with no call.
	calls := msg.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1 (malformed call kept, not dropped)", len(calls))
	}
	if calls[0].ID != "tc-1" || calls[0].Name != "grep" {
		t.Errorf("call = %+v, want id=tc-1 name=grep", calls[0])
	}
	if string(calls[0].Args) != `{"pattern":` {
		t.Errorf("Args = %s, want raw unparseable bytes preserved", calls[0].Args)
	}
}

func TestAssembler_EmptyArgsDefaultToEmptyObject(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ID: strPtr("tc-1"), Name: strPtr("ls")}})

	msg, errs := a.Finish()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || string(calls[0].Args) != "{}" {
		t.Errorf("calls = %+v, want single call with {} args", calls)
	}
}

func TestAssembler_FinishReasonAndUsage(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamFinishReason, FinishReason: FinishToolCalls})
	a.Push(StreamEvent{Type: StreamUsage, Usage: Usage{InputTokens: 10, OutputTokens: 20}})

	if a.FinishReasonValue() != FinishToolCalls {
		t.Errorf("FinishReasonValue() = %v, want %v", a.FinishReasonValue(), FinishToolCalls)
	}
	if u := a.UsageValue(); u.InputTokens != 10 || u.OutputTokens != 20 {
		t.Errorf("UsageValue() = %+v, want {10 20}", u)
	}
}

func TestAssembler_NoTextProducesNoTextPart(t *testing.T) {
	a := NewAssembler()
	a.Push(StreamEvent{Type: StreamToolCallDelta, ToolCallDelta: ToolCallDelta{Index: 0, ID: strPtr("tc-1"), Name: strPtr("ls")}})

	msg, _ := a.Finish()
	if msg.Text() != "" {
		t.Errorf("Text() = %q, want empty", msg.Text())
	}
}
