package runloop

import (
	"context"
	"time"

	"github.com/homie-roci/roci-agent/pkg/models"
)

// streamWithRetry issues one provider call, consumes its deltas into an
// assembled assistant message, and applies the §4.6 retry policy on
// RateLimited/Network/Timeout errors without consuming iteration budget.
func (s *RunState) streamWithRetry(ctx context.Context, messages []models.ModelMessage) (models.AgentMessage, Usage, error) {
	if err := ValidateTransport(s.provider, s.request.Transport); err != nil {
		return models.AgentMessage{}, Usage{}, err
	}

	req := ProviderRequest{
		ModelID:   s.request.ModelID,
		Messages:  messages,
		Settings:  s.request.Settings,
		Transport: s.request.Transport,
		Tools:     toolDescriptors(s.request.Tools),
	}

	transientAttempt := 0
	for {
		msg, usage, err := s.streamOnce(ctx, req)
		if err == nil {
			return msg, usage, nil
		}

		runErr, ok := err.(*RunError)
		if !ok {
			return models.AgentMessage{}, Usage{}, err
		}

		outcome, delayMs := s.retry.Decide(runErr, transientAttempt)
		if outcome == RetryOutcomeFail {
			return models.AgentMessage{}, Usage{}, runErr
		}
		if runErr.Kind == KindRateLimited {
			s.metrics.RetryAttempted("rate_limited")
		} else {
			s.metrics.RetryAttempted("transient")
			transientAttempt++
		}
		if waitErr := s.retry.Wait(ctx, s.root, delayMs); waitErr != nil {
			return models.AgentMessage{}, Usage{}, waitErr
		}
	}
}

// streamOnce issues exactly one provider call and assembles its deltas.
func (s *RunState) streamOnce(ctx context.Context, req ProviderRequest) (models.AgentMessage, Usage, error) {
	child := s.root.Child()
	defer child.Cancel()

	s.progress.setStreaming(true)
	defer s.progress.setStreaming(false)

	start := time.Now()
	handle, err := s.provider.Stream(ctx, req, child)
	if err != nil {
		return models.AgentMessage{}, Usage{}, err
	}
	defer handle.Close()
	defer func() { s.metrics.ObserveStreamLatency(s.request.ModelID, time.Since(start)) }()

	assembler := NewAssembler()
	sawDone := false
	sawFinish := false

	for {
		event, ok := handle.Next(ctx)
		if !ok {
			break
		}
		assembler.Push(event)
		switch event.Type {
		case StreamTextDelta:
			s.emitter.TextDelta(event.Text)
		case StreamReasoningDelta:
			s.emitter.ReasoningDelta(event.Reasoning)
		case StreamToolCallDelta:
			s.emitter.ToolCallDeltaEvent()
		case StreamFinishReason:
			sawFinish = true
		case StreamDone:
			sawDone = true
		}
	}

	if streamErr := handle.Err(); streamErr != nil {
		if runErr, ok := streamErr.(*RunError); ok {
			return models.AgentMessage{}, Usage{}, runErr
		}
		return models.AgentMessage{}, Usage{}, &RunError{Kind: KindNetwork, Cause: streamErr}
	}

	if !sawDone && !sawFinish {
		return models.AgentMessage{}, Usage{}, &RunError{Kind: KindNetwork, Message: "stream closed before a finish reason was observed"}
	}

	msg, toolErrs := assembler.Finish()
	// A tool call whose arguments failed to parse as JSON keeps its
	// ToolCallPart (holding the raw, invalid bytes) rather than being
	// dropped; the dispatcher's own argument-validation step rejects it in
	// this iteration's dispatch and produces the matching ToolResult through the normal
	// tool-role path, per §3's call/result pairing invariant. Record the
	// malformed call here only for observability.
	for _, e := range toolErrs {
		if te, ok := e.(*ToolError); ok {
			s.metrics.ToolExecuted(te.ToolName, "invalid_args")
		}
	}

	return msg, assembler.UsageValue(), nil
}

func toolDescriptors(tools []Tool) []ToolSchemaDescriptor {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolSchemaDescriptor, len(tools))
	for i, t := range tools {
		out[i] = ToolSchemaDescriptor{Name: t.Name(), Schema: t.Schema()}
	}
	return out
}
