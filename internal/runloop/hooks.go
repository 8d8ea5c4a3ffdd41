package runloop

import (
	"context"

	"github.com/homie-roci/roci-agent/pkg/models"
)

// CompactionHook replaces conversation history when the token budget is
// exceeded. Returning (nil, nil) means "no-op": the caller evaluated the
// history and decided nothing needed to change.
type CompactionHook func(ctx context.Context, messages []models.AgentMessage, cancel *CancelToken) ([]models.AgentMessage, error)

// PreToolUseHook runs before a tool call is dispatched. Returning a non-nil
// result short-circuits execution entirely; the returned call's Args are
// used for the dispatch that follows when result is nil.
type PreToolUseHook func(ctx context.Context, call models.ToolCall) (models.ToolCall, *models.ToolResult, error)

// PostToolUseHook runs after a tool call completes and may augment the result.
type PostToolUseHook func(ctx context.Context, result models.ToolResult) (models.ToolResult, error)

// ConvertToLLMHook projects agent-level history into the provider-facing
// message list, overriding DefaultProjection.
type ConvertToLLMHook func(messages []models.AgentMessage) []models.ModelMessage

// Hooks is the explicit record of optional user-supplied callbacks, in
// place of the boxed async closures a dynamically typed source would use.
type Hooks struct {
	Compaction  CompactionHook
	PreToolUse  PreToolUseHook
	PostToolUse PostToolUseHook
	ConvertToLLM ConvertToLLMHook
}

// Project applies ConvertToLLM if set, otherwise the default projection.
func (h Hooks) Project(messages []models.AgentMessage) []models.ModelMessage {
	if h.ConvertToLLM != nil {
		return h.ConvertToLLM(messages)
	}
	return models.DefaultProjection(messages)
}
