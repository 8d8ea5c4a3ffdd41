// Package providers contains concrete ModelProvider adapters over real
// vendor SDKs, the only components in this module that touch a network
// transport. They exist to demonstrate that the run loop's ModelProvider
// interface is not tied to any one vendor's streaming shape, and every
// concrete behavior here (message conversion, SSE event handling, retry
// classification) is grounded on the teacher's
// internal/agent/providers/anthropic.go.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/homie-roci/roci-agent/internal/runloop"
	"github.com/homie-roci/roci-agent/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider implements runloop.ModelProvider against the Anthropic
// Messages API, streaming via Server-Sent Events.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider builds a provider from config. APIKey is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, &runloop.RunError{Kind: runloop.KindMissingCredential, Provider: "anthropic", Message: "missing Anthropic API key"}
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

// Transports reports the transport names this provider recognizes. Empty:
// Anthropic's API has no caller-selectable transport variants.
func (p *AnthropicProvider) Transports() []string { return nil }

// Stream issues a Messages.NewStreaming call and adapts its SSE event union
// into the run loop's StreamEvent sequence.
func (p *AnthropicProvider) Stream(ctx context.Context, req runloop.ProviderRequest, cancel *runloop.CancelToken) (runloop.StreamHandle, error) {
	if err := runloop.ValidateTransport(p, req.Transport); err != nil {
		return nil, err
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	streamCtx, stop := cancel.WithContext(ctx)
	stream := p.client.Messages.NewStreaming(streamCtx, params)
	return &anthropicStream{stream: stream, stop: stop}, nil
}

func (p *AnthropicProvider) buildParams(req runloop.ProviderRequest) (anthropic.MessageNewParams, error) {
	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := int64(req.Settings.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Text()})
			continue
		case models.RoleUser:
			blocks, err := userContentBlocks(m)
			if err != nil {
				return params, err
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		case models.RoleAssistant:
			blocks, err := assistantContentBlocks(m)
			if err != nil {
				return params, err
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			blocks, err := toolResultBlocks(m)
			if err != nil {
				return params, err
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}
	params.Messages = messages

	if req.Settings.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Settings.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: schemaProperties(t.Schema),
					},
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func userContentBlocks(m models.ModelMessage) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	if text := m.Text(); text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	for _, part := range m.Parts {
		if part.Type == models.PartImage {
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{Data: part.Image}))
		}
	}
	return blocks, nil
}

func assistantContentBlocks(m models.ModelMessage) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	if text := m.Text(); text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	for _, call := range m.ToolCalls() {
		var input any
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &input); err != nil {
				return nil, fmt.Errorf("anthropic: tool call %q args: %w", call.ID, err)
			}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
	}
	return blocks, nil
}

func toolResultBlocks(m models.ModelMessage) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, r := range m.ToolResults() {
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, string(r.Payload), r.IsError))
	}
	return blocks, nil
}

// schemaProperties renders a runloop.ToolSchema's declared properties as the
// bare JSON-schema "properties" object Anthropic's tool params expect.
func schemaProperties(schema runloop.ToolSchema) any {
	doc := toJSONSchemaDoc(schema)
	if props, ok := doc["properties"]; ok {
		return props
	}
	return map[string]any{}
}

// anthropicStream adapts ssestream.Stream[anthropic.MessageStreamEventUnion]
// to runloop.StreamHandle, mirroring the event switch in the teacher's
// processStream but emitting runloop.StreamEvent instead of an internal
// CompletionChunk channel.
type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	stop   context.CancelFunc
	toolID string
	toolNm string
	index  int
}

func (s *anthropicStream) Next(ctx context.Context) (runloop.StreamEvent, bool) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				s.toolID, s.toolNm = use.ID, use.Name
				id, nm := s.toolID, s.toolNm
				ev := runloop.StreamEvent{
					Type: runloop.StreamToolCallDelta,
					ToolCallDelta: runloop.ToolCallDelta{
						Index: s.index, ID: &id, Name: &nm,
					},
				}
				return ev, true
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					return runloop.StreamEvent{Type: runloop.StreamTextDelta, Text: delta.Text}, true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					return runloop.StreamEvent{Type: runloop.StreamReasoningDelta, Reasoning: delta.Thinking}, true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					return runloop.StreamEvent{
						Type:          runloop.StreamToolCallDelta,
						ToolCallDelta: runloop.ToolCallDelta{Index: s.index, ArgsFragment: delta.PartialJSON},
					}, true
				}
			}
		case "content_block_stop":
			s.index++
		case "message_delta":
			usage := event.AsMessageDelta().Usage
			return runloop.StreamEvent{
				Type:  runloop.StreamUsage,
				Usage: runloop.Usage{OutputTokens: int(usage.OutputTokens)},
			}, true
		case "message_stop":
			return runloop.StreamEvent{Type: runloop.StreamDone}, true
		}
	}
	return runloop.StreamEvent{}, false
}

func (s *anthropicStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return classifyAnthropicError(err)
	}
	return nil
}

func (s *anthropicStream) Close() error {
	s.stop()
	return s.stream.Close()
}

// classifyAnthropicError maps a raw SDK error to the RunError taxonomy,
// mirroring the teacher's wrapError/isRetryableError split and openai.go's
// classifyOpenAIError's use of errors.As so a wrapped *anthropic.Error (for
// instance one returned through ssestream's own error wrapping) still
// classifies correctly instead of only matching an unwrapped error value.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return runloop.NewRateLimited(retryAfterFromHeader(apiErr))
		case 401, 403:
			return &runloop.RunError{Kind: runloop.KindAuthentication, Provider: "anthropic", Cause: err}
		case 500, 502, 503, 504:
			return &runloop.RunError{Kind: runloop.KindNetwork, Provider: "anthropic", Cause: err}
		}
	}
	return &runloop.RunError{Kind: runloop.KindProvider, Provider: "anthropic", Cause: err}
}

// retryAfterFromHeader reads the Retry-After header Anthropic sends on 429s,
// mirroring the spec's RateLimited{retry_after?} contract. Returns nil when
// absent, which the run loop treats as an immediately-fatal rate limit.
func retryAfterFromHeader(apiErr *anthropic.Error) *int {
	if apiErr.Response == nil {
		return nil
	}
	raw := apiErr.Response.Header.Get("Retry-After")
	if raw == "" {
		return nil
	}
	var seconds int
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err != nil {
		return nil
	}
	ms := seconds * 1000
	return &ms
}
