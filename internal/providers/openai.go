package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/homie-roci/roci-agent/internal/runloop"
	"github.com/homie-roci/roci-agent/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider implements runloop.ModelProvider against the OpenAI chat
// completions API, demonstrating that the run loop's ModelProvider
// abstraction is not Anthropic-specific. Grounded on the teacher's
// internal/agent/providers/openai.go.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider builds a provider from config. APIKey is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, &runloop.RunError{Kind: runloop.KindMissingCredential, Provider: "openai", Message: "missing OpenAI API key"}
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}, nil
}

// Transports reports the transport names this provider recognizes. Empty:
// the REST chat-completions endpoint has no caller-selectable variants.
func (p *OpenAIProvider) Transports() []string { return nil }

// Stream issues a CreateChatCompletionStream call and adapts its chunk
// sequence into the run loop's StreamEvent sequence.
func (p *OpenAIProvider) Stream(ctx context.Context, req runloop.ProviderRequest, cancel *runloop.CancelToken) (runloop.StreamHandle, error) {
	if err := runloop.ValidateTransport(p, req.Transport); err != nil {
		return nil, err
	}

	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	streamCtx, stop := cancel.WithContext(ctx)
	stream, err := p.client.CreateChatCompletionStream(streamCtx, chatReq)
	if err != nil {
		stop()
		return nil, classifyOpenAIError(err)
	}
	return &openAIStream{stream: stream, stop: stop, pending: make(map[int]*pendingCall)}, nil
}

func (p *OpenAIProvider) buildRequest(req runloop.ProviderRequest) (openai.ChatCompletionRequest, error) {
	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text()})
		case models.RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text()})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text()}
			for _, c := range m.ToolCalls() {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   c.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      c.Name,
						Arguments: string(c.Args),
					},
				})
			}
			messages = append(messages, msg)
		case models.RoleTool:
			for _, r := range m.ToolResults() {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: r.ToolCallID,
					Content:    string(r.Payload),
				})
			}
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.Settings.Temperature != nil {
		chatReq.Temperature = float32(*req.Settings.Temperature)
	}
	if req.Settings.MaxTokens > 0 {
		chatReq.MaxTokens = req.Settings.MaxTokens
	}

	for _, t := range req.Tools {
		raw, err := json.Marshal(toJSONSchemaDoc(t.Schema))
		if err != nil {
			return chatReq, err
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(raw),
			},
		})
	}

	return chatReq, nil
}

type pendingCall struct {
	id, name string
	args     string
}

// openAIStream adapts *openai.ChatCompletionStream to runloop.StreamHandle,
// mirroring the teacher's processStream chunk-accumulation loop but
// emitting one runloop.StreamEvent per Recv() instead of buffering whole
// tool calls before emitting them.
type openAIStream struct {
	stream  *openai.ChatCompletionStream
	stop    context.CancelFunc
	pending map[int]*pendingCall
	err     error
	done    bool
}

func (s *openAIStream) Next(ctx context.Context) (runloop.StreamEvent, bool) {
	if s.done {
		return runloop.StreamEvent{}, false
	}

	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return runloop.StreamEvent{Type: runloop.StreamDone}, true
		}
		s.err = classifyOpenAIError(err)
		s.done = true
		return runloop.StreamEvent{}, false
	}

	if len(resp.Choices) == 0 {
		return runloop.StreamEvent{Type: runloop.StreamUsage}, true
	}
	choice := resp.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		return runloop.StreamEvent{Type: runloop.StreamTextDelta, Text: delta.Content}, true
	}

	for _, tc := range delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		var idPtr, namePtr *string
		if tc.ID != "" {
			id := tc.ID
			idPtr = &id
		}
		if tc.Function.Name != "" {
			name := tc.Function.Name
			namePtr = &name
		}
		return runloop.StreamEvent{
			Type: runloop.StreamToolCallDelta,
			ToolCallDelta: runloop.ToolCallDelta{
				Index: index, ID: idPtr, Name: namePtr, ArgsFragment: tc.Function.Arguments,
			},
		}, true
	}

	if choice.FinishReason != "" {
		return runloop.StreamEvent{Type: runloop.StreamFinishReason, FinishReason: mapFinishReason(choice.FinishReason)}, true
	}

	return runloop.StreamEvent{Type: runloop.StreamUsage}, true
}

func mapFinishReason(r openai.FinishReason) runloop.FinishReason {
	switch r {
	case openai.FinishReasonToolCalls:
		return runloop.FinishToolCalls
	case openai.FinishReasonLength:
		return runloop.FinishLength
	default:
		return runloop.FinishStop
	}
}

func (s *openAIStream) Err() error { return s.err }

func (s *openAIStream) Close() error {
	s.stop()
	s.stream.Close()
	return nil
}

// classifyOpenAIError maps a raw SDK error to the RunError taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return runloop.NewRateLimited(nil)
		case 401, 403:
			return &runloop.RunError{Kind: runloop.KindAuthentication, Provider: "openai", Cause: err}
		case 500, 502, 503, 504:
			return &runloop.RunError{Kind: runloop.KindNetwork, Provider: "openai", Cause: err}
		}
	}
	return &runloop.RunError{Kind: runloop.KindProvider, Provider: "openai", Cause: err}
}
