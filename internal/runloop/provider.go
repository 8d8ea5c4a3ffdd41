package runloop

import (
	"context"

	"github.com/homie-roci/roci-agent/pkg/models"
)

// GenerationSettings carries the per-run model parameters a provider
// receives alongside the message list, as described in §3's RunRequest.
type GenerationSettings struct {
	Temperature      *float64
	MaxTokens        int
	ReasoningEffort  string
	ResponseFormat   string
}

// ProviderRequest is the boundary contract a ModelProvider.Stream receives
// (§6 "Provider request (boundary)"). Transport, when set, is validated
// against the provider's advertised set before the call is issued.
type ProviderRequest struct {
	ModelID   string
	Messages  []models.ModelMessage
	Settings  GenerationSettings
	Tools     []ToolSchemaDescriptor
	Transport string
}

// ToolSchemaDescriptor is the wire shape of one tool's name+schema as handed
// to the provider, distinct from the runloop's own Tool interface: a
// provider never sees Execute, only the calling contract.
type ToolSchemaDescriptor struct {
	Name        string
	Description string
	Schema      ToolSchema
}

// StreamHandle is the lazy sequence of StreamEvents a provider call returns.
// Next blocks until the next event is available, returns false when the
// stream is exhausted (Done was observed or the underlying transport
// closed), and Err reports any error that ended the stream early.
type StreamHandle interface {
	Next(ctx context.Context) (StreamEvent, bool)
	Err() error
	Close() error
}

// ModelProvider is the collaborator interface for a language-model backend.
// Stream must honor ctx/cancel cancellation promptly: an in-flight stream is
// dropped with no further deltas delivered once either fires.
type ModelProvider interface {
	// Transports lists the transport names this provider recognizes. An
	// empty slice means the provider does not support selecting a
	// transport and any non-empty ProviderRequest.Transport is rejected.
	Transports() []string

	// Stream issues the request and returns a handle over the delta
	// sequence. Implementations should return promptly on ctx
	// cancellation rather than blocking until the network layer times out.
	Stream(ctx context.Context, req ProviderRequest, cancel *CancelToken) (StreamHandle, error)
}

// ValidateTransport checks req.Transport against provider's advertised set,
// producing the §4.1 step-4 error text verbatim when unsupported.
func ValidateTransport(provider ModelProvider, transport string) error {
	if transport == "" {
		return nil
	}
	for _, t := range provider.Transports() {
		if t == transport {
			return nil
		}
	}
	return &RunError{
		Kind:    KindUnsupportedOperation,
		Message: "unsupported provider transport '" + transport + "'",
	}
}
