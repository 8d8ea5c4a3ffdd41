package runloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a callable capability exposed to the model. Name and Schema are
// static; Execute is invoked once per matching tool call with a child cancel
// token derived from the run's root.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, args json.RawMessage, cancel *CancelToken) (json.RawMessage, error)
}

// ToolSchema is the JSON-schema-shaped parameter contract a tool publishes.
// Only the subset the validator understands is modeled explicitly; Raw, if
// set, is compiled with santhosh-tekuri/jsonschema at registration time so a
// malformed schema is rejected before any call reaches it.
type ToolSchema struct {
	Properties map[string]PropertySchema
	Required   []string

	// Raw, when non-nil, is the tool's schema as a JSON document. Supplying
	// it lets the registry verify the schema itself is well-formed using a
	// general-purpose compiler instead of the hand-rolled per-call walker
	// below, which exists only to produce the spec's exact error strings.
	Raw json.RawMessage
}

// PropertySchema describes one property's declared type for validation.
type PropertySchema struct {
	Type string // one of string,number,integer,boolean,object,array,null, or "" (pass-through)
}

// ToolTimeout optionally bounds tool execution. Implemented as a separate
// interface so tools that don't care about a deadline need not embed one.
type ToolTimeout interface {
	Timeout() time.Duration
}

// ParallelSafeTools is the statically known read-only tool set dispatchable
// concurrently within one batch (§4.2). Not configurable per-run in this
// version; see SPEC_FULL.md's Open Questions.
var ParallelSafeTools = map[string]bool{
	"read":       true,
	"ls":         true,
	"find":       true,
	"grep":       true,
	"web_search": true,
	"web_fetch":  true,
}

// IsParallelSafe reports whether name belongs to the parallel-safe set.
func IsParallelSafe(name string) bool {
	return ParallelSafeTools[name]
}

// ToolRegistry resolves tool names to implementations and compiles their
// schemas once at registration time.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name. If
// the tool's schema carries a Raw document, it is compiled here; a
// malformed schema is a registration-time error, never a per-call one.
func (r *ToolRegistry) Register(tool Tool) error {
	if raw := tool.Schema().Raw; raw != nil {
		if err := compileSchema(raw); err != nil {
			return fmt.Errorf("tool %q: invalid schema: %w", tool.Name(), err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns the tool registered under name, if any.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func compileSchema(raw json.RawMessage) error {
	const resource = "tool-schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err := c.Compile(resource)
	return err
}

// ValidateArgs checks args against schema's required/property-type
// constraints, producing the spec's exact error wording (§4.2 step 2). It
// does not use the general-purpose schema compiler: the spec pins literal
// error strings no off-the-shelf validator reproduces verbatim.
func ValidateArgs(schema ToolSchema, args json.RawMessage) error {
	var decoded map[string]any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments must be a JSON object")
	}

	for _, req := range schema.Required {
		if _, ok := decoded[req]; !ok {
			return fmt.Errorf("missing required field '%s'", req)
		}
	}

	for name, prop := range schema.Properties {
		if prop.Type == "" {
			continue
		}
		value, ok := decoded[name]
		if !ok {
			continue
		}
		if !matchesType(value, prop.Type) {
			return fmt.Errorf("field '%s' expected type '%s', got %s", name, prop.Type, jsonTypeOf(value))
		}
	}

	return nil
}

func matchesType(value any, want string) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func jsonTypeOf(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		if v == float64(int64(v)) {
			return "integer"
		}
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
