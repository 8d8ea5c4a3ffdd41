package providers

import (
	"encoding/json"

	"github.com/homie-roci/roci-agent/internal/runloop"
)

// toJSONSchemaDoc renders a runloop.ToolSchema as the full
// {"type":"object","properties":{...},"required":[...]} document the
// OpenAI function-calling and Anthropic tool-use wire formats both expect.
// A tool-supplied Raw document, when compiled successfully by the registry,
// takes precedence over the hand-rolled Properties/Required fields.
func toJSONSchemaDoc(schema runloop.ToolSchema) map[string]any {
	if schema.Raw != nil {
		var doc map[string]any
		if err := json.Unmarshal(schema.Raw, &doc); err == nil {
			return doc
		}
	}
	props := make(map[string]any, len(schema.Properties))
	for name, p := range schema.Properties {
		entry := map[string]any{}
		if p.Type != "" {
			entry["type"] = p.Type
		}
		props[name] = entry
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   schema.Required,
	}
}
