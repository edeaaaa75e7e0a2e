package notify

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildCompletionSchema returns the JSON-Schema (draft 2020-12 subset) a
// completion message must satisfy, as a generic map. Only JobId is
// required; engines attach extra fields freely and Status is validated
// after normalization, not here.
func BuildCompletionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"JobId":  map[string]any{"type": "string", "minLength": 1},
			"Status": map[string]any{"type": "string"},
			"API":    map[string]any{"type": "string"},
			"DocumentLocation": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ObjectName": map[string]any{"type": "string"},
				},
			},
		},
		"required": []string{"JobId"},
	}
}

// validateAgainstSchema validates data against schemaMap.
func validateAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("completion.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("completion.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("message does not match schema: %w", err)
	}
	return nil
}
