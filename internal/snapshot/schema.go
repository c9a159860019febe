package snapshot

import (
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// snapshotSchema describes the shape every app version agrees on. Properties
// are optional and additional ones are allowed, so newer or older writers
// still validate; only type mismatches are rejected.
const snapshotSchema = `{
	"type": "object",
	"properties": {
		"messages": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"sender": {"type": "string"},
					"content": {"type": "string"},
					"timestamp": {"type": "string"}
				},
				"required": ["content"]
			}
		},
		"actions": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"actionName": {"type": "string"},
					"timestamp": {"type": "string"},
					"reason": {"type": ["string", "null"]}
				},
				"required": ["actionName"]
			}
		},
		"notes": {"type": ["string", "null"]},
		"differential": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"diagnosis": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"rationale": {"type": "string"}
				},
				"required": ["diagnosis"]
			}
		},
		"evaluation": {"type": ["string", "null"]},
		"clientTimestamp": {"type": ["string", "null"]},
		"appVersion": {"type": ["string", "null"]},
		"deviceIdentifier": {"type": ["string", "null"]}
	}
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(snapshotSchema))
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return schema, nil
})

func validateStructure(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: schema validation failed: %v", ErrCorruptSnapshot, result.Errors)
}
