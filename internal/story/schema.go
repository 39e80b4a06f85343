package story

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaJSON is the structural contract for story documents. It runs
// against the decoded document before the strict struct decode, so shape
// errors name document paths. Unknown keys are left to the strict decode.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["title", "checkpoints"],
  "properties": {
    "version": {"type": "integer"},
    "title": {"type": "string", "minLength": 1},
    "roles": {"type": "object", "additionalProperties": {"type": "string"}},
    "base_preset": {"type": "string"},
    "role_defaults": {"type": "object"},
    "default_eval_interval": {"type": "integer", "minimum": 1},
    "checkpoints": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "name", "objective"],
        "properties": {
          "id": {"type": ["string", "integer"]},
          "name": {"type": "string", "minLength": 1},
          "objective": {"type": "string", "minLength": 1},
          "win_triggers": {"$ref": "#/$defs/triggerList"},
          "fail_triggers": {"$ref": "#/$defs/triggerList"},
          "on_activate": {"type": "object"}
        }
      }
    },
    "transitions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "outcome"],
        "properties": {
          "id": {"type": ["string", "integer"]},
          "from": {"type": ["string", "integer"]},
          "to": {"type": ["string", "integer"]},
          "outcome": {"enum": ["win", "fail"]},
          "label": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "triggerList": {
      "type": "array",
      "items": {
        "anyOf": [
          {"type": "string"},
          {
            "type": "object",
            "required": ["pattern"],
            "properties": {
              "pattern": {"type": "string", "minLength": 1},
              "flags": {"type": "string"}
            }
          }
        ]
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("story.schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = c.Compile("story.schema.json")
	})
	return schemaCompiled, schemaErr
}

// validateShape checks a decoded document against the story schema.
func validateShape(doc any) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("story schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("story shape: %w", err)
	}
	return nil
}
