// Package validation checks run-config documents against an embedded JSON
// Schema before they reach the parser, so malformed configs fail with
// field-level messages instead of partial defaults.
package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// runConfigSchemaJSON is the JSON Schema for run-config documents.
// Embedded as a constant to avoid filesystem dependencies.
const runConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://halcyonrf.dev/schemas/runconfig.json",
  "type": "object",
  "required": ["band"],
  "properties": {
    "band": {
      "type": "string",
      "enum": ["sub1ghz", "24ghz"]
    },
    "init_timeout": { "$ref": "#/$defs/duration" },
    "listen_min": { "$ref": "#/$defs/duration" },
    "listen_max": { "$ref": "#/$defs/duration" },
    "analyze_timeout": { "$ref": "#/$defs/duration" },
    "ready_timeout": { "$ref": "#/$defs/duration" },
    "tx_gate_timeout": { "$ref": "#/$defs/duration" },
    "transmit_max": { "$ref": "#/$defs/duration" },
    "cleanup_timeout": { "$ref": "#/$defs/duration" },
    "buffer_size": {
      "type": "integer",
      "minimum": 1,
      "maximum": 10000
    },
    "dry_run": { "type": "boolean" },
    "blacklist_mhz": {
      "type": "array",
      "items": {
        "type": "number",
        "exclusiveMinimum": 0
      }
    },
    "max_tx_per_minute": {
      "type": "integer",
      "minimum": 1,
      "maximum": 600
    },
    "policy_rules": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  }
}`

// RunConfigValidator validates raw run-config documents using JSON Schema
// Draft 2020-12. Safe for concurrent use after construction.
type RunConfigValidator struct {
	compiled *jsonschema.Schema
}

// NewRunConfigValidator compiles the embedded schema.
func NewRunConfigValidator() (*RunConfigValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(runConfigSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal run config schema: %w", err)
	}
	if err := c.AddResource("https://halcyonrf.dev/schemas/runconfig.json", doc); err != nil {
		return nil, fmt.Errorf("add run config schema resource: %w", err)
	}
	compiled, err := c.Compile("https://halcyonrf.dev/schemas/runconfig.json")
	if err != nil {
		return nil, fmt.Errorf("compile run config schema: %w", err)
	}
	return &RunConfigValidator{compiled: compiled}, nil
}

// Validate checks a raw run-config document against the schema. It does not
// parse the document into a RunConfig; that happens downstream.
func (v *RunConfigValidator) Validate(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "run config is not valid JSON").WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return toWorkflowError(err)
	}
	return nil
}

// ValidateAndParse validates then parses, returning the decoded config.
func (v *RunConfigValidator) ValidateAndParse(raw []byte) (schema.RunConfig, error) {
	if err := v.Validate(raw); err != nil {
		return schema.RunConfig{}, err
	}
	return schema.ParseRunConfig(raw)
}

// toWorkflowError converts a jsonschema.ValidationError into a WorkflowError
// with field-level messages.
func toWorkflowError(err error) *schema.WorkflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("run config validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
