package loadspec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// specSchema is the JSON Schema every spec must satisfy before the semantic
// checks run. Kept intentionally structural; value-level rules (durations,
// correlation references) live in validateSemantics.
const specSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "target", "load", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "target": {
      "type": "object",
      "required": ["baseUrl"],
      "properties": {
        "baseUrl": {"type": "string", "minLength": 1},
        "headers": {"type": "object"},
        "insecureSkipVerify": {"type": "boolean"}
      }
    },
    "load": {
      "type": "object",
      "required": ["vus", "duration"],
      "properties": {
        "vus": {"type": "integer", "minimum": 1},
        "duration": {"type": "string", "minLength": 1},
        "rampUp": {"type": "string"},
        "maxRps": {"type": "number", "minimum": 0}
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "method", "url"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]},
          "url": {"type": "string", "minLength": 1},
          "headers": {"type": "object"},
          "body": {"type": "string"},
          "thinkTime": {"type": "string"},
          "extract": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "path"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "path": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    },
    "estimatedDuration": {"type": "string"}
  }
}`

// SchemaValidator validates specs against the embedded JSON Schema plus
// semantic rules the schema cannot express.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded spec schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("spec.json", strings.NewReader(specSchema)); err != nil {
		return nil, fmt.Errorf("invalid spec schema: %w", err)
	}
	schema, err := compiler.Compile("spec.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile spec schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// ValidateSpec validates a test spec.
//
// Returns a ValidationResult listing every problem found; the error return
// is reserved for validator-internal failures.
func (v *SchemaValidator) ValidateSpec(ctx context.Context, spec *TestSpec) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec == nil {
		return &ValidationResult{IsValid: false, Errors: []string{"spec is nil"}}, nil
	}

	result := &ValidationResult{IsValid: true}

	// Structural pass: round-trip through JSON so the schema sees the same
	// shape the YAML parser produced.
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spec for validation: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode spec for validation: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		result.IsValid = false
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			for _, cause := range flattenSchemaError(ve) {
				result.Errors = append(result.Errors, cause)
			}
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	v.validateSemantics(spec, result)
	return result, nil
}

// validateSemantics applies value-level rules on top of the schema pass.
func (v *SchemaValidator) validateSemantics(spec *TestSpec, result *ValidationResult) {
	addErr := func(format string, args ...interface{}) {
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if spec.Load.Duration != "" {
		if d, err := time.ParseDuration(spec.Load.Duration); err != nil {
			addErr("load.duration %q is not a valid duration", spec.Load.Duration)
		} else if d <= 0 {
			addErr("load.duration must be positive, got %s", d)
		}
	}
	if spec.Load.RampUp != "" {
		if _, err := time.ParseDuration(spec.Load.RampUp); err != nil {
			addErr("load.rampUp %q is not a valid duration", spec.Load.RampUp)
		}
	}
	if spec.EstimatedDuration != "" {
		if _, err := time.ParseDuration(spec.EstimatedDuration); err != nil {
			addErr("estimatedDuration %q is not a valid duration", spec.EstimatedDuration)
		}
	}

	// Correlation references must resolve to an extraction from an earlier
	// step; forward or dangling references would fail at run time.
	known := map[string]bool{"baseUrl": true}
	for _, step := range spec.Steps {
		for _, name := range templateRefs(step.URL) {
			if !known[name] {
				addErr("step %q references {{%s}} before any step extracts it", step.Name, name)
			}
		}
		for _, hv := range step.Headers {
			for _, name := range templateRefs(hv) {
				if !known[name] {
					addErr("step %q references {{%s}} before any step extracts it", step.Name, name)
				}
			}
		}
		for _, name := range templateRefs(step.Body) {
			if !known[name] {
				addErr("step %q references {{%s}} before any step extracts it", step.Name, name)
			}
		}
		for _, rule := range step.Extract {
			if known[rule.Name] && rule.Name != "baseUrl" {
				addErr("step %q re-extracts %q, already defined by an earlier step", step.Name, rule.Name)
			}
			known[rule.Name] = true
		}
	}
}

// MinimalValidator is the fallback validator used when full validation
// cannot run: it only asserts the handful of fields nothing downstream can
// work without.
type MinimalValidator struct{}

// ValidateSpec applies the minimal pass.
func (MinimalValidator) ValidateSpec(ctx context.Context, spec *TestSpec) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &ValidationResult{IsValid: true}
	if spec == nil {
		return &ValidationResult{IsValid: false, Errors: []string{"spec is nil"}}, nil
	}
	if spec.Name == "" {
		result.IsValid = false
		result.Errors = append(result.Errors, "spec name is required")
	}
	if spec.Target.BaseURL == "" {
		result.IsValid = false
		result.Errors = append(result.Errors, "target.baseUrl is required")
	}
	if len(spec.Steps) == 0 {
		result.IsValid = false
		result.Errors = append(result.Errors, "at least one step is required")
	}
	return result, nil
}

// flattenSchemaError collects the leaf causes of a jsonschema validation
// error into printable strings.
func flattenSchemaError(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenSchemaError(cause)...)
	}
	return out
}
