// Package validation checks intake documents read at the boundary (files,
// MCP payloads) against a JSON Schema before they reach the workflow. The
// business rules in the INTAKE stage remain authoritative; this layer rejects
// malformed documents with per-location messages.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triagekit/triagekit/pkg/schema"
)

// intakeSchemaJSON is the JSON Schema for intake request documents.
// Embedded as a constant to avoid filesystem dependencies.
const intakeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://triagekit.dev/schemas/intake.json",
  "type": "object",
  "required": ["customer_name", "email", "query"],
  "properties": {
    "customer_name": {
      "type": "string",
      "minLength": 1
    },
    "email": {
      "type": "string",
      "minLength": 3,
      "pattern": "@"
    },
    "query": {
      "type": "string",
      "minLength": 1,
      "maxLength": 5000
    },
    "priority": {
      "type": "string",
      "enum": ["low", "medium", "high", "urgent"]
    },
    "ticket_id": {
      "type": "string"
    }
  },
  "additionalProperties": false
}`

const intakeSchemaURL = "https://triagekit.dev/schemas/intake.json"

// IntakeValidator validates raw intake documents against the intake JSON
// Schema. It is safe for concurrent use.
type IntakeValidator struct {
	schema *jsonschema.Schema
}

// NewIntakeValidator compiles the embedded intake schema.
func NewIntakeValidator() (*IntakeValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(intakeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal intake schema: %w", err)
	}
	if err := c.AddResource(intakeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add intake schema resource: %w", err)
	}
	compiled, err := c.Compile(intakeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile intake schema: %w", err)
	}
	return &IntakeValidator{schema: compiled}, nil
}

// ValidateDocument checks a raw JSON intake document and decodes it into an
// IntakeRequest. Violations are collected into a single VALIDATION_ERROR.
func (v *IntakeValidator) ValidateDocument(raw []byte) (*schema.IntakeRequest, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "intake document is not valid JSON").
			WithCause(err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, toTriageError(err)
	}

	var req schema.IntakeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to decode intake document").
			WithCause(err)
	}
	return &req, nil
}

// ValidateMap checks an already-decoded intake payload, as received from MCP
// tool arguments.
func (v *IntakeValidator) ValidateMap(payload map[string]any) (*schema.IntakeRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize intake payload").
			WithCause(err)
	}
	return v.ValidateDocument(raw)
}

// toTriageError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// with per-location violation messages.
func toTriageError(err error) *schema.TriageError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("intake validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithStage(schema.StageIntake).
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
