// Package jsonschemavalidator adapts kin-openapi's OpenAPI 3 schema
// model to client.Validator, giving workflow input validation a
// concrete implementation without client depending on a schema
// library directly.
package jsonschemavalidator

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// Validator validates workflow input against a kin-openapi schema.
type Validator struct {
	schema *openapi3.Schema
}

// New builds a Validator from a JSON Schema / OpenAPI 3 schema
// document.
func New(schemaJSON []byte) (*Validator, error) {
	var schema openapi3.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := schema.Validate(openapi3.NewLoader().Context); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Validator{schema: &schema}, nil
}

// Validate checks input against the schema.
func (v *Validator) Validate(input json.RawMessage) error {
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := v.schema.VisitJSON(value); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}
