package jsonschemavalidator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const objectSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`

func TestValidateAcceptsConformingInput(t *testing.T) {
	v, err := New([]byte(objectSchema))
	require.NoError(t, err)

	err = v.Validate(json.RawMessage(`{"name":"ada","age":30}`))
	assert.NoError(t, err)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	v, err := New([]byte(objectSchema))
	require.NoError(t, err)

	err = v.Validate(json.RawMessage(`{"age":30}`))
	assert.Error(t, err)
}

func TestValidateRejectsWrongType(t *testing.T) {
	v, err := New([]byte(objectSchema))
	require.NoError(t, err)

	err = v.Validate(json.RawMessage(`{"name":"ada","age":"old"}`))
	assert.Error(t, err)
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	v, err := New([]byte(objectSchema))
	require.NoError(t, err)

	err = v.Validate(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestNewRejectsInvalidSchema(t *testing.T) {
	_, err := New([]byte(`{"type": "not-a-real-type"}`))
	assert.Error(t, err)
}
