package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const testSchema = `{
  "$id": "https://example.com/thing.schema.json",
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "name": { "type": "string", "minLength": 1 }
  },
  "required": ["name"],
  "additionalProperties": false
}`

func TestValidator(t *testing.T) {
	v, err := NewValidator([]string{testSchema})
	assert.NoError(t, err)

	assert.True(t, v.HasSchema("https://example.com/thing.schema.json"))
	assert.False(t, v.HasSchema("https://example.com/other.schema.json"))

	assert.NoError(t, v.ValidateString(`{"name":"socket"}`, "https://example.com/thing.schema.json"))
	assert.Error(t, v.ValidateString(`{"name":""}`, "https://example.com/thing.schema.json"))
	assert.Error(t, v.ValidateString(`{"label":"socket"}`, "https://example.com/thing.schema.json"))
	assert.Error(t, v.ValidateString(`{}`, "https://example.com/unknown.schema.json"))
}

func TestValidateStruct(t *testing.T) {
	v, err := NewValidator([]string{testSchema})
	assert.NoError(t, err)

	type thing struct {
		Name string `json:"name"`
	}
	assert.NoError(t, v.ValidateStruct(thing{Name: "socket"}, "https://example.com/thing.schema.json"))
	assert.Error(t, v.ValidateStruct(thing{}, "https://example.com/thing.schema.json"))
}

func TestSchemaWithoutID(t *testing.T) {
	_, err := NewValidator([]string{`{"type":"object"}`})
	assert.Error(t, err)
}

func TestSchemaNotJSON(t *testing.T) {
	_, err := NewValidator([]string{`not json`})
	assert.Error(t, err)
}
