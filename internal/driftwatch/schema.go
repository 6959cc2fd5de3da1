package driftwatch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Ledger lines are near-freeform agent output; the schema pins down only what
// the pipeline itself depends on: an object shape and a non-empty string id.
const entitySchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1}
	},
	"required": ["id"]
}`

var entitySchema = mustCompileEntitySchema()

func mustCompileEntitySchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entitySchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("driftwatch: invalid entity schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("entity.schema.json", doc); err != nil {
		panic(fmt.Sprintf("driftwatch: failed to register entity schema: %v", err))
	}
	schema, err := compiler.Compile("entity.schema.json")
	if err != nil {
		panic(fmt.Sprintf("driftwatch: failed to compile entity schema: %v", err))
	}
	return schema
}

func parseEntityLine(line []byte) (Entity, error) {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
	if err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := entitySchema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entity line is not an object")
	}
	return Entity(obj), nil
}
