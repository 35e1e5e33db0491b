package narrative

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema describes acts as a mapping keyed by act name.
func (Acts) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Description:          "Acts keyed by name. Declaration order is the execution order unless steps is set. A string value is a single text input and a list is a list of inputs.",
		AdditionalProperties: jsonschema.TrueSchema,
	}
}

// Schema returns the JSON schema of a narrative definition document.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}
	schema := r.Reflect(&Document{})
	schema.Title = "Narrative Definitions"
	schema.Description = "Schema for narrative definition documents read by narrate."
	return json.MarshalIndent(schema, "", "  ")
}
