package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/mattsolo1/grove-narrative/cmd"
	"github.com/mattsolo1/grove-narrative/pkg/narrative"
)

func main() {
	data, err := narrative.Schema()
	if err != nil {
		log.Fatalf("Error marshaling narrative schema: %v", err)
	}
	if err := os.WriteFile("narrative.schema.json", data, 0644); err != nil {
		log.Fatalf("Error writing schema file: %v", err)
	}
	log.Printf("Successfully generated narrative schema at narrative.schema.json")

	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}
	schema := r.Reflect(&cmd.AppConfig{})
	schema.Title = "narrate configuration"
	schema.Description = "Schema for narrate.yml."

	// Every field is optional; defaults and environment variables fill gaps.
	schema.Required = nil

	cfgData, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling config schema: %v", err)
	}
	if err := os.WriteFile("narrate.schema.json", cfgData, 0644); err != nil {
		log.Fatalf("Error writing config schema file: %v", err)
	}
	log.Printf("Successfully generated config schema at narrate.schema.json")
}
