package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/manifold/pkg/manifest"
)

// SchemaCmd emits the manifest JSON Schema, reflected from the Go
// types. Output goes to stdout so it can be redirected into a
// protocol tree's schemas/v1.json.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&manifest.Manifest{})
	schema.ID = "https://ai-protocol.dev/schemas/v1.json"
	schema.Title = "Provider Manifest"
	schema.Description = "Declarative description of one AI provider API: endpoint, auth, parameter mappings, capabilities, streaming decode, and error classification."
	schema.Version = "http://json-schema.org/draft-07/schema#"

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
