package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/v1.json
var schemaV1 []byte

// Validator checks manifests against the v1 JSON schema and then the
// structural rules in Manifest.Validate. The schema applies only to
// 1.x manifests; 2.x manifests carry their own layout and get the
// structural checks alone.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded v1 schema.
func NewValidator() (*Validator, error) {
	return newValidator(schemaV1)
}

// NewValidatorFromFile compiles a schema override from disk, falling
// back to the embedded schema when the file does not exist.
func NewValidatorFromFile(path string) (*Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewValidator()
		}
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return newValidator(data)
}

func newValidator(data []byte) (*Validator, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate runs the schema check followed by the structural checks.
func (v *Validator) Validate(m *Manifest) error {
	if strings.HasPrefix(m.ProtocolVersion, "1.") {
		if err := v.validateDoc(m.ID, m); err != nil {
			return err
		}
	}
	return m.Validate()
}

// ValidateRaw checks a parsed document against the schema without
// decoding it into a Manifest first. Used by the validate command so
// schema required-field violations surface on the source document.
func (v *Validator) ValidateRaw(doc any) error {
	return v.validateDoc("", doc)
}

func (v *Validator) validateDoc(id string, doc any) error {
	// Round-trip through JSON so YAML-decoded values carry the types
	// the schema engine expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest %s: %w", id, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("failed to serialize manifest %s: %w", id, err)
	}
	if err := v.schema.Validate(normalized); err != nil {
		if id == "" {
			return fmt.Errorf("schema violation: %w", err)
		}
		return fmt.Errorf("manifest %s violates schema: %w", id, err)
	}
	return nil
}
