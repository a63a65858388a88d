// Package schema generates JSON schemas from operator parameter types and
// validates incoming parameters against them, turning raw schema violations
// into the human-readable messages surfaced to users.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Generate reflects the JSON schema of an operator parameter type. The
// schema is inlined (no references) so workers and gateways can validate
// against it without resolution, and the $schema marker is dropped so any
// draft-aware validator accepts it.
func Generate(params interface{}) (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := reflector.Reflect(params)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("schema: encoding generated schema: %w", err)
	}
	return data, nil
}

// ReservedFields reports which of the given field names appear as top-level
// properties of the schema.
func ReservedFields(schemaJSON json.RawMessage, reserved ...string) ([]string, error) {
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("schema: decoding schema: %w", err)
	}
	var found []string
	for _, name := range reserved {
		if _, ok := doc.Properties[name]; ok {
			found = append(found, name)
		}
	}
	return found, nil
}
