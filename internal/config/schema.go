package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema reflects Config into a JSON Schema document, mirroring the
// field-name-by-yaml-tag convention used elsewhere in this lineage.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{FieldNameTag: "yaml"}
	doc := reflector.Reflect(&Config{})
	return json.MarshalIndent(doc, "", "  ")
}
