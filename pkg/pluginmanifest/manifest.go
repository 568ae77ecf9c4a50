// Package pluginmanifest decodes and validates the on-disk manifest file
// for a subprocess plugin: the entry command, optional communication
// timeout, and a configSchema of named defaults (each optionally carrying
// its own JSON Schema fragment for validation).
package pluginmanifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ConfigField is one entry in a manifest's configSchema map.
type ConfigField struct {
	Default any             `json:"default"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

// EntryPoint names the child process command.
type EntryPoint struct {
	Command string `json:"command"`
}

// Communication carries transport-level settings for the child process.
type Communication struct {
	TimeoutMS int `json:"timeout"`
}

// Manifest is the decoded plugin manifest file.
type Manifest struct {
	EntryPoint    EntryPoint             `json:"entryPoint"`
	Communication Communication          `json:"communication"`
	ConfigSchema  map[string]ConfigField `json:"configSchema"`
}

// DecodeManifestFile reads and parses a manifest JSON file from disk.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest carries the minimum required fields.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.EntryPoint.Command) == "" {
		return fmt.Errorf("manifest: entryPoint.command is required")
	}
	return nil
}

// Argv tokenizes entryPoint.command on spaces for argv construction.
func (m *Manifest) Argv() []string {
	return strings.Fields(m.EntryPoint.Command)
}

// Defaults stringifies each configSchema default for use as child-process
// environment variables.
func (m *Manifest) Defaults() map[string]string {
	out := make(map[string]string, len(m.ConfigSchema))
	for name, field := range m.ConfigSchema {
		out[name] = stringify(field.Default)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

var schemaCache sync.Map

// ValidateConfig validates the effective config values (explicit overrides
// falling back to manifest defaults) against each field's optional JSON
// Schema fragment. Fields without a Schema are unchecked.
func (m *Manifest) ValidateConfig(values map[string]string) error {
	for name, field := range m.ConfigSchema {
		if len(field.Schema) == 0 {
			continue
		}
		schema, err := compileSchema(field.Schema)
		if err != nil {
			return fmt.Errorf("compile config schema for %q: %w", name, err)
		}

		effective, ok := values[name]
		if !ok {
			effective = stringify(field.Default)
		}

		var decoded any
		if err := json.Unmarshal([]byte(effective), &decoded); err != nil {
			decoded = effective
		}
		if err := schema.Validate(decoded); err != nil {
			return fmt.Errorf("config field %q invalid: %w", name, err)
		}
	}
	return nil
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("plugin-config.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
