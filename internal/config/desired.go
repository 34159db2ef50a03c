package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"connectd/internal/connect"
	"connectd/internal/spec"
)

const SupportedSchema = "v1"

// LoadDesiredState parses a connectors YAML and validates schema_version and
// every entry.
func LoadDesiredState(path string) (spec.File, error) {
	var f spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, err
	}
	if f.SchemaVersion == "" {
		f.SchemaVersion = SupportedSchema
	}
	if f.SchemaVersion != SupportedSchema {
		return f, fmt.Errorf("connectors schema_version %q not supported (want %q)", f.SchemaVersion, SupportedSchema)
	}
	seen := map[string]bool{}
	for i, c := range f.Connectors {
		if c.Name == "" {
			return f, fmt.Errorf("connectors[%d]: name is required", i)
		}
		if seen[c.Name] {
			return f, fmt.Errorf("connectors[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true
		if !c.Config.Has(connect.ConnectorClass) {
			return f, fmt.Errorf("connector %q: %s is required", c.Name, connect.ConnectorClass)
		}
	}
	return f, nil
}
