package spec

import "connectd/internal/connect"

// ConnectorSpec is one entry of the desired-state file.
type ConnectorSpec struct {
	Name   string           `yaml:"name"`
	Config connect.KeyValue `yaml:"config"`
}

// File is the desired-state document applied at worker start or with
// `connectd apply`.
type File struct {
	SchemaVersion string          `yaml:"schema_version"`
	Connectors    []ConnectorSpec `yaml:"connectors"`
}
