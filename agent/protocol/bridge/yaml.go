package bridge

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// MappingFile is the declarative mapping document loaded at startup.
type MappingFile struct {
	Mappings []MethodMapping `yaml:"mappings"`
}

// LoadMappingsYAML decodes a mapping document. Unknown keys are rejected.
func LoadMappingsYAML(r io.Reader) ([]MethodMapping, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f MappingFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode mapping file: %w", err)
	}
	return f.Mappings, nil
}

// LoadMappings decodes a mapping document from r and registers every
// mapping in it.
func (b *Bridge) LoadMappings(r io.Reader) error {
	ms, err := LoadMappingsYAML(r)
	if err != nil {
		return err
	}
	return b.RegisterMappings(ms)
}
