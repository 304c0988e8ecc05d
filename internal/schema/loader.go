package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a workflow schema from YAML or JSON bytes and validates it.
func Parse(data []byte) (*Schema, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fieldErr("document", "is empty")
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema: decode document: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadReader reads schema data from an io.Reader.
func LoadReader(r io.Reader) (*Schema, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("schema: read document: %w", err)
	}
	return Parse(content)
}

// Load reads and validates the schema document at path. When the file does
// not exist the built-in default workflow is returned, so hosts without an
// installed schema still get a usable engine.
func Load(path string) (*Schema, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	s, parseErr := Parse(content)
	if parseErr != nil {
		return nil, fmt.Errorf("schema: %s: %w", path, parseErr)
	}
	return s, nil
}
