package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a policy file. A malformed file is a startup
// error; it never degrades into a partially applied set.
func Load(path string) (Set, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Set{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

// Parse validates a YAML policy document.
func Parse(raw []byte) (Set, error) {
	var set Set
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return Set{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := set.Validate(); err != nil {
		return Set{}, fmt.Errorf("validate policy: %w", err)
	}
	return set, nil
}
