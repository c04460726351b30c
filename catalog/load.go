// Parses catalog files.

package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a catalog from a YAML or JSON file.
// The path is provided by the caller, so file inclusion is expected.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified catalog path
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse parses a catalog from bytes. JSON is accepted since it is a subset of
// YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

// Validate checks every resource of every service.
func (c *Catalog) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	names := make(map[string]bool)
	for i := range c.Services {
		s := &c.Services[i]
		if s.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		for j := range s.Resources {
			r := &s.Resources[j]
			if names[r.Name] {
				return fmt.Errorf("duplicate resource %s", r.Name)
			}
			names[r.Name] = true
			if err := r.Validate(); err != nil {
				return fmt.Errorf("service %s: %w", s.Name, err)
			}
		}
	}
	return nil
}
