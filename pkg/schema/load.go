package schema

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// LoadFile reads a model configuration file (YAML or JSON) and returns the
// parsed Config. Validation happens in NewRegistry.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: reading model config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON, which is a YAML subset) into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("schema: parsing model config: %w", err)
	}
	return &cfg, nil
}
