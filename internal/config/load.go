package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadFile reads a YAML config file, expands environment variables, and
// unmarshals it over cfg.
func loadFile(path string, cfg *ClientConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}
