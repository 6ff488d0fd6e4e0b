package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where LoadOrDefault looks when neither the argument nor
// WEIR_CONFIG names a file.
const DefaultPath = "config/weir.yaml"

// LoadOrDefault builds the runtime configuration: defaults, then the YAML
// file when one exists, then environment overlays, then normalization and
// validation. A missing file is not an error; a malformed one is.
func LoadOrDefault(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("WEIR_CONFIG"))
	}
	if path == "" {
		path = DefaultPath
	}

	raw, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults plus environment carry a dev setup.
	default:
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}

	ApplyEnv(&cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
