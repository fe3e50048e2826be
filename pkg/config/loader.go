package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// File names probed inside the config directory. The JSON name is the
// legacy format and is migrated to YAML on first load.
const (
	ConfigFileName       = "orch.yaml"
	LegacyConfigFileName = "orchestrator.config.json"
)

// Initialize locates, loads, defaults and validates the configuration in
// dir. A legacy JSON document is migrated (comment keys stripped, YAML
// written, original backed up) before loading.
func Initialize(dir string) (*Config, error) {
	yamlPath := filepath.Join(dir, ConfigFileName)
	legacyPath := filepath.Join(dir, LegacyConfigFileName)

	if _, err := os.Stat(yamlPath); os.IsNotExist(err) {
		if _, legacyErr := os.Stat(legacyPath); legacyErr == nil {
			if err := MigrateLegacy(legacyPath, yamlPath); err != nil {
				return nil, fmt.Errorf("migrate legacy config: %w", err)
			}
			slog.Info("Migrated legacy configuration",
				"from", legacyPath, "to", yamlPath)
		}
	}

	return Load(yamlPath)
}

// Load reads a YAML config file, merges defaults and validates. A missing
// file yields the pure defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("No configuration file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MigrateLegacy converts a legacy JSON document to YAML. Keys beginning
// with "_comment" are dropped at every nesting level; the original file is
// kept with a .bak suffix.
func MigrateLegacy(jsonPath, yamlPath string) error {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("read legacy config: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse legacy config: %w", err)
	}
	stripCommentKeys(raw)

	cleaned, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-encode legacy config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(cleaned, cfg); err != nil {
		return fmt.Errorf("convert legacy config: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render yaml config: %w", err)
	}
	if err := os.WriteFile(yamlPath, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", yamlPath, err)
	}

	backupPath := jsonPath + ".bak"
	if err := os.Rename(jsonPath, backupPath); err != nil {
		return fmt.Errorf("back up legacy config: %w", err)
	}
	return nil
}

// stripCommentKeys removes "_comment*" keys recursively in place.
func stripCommentKeys(m map[string]interface{}) {
	for key, value := range m {
		if strings.HasPrefix(key, "_comment") {
			delete(m, key)
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			stripCommentKeys(nested)
		}
	}
}
