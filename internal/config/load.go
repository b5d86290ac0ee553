package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// decode picks JSON or YAML based on the file extension, falling back to
// JSON when the extension is ambiguous — the same sniff-then-fallback
// shape as the teacher's ParseKey (internal/config/parser.go), which
// tries YAML transport config before falling back to the ss:// URL form.
func decode(path string, raw []byte, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(raw, out)
	case ".json":
		return json.Unmarshal(raw, out)
	default:
		if err := json.Unmarshal(raw, out); err == nil {
			return nil
		}
		return yaml.Unmarshal(raw, out)
	}
}

// LoadNodeConfig reads, defaults, and validates a node daemon config.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg NodeConfig
	if err := decode(path, raw, &cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}

	applyNodeDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseNodeConfigJSON defaults and validates a node config supplied
// in-memory as JSON, the path used by the FFI start entry point, which
// receives a config string rather than a file path.
func ParseNodeConfigJSON(raw []byte) (*NodeConfig, error) {
	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse node config json: %v", err)}
	}
	applyNodeDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadServerConfig reads, defaults, and validates a server daemon config.
func LoadServerConfig(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg ServerConfig
	if err := decode(path, raw, &cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}

	applyServerDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
