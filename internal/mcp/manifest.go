package mcp

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// ServerConfig describes one tool server to spawn.
type ServerConfig struct {
	Name           string            `yaml:"name" mapstructure:"name"`
	Command        string            `yaml:"command" mapstructure:"command"`
	Args           []string          `yaml:"args" mapstructure:"args"`
	Env            map[string]string `yaml:"env" mapstructure:"env"`
	Dir            string            `yaml:"dir" mapstructure:"dir"`
	Required       bool              `yaml:"required" mapstructure:"required"`
	Description    string            `yaml:"description" mapstructure:"description"`
	StartupTimeout time.Duration     `yaml:"startup_timeout" mapstructure:"startup_timeout"`
}

// Validate checks that the config can be started.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.Contains(c.Name, QualifiedSeparator) {
		return fmt.Errorf("server name %q must not contain %q", c.Name, QualifiedSeparator)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("server %s: command is required", c.Name)
	}
	return nil
}

type manifestFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadManifest reads a YAML file with a top-level "servers" list.
func LoadManifest(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) ([]ServerConfig, error) {
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(mf.Servers))
	for _, s := range mf.Servers {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate server %q in manifest", s.Name)
		}
		seen[s.Name] = true
	}
	return mf.Servers, nil
}
