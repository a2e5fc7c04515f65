// Package config provides API key management utilities.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/ShayCichocki/conductor/internal/oracle"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_credentials"
	KeySourceNone    KeySource = "none"
)

// GetAPIKey returns the Anthropic API key for the oracle.
// It checks in order: environment variable, config file.
// Bedrock uses AWS credentials and needs no key.
func GetAPIKey(cfg *Config) (string, error) {
	if usesBedrock(cfg) {
		return "", nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if key, ok := configKey(cfg); ok {
		return key, nil
	}
	return "", ErrNoAPIKey
}

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	switch {
	case usesBedrock(cfg):
		return KeySourceBedrock
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		return KeySourceEnv
	}
	if _, ok := configKey(cfg); ok {
		return KeySourceConfig
	}
	return KeySourceNone
}

func usesBedrock(cfg *Config) bool {
	return cfg != nil && strings.EqualFold(cfg.Oracle.Provider, oracle.ProviderBedrock)
}

// configKey returns the configured key once unresolved ${VAR} references
// are ruled out.
func configKey(cfg *Config) (string, bool) {
	if cfg == nil || cfg.Oracle.APIKey == "" {
		return "", false
	}
	key := os.ExpandEnv(cfg.Oracle.APIKey)
	if key == "" || strings.HasPrefix(key, "${") {
		return "", false
	}
	return key, true
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters (sk-ant-) and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
