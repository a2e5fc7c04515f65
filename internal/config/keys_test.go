package config

import (
	"testing"
)

func TestGetAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

		key, err := GetAPIKey(&Config{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if key != "sk-ant-test-key" {
			t.Errorf("expected 'sk-ant-test-key', got %q", key)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		cfg := &Config{Oracle: OracleConfig{APIKey: "sk-ant-config-key"}}
		key, err := GetAPIKey(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if key != "sk-ant-config-key" {
			t.Errorf("expected 'sk-ant-config-key', got %q", key)
		}
	})

	t.Run("unresolved reference", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		cfg := &Config{Oracle: OracleConfig{APIKey: "${CONDUCTOR_TEST_UNSET_KEY}"}}
		if _, err := GetAPIKey(cfg); err != ErrNoAPIKey {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("bedrock needs no key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		cfg := &Config{Oracle: OracleConfig{Provider: "bedrock"}}
		if _, err := GetAPIKey(cfg); err != nil {
			t.Errorf("unexpected error for bedrock: %v", err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		if _, err := GetAPIKey(&Config{}); err != ErrNoAPIKey {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "sk-ant-REDACTED", false},
		{"empty key", "", true},
		{"wrong prefix", "sk-openai-12345678901234567890", true},
		{"too short", "sk-ant-abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"sk-ant-REDACTED", "sk-ant-...wxyz"},
		{"", "(not set)"},
		{"short", "***"},
	}

	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.expected {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.expected)
		}
	}
}

func TestGetAPIKeySource(t *testing.T) {
	t.Run("from environment", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "test-key")
		if source := GetAPIKeySource(&Config{}); source != KeySourceEnv {
			t.Errorf("expected KeySourceEnv, got %v", source)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := &Config{Oracle: OracleConfig{APIKey: "sk-ant-config-key"}}
		if source := GetAPIKeySource(cfg); source != KeySourceConfig {
			t.Errorf("expected KeySourceConfig, got %v", source)
		}
	})

	t.Run("bedrock", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "test-key")
		cfg := &Config{Oracle: OracleConfig{Provider: "Bedrock"}}
		if source := GetAPIKeySource(cfg); source != KeySourceBedrock {
			t.Errorf("expected KeySourceBedrock, got %v", source)
		}
	})

	t.Run("no key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		if source := GetAPIKeySource(&Config{}); source != KeySourceNone {
			t.Errorf("expected KeySourceNone, got %v", source)
		}
	})
}
