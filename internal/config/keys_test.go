package config

import (
	"errors"
	"testing"
)

func clearKeyEnv(t *testing.T) {
	t.Helper()
	for _, names := range providerEnv {
		for _, name := range names {
			t.Setenv(name, "")
		}
	}
}

func TestGetAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

		key, err := GetAPIKey(&Config{}, ProviderAnthropic)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if key != "sk-ant-test-key" {
			t.Errorf("expected 'sk-ant-test-key', got %q", key)
		}
	})

	t.Run("environment wins over config", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("OPENAI_API_KEY", "sk-env")

		cfg := &Config{OpenAI: OpenAIConfig{APIKey: "sk-config"}}
		key, _ := GetAPIKey(cfg, ProviderOpenAI)
		if key != "sk-env" {
			t.Errorf("expected env key, got %q", key)
		}
	})

	t.Run("google falls back to GOOGLE_API_KEY", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("GOOGLE_API_KEY", "AIza-google")

		key, err := GetAPIKey(nil, ProviderGoogle)
		if err != nil || key != "AIza-google" {
			t.Errorf("got %q, %v", key, err)
		}
	})

	t.Run("from config", func(t *testing.T) {
		clearKeyEnv(t)

		cfg := &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}}
		key, err := GetAPIKey(cfg, ProviderAnthropic)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if key != "sk-ant-config-key" {
			t.Errorf("expected 'sk-ant-config-key', got %q", key)
		}
	})

	t.Run("unexpanded reference is not a key", func(t *testing.T) {
		clearKeyEnv(t)

		cfg := &Config{Google: GoogleConfig{APIKey: "${MISSING_VAR_FOR_TEST}"}}
		if _, err := GetAPIKey(cfg, ProviderGoogle); !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		clearKeyEnv(t)

		if _, err := GetAPIKey(&Config{}, ProviderOpenAI); !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		key      string
		wantErr  bool
	}{
		{"valid anthropic", ProviderAnthropic, "sk-ant-REDACTED", false},
		{"anthropic wrong prefix", ProviderAnthropic, "sk-proj-abcdefghijklmnopqrs", true},
		{"valid openai", ProviderOpenAI, "sk-proj-abcdefghijklmnopqrs", false},
		{"google has no prefix rule", ProviderGoogle, "AIzaSyabcdefghijklmnopqrs", false},
		{"too short", ProviderAnthropic, "sk-ant-abc", true},
		{"empty", ProviderOpenAI, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.provider, tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey(%s, %q) error = %v, wantErr %v", tt.provider, tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}

	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestGetAPIKeySource(t *testing.T) {
	clearKeyEnv(t)
	cfg := &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config"}}

	if got := GetAPIKeySource(cfg, ProviderAnthropic); got != KeySourceConfig {
		t.Errorf("anthropic source = %s, want %s", got, KeySourceConfig)
	}
	if got := GetAPIKeySource(cfg, ProviderOpenAI); got != KeySourceNone {
		t.Errorf("openai source = %s, want %s", got, KeySourceNone)
	}
	t.Setenv("OPENAI_API_KEY", "sk-env")
	if got := GetAPIKeySource(cfg, ProviderOpenAI); got != KeySourceEnv {
		t.Errorf("openai source = %s, want %s", got, KeySourceEnv)
	}
}
