package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when a provider has no API key configured.
var ErrNoAPIKey = errors.New("no API key configured")

// Provider names a backend vendor whose key crew manages.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
)

// Providers lists the managed providers in display order.
var Providers = []Provider{ProviderAnthropic, ProviderOpenAI, ProviderGoogle}

var providerEnv = map[Provider][]string{
	ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	ProviderOpenAI:    {"OPENAI_API_KEY"},
	ProviderGoogle:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

var providerPrefix = map[Provider]string{
	ProviderAnthropic: "sk-ant-",
	ProviderOpenAI:    "sk-",
}

func (c *Config) configuredKey(p Provider) string {
	if c == nil {
		return ""
	}
	switch p {
	case ProviderAnthropic:
		return c.Anthropic.APIKey
	case ProviderOpenAI:
		return c.OpenAI.APIKey
	case ProviderGoogle:
		return c.Google.APIKey
	}
	return ""
}

// GetAPIKey returns the provider's API key.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config, p Provider) (string, error) {
	key, _ := lookupKey(cfg, p)
	if key == "" {
		return "", fmt.Errorf("%s: %w", p, ErrNoAPIKey)
	}
	return key, nil
}

func lookupKey(cfg *Config, p Provider) (string, KeySource) {
	for _, name := range providerEnv[p] {
		if key := os.Getenv(name); key != "" {
			return key, KeySourceEnv
		}
	}
	if key := os.ExpandEnv(cfg.configuredKey(p)); key != "" && !strings.HasPrefix(key, "${") {
		return key, KeySourceConfig
	}
	return "", KeySourceNone
}

// ValidateAPIKey performs basic format validation on a provider key.
// It does not verify the key with the provider.
func ValidateAPIKey(p Provider, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if prefix, ok := providerPrefix[p]; ok && !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("invalid %s API key format: expected %q prefix", p, prefix)
	}
	if len(key) < 20 {
		return fmt.Errorf("invalid %s API key format: key too short", p)
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the provider's API key was sourced from.
func GetAPIKeySource(cfg *Config, p Provider) KeySource {
	_, src := lookupKey(cfg, p)
	return src
}
