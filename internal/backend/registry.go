package backend

import (
	"context"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// Spec declares one backend in the registry file.
type Spec struct {
	Profile `yaml:",inline"`
	// BaseURL is used by openai-compatible backends.
	BaseURL string `yaml:"base_url"`
	// Bedrock routes anthropic backends through AWS Bedrock.
	Bedrock bool `yaml:"bedrock"`
	// MaxTokens bounds completion length.
	MaxTokens int64 `yaml:"max_tokens"`
	// Disabled specs are skipped by Build.
	Disabled bool `yaml:"disabled"`
}

// RegistryFile is the on-disk backend registry.
type RegistryFile struct {
	Backends []Spec `yaml:"backends"`
}

// Credentials holds provider secrets and account settings shared by all specs.
type Credentials struct {
	AnthropicAPIKey string
	AWSRegion       string
	AWSProfile      string
	OpenAIAPIKey    string
	GoogleAPIKey    string
}

// LoadRegistry reads backend specs from a YAML file.
func LoadRegistry(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backend registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes backend specs and validates them.
func ParseRegistry(data []byte) ([]Spec, error) {
	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse backend registry: %w", err)
	}

	seen := make(map[string]bool, len(file.Backends))
	for i, s := range file.Backends {
		if s.Provider == "" {
			return nil, fmt.Errorf("backend %d: provider is required", i)
		}
		if s.InputPer1K < 0 || s.OutputPer1K < 0 {
			return nil, fmt.Errorf("backend %s: negative pricing", s.Key())
		}
		if seen[s.Key()] {
			return nil, fmt.Errorf("backend %s: declared twice", s.Key())
		}
		seen[s.Key()] = true
	}
	return file.Backends, nil
}

// Build constructs a Backend for one spec.
func Build(ctx context.Context, s Spec, creds Credentials) (Backend, error) {
	switch s.Provider {
	case "anthropic":
		return NewAnthropicBackend(ctx, s.Profile, AnthropicConfig{
			APIKey:     creds.AnthropicAPIKey,
			UseBedrock: s.Bedrock,
			AWSRegion:  creds.AWSRegion,
			AWSProfile: creds.AWSProfile,
			MaxTokens:  s.MaxTokens,
		})
	case "openai", "ollama", "vllm":
		return NewOpenAIBackend(s.Profile, OpenAIConfig{
			APIKey:    creds.OpenAIAPIKey,
			BaseURL:   s.BaseURL,
			MaxTokens: s.MaxTokens,
		})
	case "google", "gemini":
		return NewGoogleBackend(ctx, s.Profile, GoogleConfig{APIKey: creds.GoogleAPIKey})
	case "mock":
		return NewMockBackend(s.Profile), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", s.Provider)
	}
}

// BuildAll constructs every enabled spec. A spec that fails to build is
// reported in errs and skipped, so one missing credential does not take
// down the other providers.
func BuildAll(ctx context.Context, specs []Spec, creds Credentials) (backends []Backend, errs []error) {
	for _, s := range specs {
		if s.Disabled {
			continue
		}
		b, err := Build(ctx, s, creds)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", s.Key(), err))
			continue
		}
		backends = append(backends, b)
	}
	return backends, errs
}
