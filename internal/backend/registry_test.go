package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleRegistry = `
backends:
  - provider: anthropic
    model: claude-sonnet-4-20250514
    input_per_1k: 0.003
    output_per_1k: 0.015
  - provider: ollama
    model: llama3
    base_url: http://localhost:11434/v1
    local: true
  - provider: mock
    model: mock-1
    disabled: true
`

func TestParseRegistry(t *testing.T) {
	specs, err := ParseRegistry([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("len(specs) = %d, want 3", len(specs))
	}
	if specs[0].Key() != "anthropic/claude-sonnet-4-20250514" || specs[0].OutputPer1K != 0.015 {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if !specs[1].IsLocal || specs[1].BaseURL != "http://localhost:11434/v1" {
		t.Errorf("specs[1] = %+v", specs[1])
	}
	if !specs[2].Disabled {
		t.Error("specs[2] should be disabled")
	}
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing provider", "backends:\n  - model: x\n"},
		{"negative pricing", "backends:\n  - provider: openai\n    model: x\n    input_per_1k: -1\n"},
		{"duplicate", "backends:\n  - provider: mock\n    model: a\n  - provider: mock\n    model: a\n"},
		{"bad yaml", "backends: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRegistry([]byte(tt.data)); err == nil {
				t.Error("ParseRegistry() error = nil, want error")
			}
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	if err := os.WriteFile(path, []byte(sampleRegistry), 0644); err != nil {
		t.Fatal(err)
	}
	specs, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	if len(specs) != 3 {
		t.Errorf("len(specs) = %d, want 3", len(specs))
	}

	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadRegistry(missing) error = nil, want error")
	}
}

func TestBuildAll(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	specs := []Spec{
		{Profile: Profile{Provider: "mock", Model: "m1"}},
		{Profile: Profile{Provider: "mock", Model: "m2"}, Disabled: true},
		{Profile: Profile{Provider: "ollama", Model: "llama3", IsLocal: true}, BaseURL: "http://localhost:11434/v1"},
		{Profile: Profile{Provider: "openai", Model: "gpt-4o"}},
		{Profile: Profile{Provider: "carrier-pigeon", Model: "x"}},
	}

	backends, errs := BuildAll(context.Background(), specs, Credentials{})
	if len(backends) != 2 {
		t.Errorf("len(backends) = %d, want 2", len(backends))
	}
	if len(errs) != 2 {
		t.Errorf("len(errs) = %d, want 2: %v", len(errs), errs)
	}
}
