package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"google.golang.org/genai"
)

// GoogleConfig contains configuration for a Gemini backend.
type GoogleConfig struct {
	// APIKey is the Gemini API key. If empty, uses GEMINI_API_KEY env var.
	APIKey string
}

// GoogleBackend calls Gemini models.
type GoogleBackend struct {
	client  *genai.Client
	profile Profile
}

// NewGoogleBackend creates a backend for the profile's model.
func NewGoogleBackend(ctx context.Context, p Profile, cfg GoogleConfig) (*GoogleBackend, error) {
	if p.Model == "" {
		return nil, fmt.Errorf("google backend requires a model")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}

	return &GoogleBackend{client: client, profile: p}, nil
}

// Profile returns the backend profile.
func (b *GoogleBackend) Profile() Profile { return b.profile }

// Chat sends the conversation to Gemini.
func (b *GoogleBackend) Chat(ctx context.Context, msgs []Message) (*Response, error) {
	system, turns := splitSystem(msgs)

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.profile.Model, contents, cfg)
	if err != nil {
		be := &Error{Backend: b.profile.Key(), Err: err}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			be.Status = apiErr.Code
		}
		return nil, be
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Error{Backend: b.profile.Key(), Err: fmt.Errorf("no candidates returned")}
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	return finish(b.profile, resp.Text(), usage), nil
}
