package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig contains configuration for an OpenAI-compatible backend.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. If empty, uses OPENAI_API_KEY env var.
	// Local servers usually accept any key.
	APIKey string
	// BaseURL points at an OpenAI-compatible server such as Ollama or vLLM.
	BaseURL string
	// MaxTokens bounds the completion length. Defaults to 4096.
	MaxTokens int64
}

// OpenAIBackend calls OpenAI chat completions, or any server speaking the same API.
type OpenAIBackend struct {
	client    openai.Client
	profile   Profile
	maxTokens int64
}

// NewOpenAIBackend creates a backend for the profile's model. A profile marked
// local does not require an API key.
func NewOpenAIBackend(p Profile, cfg OpenAIConfig) (*OpenAIBackend, error) {
	if p.Model == "" {
		return nil, fmt.Errorf("openai backend requires a model")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		if !p.IsLocal {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
		}
		apiKey = "local"
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &OpenAIBackend{
		client:    openai.NewClient(opts...),
		profile:   p,
		maxTokens: maxTokens,
	}, nil
}

// Profile returns the backend profile.
func (b *OpenAIBackend) Profile() Profile { return b.profile }

// Chat sends the conversation as a chat completion.
func (b *OpenAIBackend) Chat(ctx context.Context, msgs []Message) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(b.profile.Model),
		Messages:            make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)),
		MaxCompletionTokens: openai.Int(b.maxTokens),
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		be := &Error{Backend: b.profile.Key(), Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			be.Status = apiErr.StatusCode
		}
		return nil, be
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Backend: b.profile.Key(), Err: fmt.Errorf("no choices returned")}
	}

	return finish(b.profile, resp.Choices[0].Message.Content, Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}), nil
}
