// Package backend defines the inference backend contract and its concrete
// providers: Anthropic (direct or via Bedrock), OpenAI and OpenAI-compatible
// local servers, Google Gemini, and a scripted mock.
package backend

import (
	"context"
	"fmt"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// TotalLength returns the summed character count of all message contents.
func TotalLength(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

// splitSystem separates system messages from the conversation turns.
// Multiple system messages are joined with a blank line.
func splitSystem(msgs []Message) (string, []Message) {
	var sys []string
	turns := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(sys, "\n\n"), turns
}

// Usage captures normalized token usage for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is the result of one chat call.
type Response struct {
	Content string  `json:"content"`
	Usage   Usage   `json:"usage"`
	Cost    float64 `json:"cost"`
	Model   string  `json:"model"`
}

// Profile identifies one callable backend. It is immutable once registered.
type Profile struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	// InputPer1K and OutputPer1K are USD per thousand tokens.
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
	IsLocal     bool    `json:"is_local" yaml:"local"`
}

// Key returns "provider/model", the identity used for metrics and spend.
func (p Profile) Key() string {
	return p.Provider + "/" + p.Model
}

// IsFree reports whether calls cost nothing.
func (p Profile) IsFree() bool {
	return p.IsLocal || (p.InputPer1K == 0 && p.OutputPer1K == 0)
}

// CostFor prices a call with the given token counts.
func (p Profile) CostFor(input, output int64) float64 {
	if p.IsFree() {
		return 0
	}
	return float64(input)/1000*p.InputPer1K + float64(output)/1000*p.OutputPer1K
}

// Backend is one inference provider+model pair addressable by the router.
type Backend interface {
	Profile() Profile
	Chat(ctx context.Context, msgs []Message) (*Response, error)
}

// ChatFunc adapts a plain function into a Backend.
type ChatFunc struct {
	P  Profile
	Fn func(ctx context.Context, msgs []Message) (*Response, error)
}

// Profile returns the configured profile.
func (f ChatFunc) Profile() Profile { return f.P }

// Chat calls Fn.
func (f ChatFunc) Chat(ctx context.Context, msgs []Message) (*Response, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("%s: no chat function", f.P.Key())
	}
	return f.Fn(ctx, msgs)
}

// finish fills the model and cost fields of a response from the profile.
func finish(p Profile, content string, usage Usage) *Response {
	return &Response{
		Content: content,
		Usage:   usage,
		Cost:    p.CostFor(usage.InputTokens, usage.OutputTokens),
		Model:   p.Model,
	}
}
