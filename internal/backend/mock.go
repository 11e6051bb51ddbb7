package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockStep is one scripted outcome for a MockBackend call.
type MockStep struct {
	Content string
	Err     error
	Delay   time.Duration
}

// MockBackend returns deterministic responses for local runs and tests.
// Scripted steps are consumed in order; once exhausted the default reply is used.
type MockBackend struct {
	profile Profile

	mu           sync.Mutex
	steps        []MockStep
	defaultReply string
	delay        time.Duration
	usage        Usage
	calls        int
}

// NewMockBackend creates a mock backend for the profile.
func NewMockBackend(p Profile) *MockBackend {
	if p.Provider == "" {
		p.Provider = "mock"
	}
	if p.Model == "" {
		p.Model = "mock-1"
	}
	return &MockBackend{
		profile:      p,
		defaultReply: "mock response",
		usage:        Usage{InputTokens: 100, OutputTokens: 50},
	}
}

// Script appends steps to the queue.
func (m *MockBackend) Script(steps ...MockStep) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
	return m
}

// FailNext queues n failures with err.
func (m *MockBackend) FailNext(n int, err error) *MockBackend {
	for i := 0; i < n; i++ {
		m.Script(MockStep{Err: err})
	}
	return m
}

// SetDefault sets the reply used when no scripted step remains.
func (m *MockBackend) SetDefault(reply string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultReply = reply
	return m
}

// SetDelay sets the latency applied to unscripted calls.
func (m *MockBackend) SetDelay(d time.Duration) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// SetUsage sets the token usage reported per call.
func (m *MockBackend) SetUsage(u Usage) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = u
	return m
}

// Calls returns the number of Chat calls made.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Profile returns the backend profile.
func (m *MockBackend) Profile() Profile { return m.profile }

// Chat returns the next scripted outcome.
func (m *MockBackend) Chat(ctx context.Context, msgs []Message) (*Response, error) {
	m.mu.Lock()
	m.calls++
	step := MockStep{Content: m.defaultReply, Delay: m.delay}
	if len(m.steps) > 0 {
		step = m.steps[0]
		m.steps = m.steps[1:]
	}
	usage := m.usage
	m.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, &Error{Backend: m.profile.Key(), Err: ctx.Err()}
		case <-timer.C:
		}
	}

	if step.Err != nil {
		return nil, &Error{Backend: m.profile.Key(), Err: step.Err}
	}

	content := step.Content
	if content == "" && len(msgs) > 0 {
		content = fmt.Sprintf("mock response: %s", msgs[len(msgs)-1].Content)
	}
	return finish(m.profile, content, usage), nil
}
