package backend

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockBackend_Script(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockBackend(Profile{InputPer1K: 1, OutputPer1K: 2}).
		Script(MockStep{Content: "first"}).
		FailNext(1, boom)

	resp, err := m.Chat(context.Background(), []Message{User("hi")})
	if err != nil || resp.Content != "first" {
		t.Fatalf("first Chat() = %v, %v", resp, err)
	}
	if resp.Cost != 0.2 {
		t.Errorf("Cost = %v, want 0.2", resp.Cost)
	}

	if _, err := m.Chat(context.Background(), nil); !errors.Is(err, boom) {
		t.Errorf("second Chat() error = %v, want boom", err)
	}

	resp, err = m.Chat(context.Background(), nil)
	if err != nil || resp.Content != "mock response" {
		t.Errorf("third Chat() = %v, %v", resp, err)
	}
	if m.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", m.Calls())
	}
}

func TestMockBackend_DelayHonorsContext(t *testing.T) {
	m := NewMockBackend(Profile{}).SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Chat(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Chat() error = %v, want deadline exceeded", err)
	}
	if !IsTransient(err) {
		t.Error("deadline error should be transient")
	}
}
