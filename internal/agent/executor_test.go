package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/router"
	"github.com/ShayCichocki/crew/pkg/models"
)

// fakeRouter returns scripted outcomes in order, then succeeds with reply.
type fakeRouter struct {
	mu         sync.Mutex
	errs       []error
	delay      time.Duration
	reply      string
	calls      int
	hints      []router.Hint
	selectable int
}

func (f *fakeRouter) Route(ctx context.Context, msgs []backend.Message, hint router.Hint) (*backend.Response, *router.Decision, error) {
	f.mu.Lock()
	f.calls++
	f.hints = append(f.hints, hint)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	delay := f.delay
	reply := f.reply
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return &backend.Response{
			Content: reply,
			Usage:   backend.Usage{InputTokens: 120, OutputTokens: 80},
			Cost:    0.25,
		}, &router.Decision{
			Provider: "mock",
			Model:    "mock-1",
		}, nil
}

func (f *fakeRouter) Selectable() int { return f.selectable }

func (f *fakeRouter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const codeReply = "Here you go.\n\n```go\nfunc Add(a, b int) int { return a + b }\n```\n\nSuggestions:\n- add overflow checks\n- document the API\n\nNext steps:\n1. write tests\n"

func testWorker() models.WorkerConfig {
	return models.WorkerConfig{
		ID:                 "w1",
		Name:               "Gopher",
		Type:               "backend",
		Languages:          []string{"Go", "SQL"},
		MaxConcurrentTasks: 2,
	}
}

func fastConfig() ExecutorConfig {
	return ExecutorConfig{Timeout: time.Second, MaxRetries: 3, BackoffBase: time.Millisecond}
}

func codeTask() *models.Task {
	return &models.Task{ID: "t1", Kind: models.TaskKindCode, Title: "Add numbers", Priority: models.PriorityHigh}
}

func TestExecute_Success(t *testing.T) {
	r := &fakeRouter{reply: codeReply}
	e := NewExecutor(testWorker(), r, fastConfig())

	res := e.Execute(context.Background(), codeTask())

	if res.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success (error %q)", res.Outcome, res.Error)
	}
	if res.TaskID != "t1" || res.WorkerID != "w1" {
		t.Errorf("ids = %s/%s", res.TaskID, res.WorkerID)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Language != "go" {
		t.Errorf("Artifacts = %+v", res.Artifacts)
	}
	if len(res.Suggestions) != 2 || len(res.NextSteps) != 1 {
		t.Errorf("Suggestions = %v, NextSteps = %v", res.Suggestions, res.NextSteps)
	}
	if res.TokensUsed != 200 || res.Cost != 0.25 {
		t.Errorf("TokensUsed = %d, Cost = %v", res.TokensUsed, res.Cost)
	}
	if res.Provider != "mock" || res.Model != "mock-1" {
		t.Errorf("Provider/Model = %s/%s", res.Provider, res.Model)
	}
	if res.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", res.RetryCount)
	}

	perf := e.Performance()
	if perf.TasksCompleted != 1 || perf.Reliability != 1.0 {
		t.Errorf("Performance = %+v", perf)
	}
	if r.hints[0].Kind != models.TaskKindCode || r.hints[0].Priority != models.PriorityHigh {
		t.Errorf("hint = %+v", r.hints[0])
	}
}

func TestExecute_PartialWhenCodeHasNoArtifacts(t *testing.T) {
	r := &fakeRouter{reply: "I could not produce code for this."}
	e := NewExecutor(testWorker(), r, fastConfig())

	res := e.Execute(context.Background(), codeTask())
	if res.Outcome != models.OutcomePartial {
		t.Errorf("Outcome = %s, want partial", res.Outcome)
	}
	if !res.Succeeded() {
		t.Error("partial results count as succeeded")
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	r := &fakeRouter{reply: codeReply, errs: []error{errors.New("a"), errors.New("b")}}
	e := NewExecutor(testWorker(), r, fastConfig())

	res := e.Execute(context.Background(), codeTask())
	if res.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", res.Outcome)
	}
	if res.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", res.RetryCount)
	}
	if r.Calls() != 3 {
		t.Errorf("router calls = %d, want 3", r.Calls())
	}
}

func TestExecute_FailsAfterMaxRetries(t *testing.T) {
	boom := errors.New("backend down")
	r := &fakeRouter{errs: []error{boom, boom, boom, boom, boom}}
	e := NewExecutor(testWorker(), r, fastConfig())

	res := e.Execute(context.Background(), codeTask())
	if res.Outcome != models.OutcomeError {
		t.Fatalf("Outcome = %s, want error", res.Outcome)
	}
	if res.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", res.RetryCount)
	}
	if r.Calls() != 4 {
		t.Errorf("router calls = %d, want 4", r.Calls())
	}
	if res.Error != "backend down" {
		t.Errorf("Error = %q", res.Error)
	}

	perf := e.Performance()
	if perf.TasksFailed != 1 || !approx(perf.Reliability, 0.95) || perf.SuccessRate != 0 {
		t.Errorf("Performance = %+v", perf)
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := &fakeRouter{reply: codeReply, delay: 200 * time.Millisecond}
	cfg := fastConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	e := NewExecutor(testWorker(), r, cfg)

	res := e.Execute(context.Background(), codeTask())
	if res.Outcome != models.OutcomeError {
		t.Fatalf("Outcome = %s, want error", res.Outcome)
	}
	if !strings.Contains(res.Error, ErrExecutionTimeout.Error()) {
		t.Errorf("Error = %q, want execution timeout", res.Error)
	}
	if res.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", res.RetryCount)
	}
}

func TestExecute_NoBackendsIsNotRetried(t *testing.T) {
	r := &fakeRouter{errs: []error{router.ErrNoBackends}}
	e := NewExecutor(testWorker(), r, fastConfig())

	res := e.Execute(context.Background(), codeTask())
	if res.Outcome != models.OutcomeError || r.Calls() != 1 {
		t.Errorf("Outcome = %s, calls = %d; want error after 1 call", res.Outcome, r.Calls())
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	r := &fakeRouter{errs: []error{errors.New("x"), errors.New("y")}}
	cfg := fastConfig()
	cfg.BackoffBase = time.Hour
	e := NewExecutor(testWorker(), r, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, codeTask())
	if res.Outcome != models.OutcomeError {
		t.Errorf("Outcome = %s, want error", res.Outcome)
	}
	if r.Calls() != 1 {
		t.Errorf("router calls = %d, want 1", r.Calls())
	}
	if got := e.Performance(); got != models.NewPerformance() {
		t.Errorf("performance after cancel = %+v, want untouched", got)
	}
}

func TestExecute_CancelledMidCallKeepsPerformance(t *testing.T) {
	r := &fakeRouter{reply: codeReply, delay: time.Hour}
	e := NewExecutor(testWorker(), r, fastConfig())
	before := e.Performance()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, codeTask())
	if res.Outcome != models.OutcomeError || res.Error == "" {
		t.Errorf("result = %+v, want error outcome", res)
	}
	if got := e.Performance(); got != before {
		t.Errorf("performance = %+v, want %+v", got, before)
	}
}

func TestExecute_WithRealRouter(t *testing.T) {
	rt := router.New(router.Config{Strategy: router.StrategyLocalFirst})
	mock := backend.NewMockBackend(backend.Profile{Provider: "ollama", Model: "llama3", IsLocal: true}).
		SetDefault(codeReply)
	if err := rt.Register(mock); err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(testWorker(), rt, fastConfig())

	res := e.Execute(context.Background(), codeTask())
	if res.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s (%s)", res.Outcome, res.Error)
	}
	if res.Provider != "ollama" || res.Cost != 0 {
		t.Errorf("Provider = %s, Cost = %v", res.Provider, res.Cost)
	}
}

func TestExecutor_ReliabilityBounds(t *testing.T) {
	r := &fakeRouter{reply: codeReply}
	e := NewExecutor(testWorker(), r, fastConfig())

	for i := 0; i < 5; i++ {
		e.Execute(context.Background(), codeTask())
	}
	if got := e.Performance().Reliability; got != 1.0 {
		t.Errorf("Reliability after successes = %v, want capped at 1.0", got)
	}

	e.AdjustReliability(-5)
	if got := e.Performance().Reliability; got != 0 {
		t.Errorf("Reliability after large penalty = %v, want floored at 0", got)
	}
}

func TestProbe(t *testing.T) {
	worker := testWorker()
	worker.WorkingHours = &models.WorkingHours{Start: 9, End: 17}

	tests := []struct {
		name       string
		hour       int
		selectable int
		deep       bool
		errs       []error
		want       bool
		wantErr    bool
	}{
		{"inside hours", 10, 1, false, nil, true, false},
		{"outside hours", 20, 1, false, nil, false, false},
		{"no backends", 10, 0, false, nil, false, false},
		{"deep probe ok", 10, 1, true, nil, true, false},
		{"deep probe fails", 10, 1, true, []error{errors.New("down")}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRouter{reply: "OK", selectable: tt.selectable, errs: tt.errs}
			cfg := fastConfig()
			cfg.DeepProbe = tt.deep
			e := NewExecutor(worker, r, cfg)
			e.SetClock(func() time.Time { return time.Date(2026, 1, 5, tt.hour, 0, 0, 0, time.UTC) })

			got, err := e.Probe(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Probe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Probe() = %v, want %v", got, tt.want)
			}
		})
	}
}

func approx(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
