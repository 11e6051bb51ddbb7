// Package agent executes tasks on behalf of a single worker: it builds prompts
// from the worker's declared capabilities, routes them to a backend with a
// hard timeout and retries, parses the output, and keeps rolling performance
// numbers for the worker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/router"
	"github.com/ShayCichocki/crew/pkg/models"
)

// ErrExecutionTimeout is recorded when one attempt outlives the executor timeout.
var ErrExecutionTimeout = errors.New("execution timeout")

// Router is the subset of the model router the executor needs.
type Router interface {
	Route(ctx context.Context, msgs []backend.Message, hint router.Hint) (*backend.Response, *router.Decision, error)
	Selectable() int
}

// ExecutorConfig contains configuration options for the Executor.
type ExecutorConfig struct {
	// Timeout bounds a single attempt. Default is 30 seconds.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Default is 3.
	MaxRetries int
	// BackoffBase scales the delay before retry k as BackoffBase * 2^k.
	// Default is 1 second.
	BackoffBase time.Duration
	// DeepProbe makes Probe send a one-line request through the router.
	DeepProbe bool
}

// DefaultExecutorConfig returns the standard executor settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Second,
	}
}

// Executor runs tasks for one worker. It is safe for concurrent use; the
// pool may run several tasks on the same executor at once.
type Executor struct {
	worker models.WorkerConfig
	router Router
	cfg    ExecutorConfig
	now    func() time.Time

	mu   sync.RWMutex
	perf models.Performance
}

// NewExecutor creates an executor for the worker. Zero-valued config fields take defaults.
func NewExecutor(worker models.WorkerConfig, r Router, cfg ExecutorConfig) *Executor {
	def := DefaultExecutorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	return &Executor{
		worker: worker,
		router: r,
		cfg:    cfg,
		now:    time.Now,
		perf:   models.NewPerformance(),
	}
}

// SetClock overrides the time source used for working hours.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Worker returns the worker's declared configuration.
func (e *Executor) Worker() models.WorkerConfig {
	return e.worker
}

// Performance returns a snapshot of the rolling performance numbers.
func (e *Executor) Performance() models.Performance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.perf
}

// RestorePerformance seeds the rolling numbers, typically from persisted state.
func (e *Executor) RestorePerformance(p models.Performance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perf = p
}

// AdjustReliability shifts reliability by delta, clamped to [0,1].
func (e *Executor) AdjustReliability(delta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perf.Reliability = clamp01(e.perf.Reliability + delta)
}

// CanHandle reports whether the worker covers enough of the task's requirements.
func (e *Executor) CanHandle(task *models.Task) bool {
	return CanHandle(&e.worker, task)
}

// MatchRatio returns the fraction of the task's requirements the worker covers.
func (e *Executor) MatchRatio(task *models.Task) float64 {
	return MatchRatio(&e.worker, task.Requirements)
}

// IsAvailable reports whether the worker is inside its working hours.
func (e *Executor) IsAvailable() bool {
	return WithinWorkingHours(e.worker.WorkingHours, e.now())
}

// Probe checks whether the worker can take work: it must be inside its
// working hours and the router must have a selectable backend. With
// DeepProbe it also sends a tiny request; a failure there is returned as an
// error.
func (e *Executor) Probe(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !e.IsAvailable() {
		return false, nil
	}
	if e.router == nil || e.router.Selectable() == 0 {
		return false, nil
	}
	if !e.cfg.DeepProbe {
		return true, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	_, _, err := e.router.Route(probeCtx, []backend.Message{backend.User("Reply with OK.")}, router.Hint{
		Kind:     models.TaskKindDocumentation,
		Priority: models.PriorityLow,
	})
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", e.worker.ID, err)
	}
	return true, nil
}

// Messages builds the system and task prompts for a task.
func (e *Executor) Messages(task *models.Task) ([]backend.Message, error) {
	sys, err := buildSystemPrompt(e.worker, e.Performance())
	if err != nil {
		return nil, err
	}
	prompt, err := buildTaskPrompt(task)
	if err != nil {
		return nil, err
	}
	return []backend.Message{backend.System(sys), backend.User(prompt)}, nil
}

type routeOutcome struct {
	resp     *backend.Response
	decision *router.Decision
	err      error
}

// attempt runs one routed call raced against the executor timeout.
func (e *Executor) attempt(ctx context.Context, msgs []backend.Message, hint router.Hint) routeOutcome {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	ch := make(chan routeOutcome, 1)
	go func() {
		resp, d, err := e.router.Route(callCtx, msgs, hint)
		ch <- routeOutcome{resp: resp, decision: d, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("after %s: %w", e.cfg.Timeout, ErrExecutionTimeout)
		}
		return out
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return routeOutcome{err: ctx.Err()}
		}
		return routeOutcome{err: fmt.Errorf("after %s: %w", e.cfg.Timeout, ErrExecutionTimeout)}
	}
}

// backoff waits BackoffBase * 2^retry or until ctx ends.
func (e *Executor) backoff(ctx context.Context, retry int) error {
	delay := e.cfg.BackoffBase * time.Duration(1<<uint(retry))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, router.ErrNoBackends) ||
		errors.Is(err, context.Canceled)
}

// Execute runs the task and always returns a result; failures are captured
// as Outcome error with the last error message and the retry count.
func (e *Executor) Execute(ctx context.Context, task *models.Task) *models.TaskResult {
	start := time.Now()
	result := &models.TaskResult{
		TaskID:   task.ID,
		WorkerID: e.worker.ID,
	}

	msgs, err := e.Messages(task)
	if err != nil {
		return e.fail(result, start, err)
	}
	hint := router.Hint{
		Kind:     task.Kind,
		Priority: task.Priority,
		Strategy: router.Strategy(e.worker.Strategy),
	}

	var lastErr error
	for try := 0; try <= e.cfg.MaxRetries; try++ {
		if try > 0 {
			if err := e.backoff(ctx, try); err != nil {
				lastErr = err
				break
			}
			result.RetryCount = try
			log.Printf("[executor] %s retrying task %s (%d/%d): %v", e.worker.ID, task.ID, try, e.cfg.MaxRetries, lastErr)
		}

		out := e.attempt(ctx, msgs, hint)
		if out.err == nil && out.resp != nil {
			return e.succeed(result, start, task, out)
		}
		lastErr = out.err
		if lastErr == nil {
			lastErr = errors.New("empty response")
		}
		if permanent(lastErr) || ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil || errors.Is(lastErr, context.Canceled) {
		return e.abandon(result, start, lastErr)
	}
	return e.fail(result, start, lastErr)
}

func (e *Executor) succeed(result *models.TaskResult, start time.Time, task *models.Task, out routeOutcome) *models.TaskResult {
	parsed := ParseResponse(out.resp.Content)

	result.Outcome = models.OutcomeSuccess
	if strings.TrimSpace(out.resp.Content) == "" ||
		(task.Kind == models.TaskKindCode && len(parsed.Artifacts) == 0) {
		result.Outcome = models.OutcomePartial
	}
	result.Content = out.resp.Content
	result.Artifacts = parsed.Artifacts
	result.Suggestions = parsed.Suggestions
	result.NextSteps = parsed.NextSteps
	result.Cost = out.resp.Cost
	result.TokensUsed = out.resp.Usage.Total()
	result.Duration = time.Since(start)
	if out.decision != nil {
		result.Provider = out.decision.Provider
		result.Model = out.decision.Model
	}

	e.record(true, result.Outcome == models.OutcomePartial, result.Duration)
	return result
}

func (e *Executor) fail(result *models.TaskResult, start time.Time, err error) *models.TaskResult {
	result.Outcome = models.OutcomeError
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
	}
	e.record(false, false, result.Duration)
	log.Printf("[executor] %s task %s failed after %d retries: %s", e.worker.ID, result.TaskID, result.RetryCount, result.Error)
	return result
}

// abandon reports a run whose context ended. The pool took the task away,
// so the worker's numbers are left alone.
func (e *Executor) abandon(result *models.TaskResult, start time.Time, err error) *models.TaskResult {
	result.Outcome = models.OutcomeError
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
	}
	log.Printf("[executor] %s task %s abandoned: %s", e.worker.ID, result.TaskID, result.Error)
	return result
}

// record updates the rolling numbers after a definitive outcome.
func (e *Executor) record(success, partial bool, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &e.perf
	ms := float64(d) / float64(time.Millisecond)
	if p.TasksCompleted+p.TasksFailed == 0 || p.AvgResponseTimeMs == 0 {
		p.AvgResponseTimeMs = ms
	} else {
		p.AvgResponseTimeMs = p.AvgResponseTimeMs*0.8 + ms*0.2
	}

	if success {
		p.TasksCompleted++
		p.Reliability = clamp01(p.Reliability + 0.01)
		sample := 1.0
		if partial {
			sample = 0.5
		}
		p.QualityScore = clamp01(p.QualityScore*0.9 + sample*0.1)
	} else {
		p.TasksFailed++
		p.Reliability = clamp01(p.Reliability - 0.05)
	}
	p.SuccessRate = float64(p.TasksCompleted) / float64(p.TasksCompleted+p.TasksFailed)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
