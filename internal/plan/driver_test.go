package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/events"
	"github.com/ShayCichocki/crew/internal/orchestrator"
	"github.com/ShayCichocki/crew/internal/project"
	"github.com/ShayCichocki/crew/internal/router"
	"github.com/ShayCichocki/crew/pkg/models"
)

// fakePool finishes every task on Submit and publishes the task event the
// way the worker pool does.
type fakePool struct {
	bus     events.Publisher
	succeed func(task *models.Task) bool
	content func(task *models.Task) string

	mu        sync.Mutex
	submitted []*models.Task
	results   map[string]*models.TaskResult
}

func newFakePool(bus events.Publisher) *fakePool {
	return &fakePool{
		bus:     bus,
		succeed: func(*models.Task) bool { return true },
		content: func(task *models.Task) string { return "done: " + task.Title },
		results: make(map[string]*models.TaskResult),
	}
}

func (f *fakePool) Submit(task *models.Task) (*models.TaskAssignment, error) {
	res := &models.TaskResult{TaskID: task.ID, WorkerID: "w1", Outcome: models.OutcomeSuccess, Content: f.content(task), Cost: 0.01}
	typ := events.TaskCompleted
	if !f.succeed(task) {
		res.Outcome = models.OutcomeError
		res.Error = "backend exploded"
		res.Content = ""
		typ = events.TaskFailed
	}

	f.mu.Lock()
	f.submitted = append(f.submitted, task)
	f.results[task.ID] = res
	f.mu.Unlock()

	f.bus.Publish(events.Event{Type: typ, TaskID: task.ID, ProjectID: task.ProjectID, Result: res})
	return &models.TaskAssignment{TaskID: task.ID, WorkerID: "w1"}, nil
}

func (f *fakePool) Await(ctx context.Context, taskID string) (*models.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[taskID]
	if !ok {
		return nil, fmt.Errorf("%s: unknown task", taskID)
	}
	return res, nil
}

func (f *fakePool) kinds() map[models.TaskKind]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.TaskKind]int)
	for _, t := range f.submitted {
		out[t.Kind]++
	}
	return out
}

type harness struct {
	bus     *events.Bus
	machine *project.Machine
	pool    *fakePool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewBus()
	m := project.NewMachine(project.Config{
		Defaults:    models.ProjectConfig{MaxRetries: 3},
		Debounce:    time.Millisecond,
		LockedRetry: time.Millisecond,
	}, project.WithEvents(bus))
	t.Cleanup(m.Close)
	for _, typ := range []events.Type{events.TaskCompleted, events.TaskFailed, events.TaskCancelled} {
		bus.Subscribe(typ, m.HandleTaskEvent)
	}
	return &harness{bus: bus, machine: m, pool: newFakePool(bus)}
}

func (h *harness) driver(cfg models.ProjectConfig) *Driver {
	return NewDriver(h.pool, h.machine,
		WithSubscriber(h.bus),
		WithProjectConfig(cfg),
		WithPollInterval(5*time.Millisecond))
}

func (h *harness) run(t *testing.T, d *Driver, p *Plan) (*Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Run(ctx, p)
}

func testPlan(kinds ...string) *Plan {
	p := &Plan{Project: "shop", Requirements: []string{"checkout"}, Deploy: true}
	for i, k := range kinds {
		p.Tasks = append(p.Tasks, TaskSpec{Title: fmt.Sprintf("task %d", i+1), Kind: k, Priority: "medium"})
	}
	return p
}

func phases(pc *models.ProjectContext) []models.Phase {
	out := make([]models.Phase, 0, len(pc.History))
	for _, rec := range pc.History {
		out = append(out, rec.To)
	}
	return out
}

func TestRun_CompletesPlan(t *testing.T) {
	h := newHarness(t)
	rep, err := h.run(t, h.driver(models.ProjectConfig{MaxRetries: 3}), testPlan("code", "code", "test"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Project.CurrentPhase != models.PhaseCompleted {
		t.Fatalf("phase = %s", rep.Project.CurrentPhase)
	}
	want := []models.Phase{
		models.PhaseAnalyzing, models.PhasePlanning, models.PhaseDevelopment, models.PhaseTesting,
		models.PhaseReview, models.PhaseDeployment, models.PhaseCompleted,
	}
	if got := phases(rep.Project); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
	if rep.Rounds != 1 || len(rep.Results) != 3 {
		t.Errorf("Rounds = %d, Results = %d", rep.Rounds, len(rep.Results))
	}
	if rep.Project.Metadata.Analysis == "" || rep.Project.Metadata.Plan == "" || !rep.Project.Metadata.Deployed {
		t.Errorf("metadata = %+v", rep.Project.Metadata)
	}
	if tr := rep.Project.Metadata.TestResults; tr == nil || tr.Total != 1 || tr.Passed != 1 {
		t.Errorf("TestResults = %+v", tr)
	}
	if c := rep.Project.TaskCounters; c.Total != 3 || c.Completed != 3 || c.Pending != 0 {
		t.Errorf("TaskCounters = %+v", c)
	}
	// analysis + design + 3 tasks + review
	if rep.Cost < 0.059 || rep.Cost > 0.061 {
		t.Errorf("Cost = %v, want 0.06", rep.Cost)
	}
	kinds := h.pool.kinds()
	if kinds[models.TaskKindAnalysis] != 1 || kinds[models.TaskKindDesign] != 1 || kinds[models.TaskKindReview] != 1 {
		t.Errorf("phase tasks = %v", kinds)
	}
}

func TestRun_PresetAnalysisAndDesignSkipTasks(t *testing.T) {
	h := newHarness(t)
	p := testPlan("code")
	p.Analysis = "small shop"
	p.Design = "one package"

	rep, err := h.run(t, h.driver(models.ProjectConfig{MaxRetries: 3}), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Project.CurrentPhase != models.PhaseCompleted {
		t.Fatalf("phase = %s", rep.Project.CurrentPhase)
	}
	kinds := h.pool.kinds()
	if kinds[models.TaskKindAnalysis] != 0 || kinds[models.TaskKindDesign] != 0 {
		t.Errorf("phase tasks = %v", kinds)
	}
	if rep.Project.Metadata.Analysis != "small shop" || rep.Project.Metadata.Plan != "one package" {
		t.Errorf("metadata = %+v", rep.Project.Metadata)
	}
}

func TestRun_StopsInDeploymentWithoutDeploy(t *testing.T) {
	h := newHarness(t)
	p := testPlan("code")
	p.Deploy = false

	rep, err := h.run(t, h.driver(models.ProjectConfig{MaxRetries: 3}), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Project.CurrentPhase != models.PhaseDeployment {
		t.Errorf("phase = %s, want deployment", rep.Project.CurrentPhase)
	}
}

func TestRun_FailingTestsReturnToDevelopment(t *testing.T) {
	h := newHarness(t)
	kinds := make([]string, 0, 10)
	for i := 0; i < 9; i++ {
		kinds = append(kinds, "code")
	}
	kinds = append(kinds, "test")
	h.pool.succeed = func(task *models.Task) bool {
		return !(task.Kind == models.TaskKindTest && strings.Contains(task.ID, "-r1-"))
	}

	rep, err := h.run(t, h.driver(models.ProjectConfig{MaxRetries: 3}), testPlan(kinds...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Project.CurrentPhase != models.PhaseCompleted {
		t.Fatalf("phase = %s", rep.Project.CurrentPhase)
	}
	if rep.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", rep.Rounds)
	}
	if rep.Project.Metadata.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rep.Project.Metadata.RetryCount)
	}
	found := false
	for _, rec := range rep.Project.History {
		if rec.Event == models.EventTestingFailed && rec.To == models.PhaseDevelopment {
			found = true
		}
	}
	if !found {
		t.Error("expected a testing_failed transition back to development")
	}
}

func TestRun_DevelopmentFailureReplans(t *testing.T) {
	h := newHarness(t)
	h.pool.succeed = func(task *models.Task) bool {
		return !strings.Contains(task.ID, "-r1-")
	}

	rep, err := h.run(t, h.driver(models.ProjectConfig{MaxRetries: 3}), testPlan("code", "code"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Project.CurrentPhase != models.PhaseCompleted {
		t.Fatalf("phase = %s", rep.Project.CurrentPhase)
	}
	if rep.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", rep.Rounds)
	}
	if got := h.pool.kinds()[models.TaskKindDesign]; got != 2 {
		t.Errorf("design tasks = %d, want 2", got)
	}
}

func TestRun_ReviewRejectionExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.pool.content = func(task *models.Task) string {
		if task.Kind == models.TaskKindReview {
			return "I reject this: no error handling."
		}
		return "done"
	}

	rep, err := h.run(t, h.driver(models.ProjectConfig{MaxRetries: 2}), testPlan("code"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Project.CurrentPhase != models.PhaseFailed {
		t.Fatalf("phase = %s, want failed", rep.Project.CurrentPhase)
	}
	if rep.Rounds != 2 || rep.Project.Metadata.RetryCount != 2 {
		t.Errorf("Rounds = %d, RetryCount = %d", rep.Rounds, rep.Project.Metadata.RetryCount)
	}
	if rr := rep.Project.Metadata.ReviewResults; rr == nil || rr.Approved {
		t.Errorf("ReviewResults = %+v", rr)
	}
}

func TestRun_Approval(t *testing.T) {
	cfg := models.ProjectConfig{MaxRetries: 3, ApprovalRequiredPhases: []models.Phase{models.PhaseReview}}

	t.Run("stops without approval", func(t *testing.T) {
		h := newHarness(t)
		rep, err := h.run(t, h.driver(cfg), testPlan("code"))
		if !errors.Is(err, ErrAwaitingApproval) {
			t.Fatalf("err = %v, want ErrAwaitingApproval", err)
		}
		if rep.Project.CurrentPhase != models.PhaseReview {
			t.Errorf("phase = %s, want review", rep.Project.CurrentPhase)
		}
	})

	t.Run("auto approve", func(t *testing.T) {
		h := newHarness(t)
		p := testPlan("code")
		p.AutoApprove = true
		rep, err := h.run(t, h.driver(cfg), p)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if rep.Project.CurrentPhase != models.PhaseCompleted {
			t.Errorf("phase = %s", rep.Project.CurrentPhase)
		}
		if !rep.Project.Metadata.Approvals[models.PhaseReview] {
			t.Error("expected review approval recorded")
		}
	})
}

func TestRun_DuplicateProject(t *testing.T) {
	h := newHarness(t)
	d := h.driver(models.ProjectConfig{MaxRetries: 3})
	if _, err := h.run(t, d, testPlan("code")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.run(t, d, testPlan("code")); !errors.Is(err, project.ErrProjectExists) {
		t.Errorf("err = %v, want ErrProjectExists", err)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	cfg := models.ProjectConfig{MaxRetries: 3}
	p := testPlan("code")
	d := NewDriver(blockingPool{}, h.machine, WithProjectConfig(cfg), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rep, err := d.Run(ctx, p)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if rep.Project == nil || rep.Project.CurrentPhase != models.PhaseAnalyzing {
		t.Errorf("report = %+v", rep.Project)
	}
}

// blockingPool accepts tasks and never finishes them.
type blockingPool struct{}

func (blockingPool) Submit(task *models.Task) (*models.TaskAssignment, error) {
	return &models.TaskAssignment{TaskID: task.ID}, nil
}

func (blockingPool) Await(ctx context.Context, taskID string) (*models.TaskResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

const reviewReply = "The change is sound.\n\n```go\nfunc Total(items []int) (sum int) {\n\tfor _, v := range items {\n\t\tsum += v\n\t}\n\treturn sum\n}\n```\n\nSuggestions:\n- add doc comments\n"

// Runs a plan through the real pool, executors, and router over a local
// mock backend.
func TestRun_WithWorkerPool(t *testing.T) {
	bus := events.NewBus()
	m := project.NewMachine(project.Config{
		Defaults:    models.ProjectConfig{MaxRetries: 3},
		Debounce:    time.Millisecond,
		LockedRetry: time.Millisecond,
	}, project.WithEvents(bus))
	t.Cleanup(m.Close)
	for _, typ := range []events.Type{events.TaskCompleted, events.TaskFailed, events.TaskCancelled} {
		bus.Subscribe(typ, m.HandleTaskEvent)
	}

	rt := router.New(router.Config{Strategy: router.StrategyLocalFirst})
	mock := backend.NewMockBackend(backend.Profile{Provider: "ollama", Model: "llama3", IsLocal: true}).
		SetDefault(reviewReply)
	if err := rt.Register(mock); err != nil {
		t.Fatal(err)
	}

	cfg := orchestrator.DefaultPoolConfig()
	cfg.RetryDelay = time.Millisecond
	pool := orchestrator.NewWorkerPool(cfg,
		orchestrator.WithEvents(bus),
		orchestrator.WithRunnerFactory(func(wc models.WorkerConfig) (orchestrator.TaskRunner, error) {
			return agent.NewExecutor(wc, rt, agent.ExecutorConfig{Timeout: time.Second, MaxRetries: 1, BackoffBase: time.Millisecond}), nil
		}))
	t.Cleanup(pool.Stop)
	if _, err := pool.RegisterWorker(models.WorkerConfig{ID: "gopher", Type: "backend", Languages: []string{"Go"}, MaxConcurrentTasks: 2}); err != nil {
		t.Fatal(err)
	}

	d := NewDriver(pool, m, WithSubscriber(bus), WithProjectConfig(models.ProjectConfig{MaxRetries: 3}), WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := d.Run(ctx, testPlan("code", "code", "test"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Project.CurrentPhase != models.PhaseCompleted {
		t.Fatalf("phase = %s (errors %v)", rep.Project.CurrentPhase, rep.Project.Metadata.Errors)
	}
	for i, res := range rep.Results {
		if !res.Succeeded() || res.Provider != "ollama" {
			t.Errorf("result %d = %+v", i, res)
		}
	}
	// 3 development tasks plus analysis, design, and review.
	if calls := mock.Calls(); calls != 6 {
		t.Errorf("backend calls = %d, want 6", calls)
	}
	if got := pool.GetPoolMetrics().CompletedTasks; got != 6 {
		t.Errorf("CompletedTasks = %d, want 6", got)
	}
}
