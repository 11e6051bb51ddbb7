package plan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/ShayCichocki/crew/internal/events"
	"github.com/ShayCichocki/crew/internal/project"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Pool runs tasks. *orchestrator.WorkerPool implements it.
type Pool interface {
	Submit(task *models.Task) (*models.TaskAssignment, error)
	Await(ctx context.Context, taskID string) (*models.TaskResult, error)
}

// Machine is the project lifecycle the driver advances.
// *project.Machine implements it.
type Machine interface {
	CreateProject(id string, requirements []string, cfg *models.ProjectConfig) (*models.ProjectContext, error)
	Get(id string) (*models.ProjectContext, bool)
	Transition(ctx context.Context, id string, ev models.ProjectEvent) (*models.ProjectContext, error)
	UpdateProgress(id string, fn func(c *models.TaskCounters)) error
	UpdateMetadata(id string, fn func(md *models.ProjectMetadata)) error
	Approve(id string, phase models.Phase) error
}

// Subscriber delivers project events. *events.Bus implements it.
type Subscriber interface {
	Subscribe(t events.Type, h events.Handler) string
	Unsubscribe(id string) bool
}

// ErrAwaitingApproval stops a run at a phase that needs an approval the
// plan does not grant.
var ErrAwaitingApproval = errors.New("phase awaiting approval")

// Report summarizes a run.
type Report struct {
	// Project is the final project snapshot.
	Project *models.ProjectContext
	// Rounds counts development rounds.
	Rounds int
	// Results holds the latest development round's results in plan order.
	Results []*models.TaskResult
	// Cost sums every task the run executed.
	Cost float64
}

// Driver runs plans: it executes each phase's work on the pool and fires the
// phase's completion or failure event on the machine.
type Driver struct {
	pool    Pool
	machine Machine
	sub     Subscriber
	project models.ProjectConfig
	poll    time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithSubscriber wakes the driver on project events instead of waiting for
// the next poll.
func WithSubscriber(s Subscriber) Option {
	return func(d *Driver) { d.sub = s }
}

// WithProjectConfig sets the configuration new projects start from.
func WithProjectConfig(cfg models.ProjectConfig) Option {
	return func(d *Driver) { d.project = cfg }
}

// WithPollInterval sets how often the driver re-reads project state while
// waiting. Default 200ms.
func WithPollInterval(every time.Duration) Option {
	return func(d *Driver) {
		if every > 0 {
			d.poll = every
		}
	}
}

// NewDriver creates a Driver.
func NewDriver(pool Pool, machine Machine, opts ...Option) *Driver {
	d := &Driver{
		pool:    pool,
		machine: machine,
		project: project.DefaultConfig().Defaults,
		poll:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run creates the plan's project and drives it until it reaches a terminal
// phase, stops in deployment without Deploy, or ctx ends. The report is
// returned even when Run fails.
func (d *Driver) Run(ctx context.Context, p *Plan) (*Report, error) {
	cfg := d.project
	cfg.AutoAdvance = false
	if p.MaxRetries > 0 {
		cfg.MaxRetries = p.MaxRetries
	}
	if _, err := d.machine.CreateProject(p.Project, p.Requirements, &cfg); err != nil {
		return nil, fmt.Errorf("create project %s: %w", p.Project, err)
	}

	r := &run{d: d, p: p, wake: make(chan struct{}, 1), visit: -1, report: &Report{}}
	if d.sub != nil {
		notify := func(ev events.Event) {
			if ev.ProjectID != p.Project {
				return
			}
			select {
			case r.wake <- struct{}{}:
			default:
			}
		}
		for _, t := range []events.Type{events.StateChanged, events.ProjectCompleted, events.ProjectFailed, events.TaskCompleted, events.TaskFailed} {
			id := d.sub.Subscribe(t, notify)
			defer d.sub.Unsubscribe(id)
		}
	}

	err := r.loop(ctx)
	if pc, ok := d.machine.Get(p.Project); ok {
		r.report.Project = pc
	}
	return r.report, err
}

type run struct {
	d      *Driver
	p      *Plan
	wake   chan struct{}
	report *Report

	// visit is the history length when the current phase's work ran.
	visit   int
	pending models.ProjectEvent
}

func (r *run) loop(ctx context.Context) error {
	id := r.p.Project
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pc, ok := r.d.machine.Get(id)
		if !ok {
			return fmt.Errorf("%s: %w", id, project.ErrProjectNotFound)
		}
		phase := pc.CurrentPhase
		if phase.IsTerminal() {
			return nil
		}
		if phase == models.PhaseDeployment && !r.p.Deploy {
			return nil
		}

		if v := len(pc.History); v != r.visit {
			r.visit = v
			r.pending = ""
			if pc.Config.RequiresApproval(phase) && !pc.Metadata.Approvals[phase] {
				if !r.p.AutoApprove {
					return fmt.Errorf("%s in %s: %w", id, phase, ErrAwaitingApproval)
				}
				if err := r.d.machine.Approve(id, phase); err != nil {
					return fmt.Errorf("approve %s: %w", phase, err)
				}
			}
			ev, err := r.work(ctx, phase, v)
			if err != nil {
				return err
			}
			r.pending = ev
		}

		if r.pending != "" {
			fired, err := r.fire(ctx, r.pending)
			if err != nil {
				return err
			}
			if fired {
				r.pending = ""
				continue
			}
		}

		if err := r.wait(ctx); err != nil {
			return err
		}
	}
}

// work runs the phase's task and returns the event its outcome calls for,
// or "" when the machine decides on its own.
func (r *run) work(ctx context.Context, phase models.Phase, visit int) (models.ProjectEvent, error) {
	switch phase {
	case models.PhaseDraft:
		return models.EventStartAnalysis, nil
	case models.PhaseAnalyzing:
		return r.analyze(ctx, visit)
	case models.PhasePlanning:
		return r.design(ctx, visit)
	case models.PhaseDevelopment:
		return r.develop(ctx)
	case models.PhaseTesting:
		return r.test()
	case models.PhaseReview:
		return r.review(ctx, visit)
	case models.PhaseDeployment:
		err := r.d.machine.UpdateMetadata(r.p.Project, func(md *models.ProjectMetadata) { md.Deployed = true })
		return models.EventDeploymentComplete, err
	}
	return "", nil
}

// fire applies ev. Locked projects and events the state does not accept yet
// are reported as not fired so the loop retries after waiting.
func (r *run) fire(ctx context.Context, ev models.ProjectEvent) (bool, error) {
	_, err := r.d.machine.Transition(ctx, r.p.Project, ev)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, project.ErrApprovalRequired):
		return false, fmt.Errorf("%s: %w", ev, ErrAwaitingApproval)
	case errors.Is(err, project.ErrProjectLocked), project.IsInvalidTransition(err):
		return false, nil
	default:
		return false, fmt.Errorf("fire %s: %w", ev, err)
	}
}

func (r *run) wait(ctx context.Context) error {
	t := time.NewTimer(r.d.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
	case <-t.C:
	}
	return nil
}

// execute submits one task and waits for its result.
func (r *run) execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	if _, err := r.d.pool.Submit(task); err != nil {
		return nil, fmt.Errorf("submit %s: %w", task.ID, err)
	}
	res, err := r.d.pool.Await(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", task.ID, err)
	}
	if res == nil {
		return nil, fmt.Errorf("await %s: no result", task.ID)
	}
	r.report.Cost += res.Cost
	return res, nil
}

// phaseTask builds a task for phase work. It carries no project ID so it
// does not count toward development progress.
func (r *run) phaseTask(kind models.TaskKind, phase models.Phase, visit int, title, desc string) *models.Task {
	return &models.Task{
		ID:          fmt.Sprintf("%s-%s-%d", r.p.Project, phase, visit),
		Kind:        kind,
		Title:       title,
		Description: desc,
		Priority:    models.PriorityHigh,
	}
}

func (r *run) analyze(ctx context.Context, visit int) (models.ProjectEvent, error) {
	analysis := r.p.Analysis
	if analysis == "" {
		task := r.phaseTask(models.TaskKindAnalysis, models.PhaseAnalyzing, visit,
			"Analyze requirements for "+r.p.Project, "Requirements:\n"+r.p.Brief())
		res, err := r.execute(ctx, task)
		if err != nil {
			return "", err
		}
		if !res.Succeeded() || strings.TrimSpace(res.Content) == "" {
			log.Printf("[plan] %s: analysis failed: %s", r.p.Project, res.Error)
			return models.EventAnalysisFailed, nil
		}
		analysis = res.Content
	}
	err := r.d.machine.UpdateMetadata(r.p.Project, func(md *models.ProjectMetadata) { md.Analysis = analysis })
	return models.EventAnalysisComplete, err
}

func (r *run) design(ctx context.Context, visit int) (models.ProjectEvent, error) {
	design := r.p.Design
	if design == "" {
		var desc strings.Builder
		desc.WriteString("Requirements:\n" + r.p.Brief() + "\nTasks:\n")
		for _, ts := range r.p.Tasks {
			fmt.Fprintf(&desc, "- [%s] %s\n", ts.Kind, ts.Title)
		}
		if pc, ok := r.d.machine.Get(r.p.Project); ok && pc.Metadata.Analysis != "" {
			desc.WriteString("\nAnalysis:\n" + pc.Metadata.Analysis)
		}
		task := r.phaseTask(models.TaskKindDesign, models.PhasePlanning, visit,
			"Design an implementation plan for "+r.p.Project, desc.String())
		res, err := r.execute(ctx, task)
		if err != nil {
			return "", err
		}
		if !res.Succeeded() || strings.TrimSpace(res.Content) == "" {
			log.Printf("[plan] %s: planning failed: %s", r.p.Project, res.Error)
			return models.EventPlanningFailed, nil
		}
		design = res.Content
	}
	if err := r.resetProgress(0); err != nil {
		return "", err
	}
	err := r.d.machine.UpdateMetadata(r.p.Project, func(md *models.ProjectMetadata) { md.Plan = design })
	return models.EventPlanningComplete, err
}

// develop runs one round of the plan's tasks. Counters advance through the
// machine's task event binding; when too many tasks fail the machine fails
// development itself.
func (r *run) develop(ctx context.Context) (models.ProjectEvent, error) {
	r.report.Rounds++
	n := len(r.p.Tasks)
	if err := r.resetProgress(n); err != nil {
		return "", err
	}

	ids := make([]string, n)
	for i := range r.p.Tasks {
		ids[i] = fmt.Sprintf("%s-r%d-%d", r.p.Project, r.report.Rounds, i+1)
		if _, err := r.d.pool.Submit(r.p.Task(i, ids[i])); err != nil {
			return "", fmt.Errorf("submit %s: %w", ids[i], err)
		}
	}

	results := make([]*models.TaskResult, n)
	completed := 0
	for i, tid := range ids {
		res, err := r.d.pool.Await(ctx, tid)
		if err != nil {
			return "", fmt.Errorf("await %s: %w", tid, err)
		}
		results[i] = res
		if res != nil {
			r.report.Cost += res.Cost
		}
		if res.Succeeded() {
			completed++
		}
	}
	r.report.Results = results
	log.Printf("[plan] %s: round %d completed %d/%d tasks", r.p.Project, r.report.Rounds, completed, n)

	if float64(completed)/float64(n) >= project.MinTaskCompletion {
		return models.EventDevelopmentComplete, nil
	}
	return "", nil
}

// TestResults scores the latest round. Test tasks are the tests when the
// plan has any; otherwise every task counts.
func TestResults(p *Plan, results []*models.TaskResult) models.TestResults {
	var tr models.TestResults
	hasTests := false
	for _, ts := range p.Tasks {
		if ts.Kind == string(models.TaskKindTest) {
			hasTests = true
			break
		}
	}
	for i, res := range results {
		if i >= len(p.Tasks) || (hasTests && p.Tasks[i].Kind != string(models.TaskKindTest)) {
			continue
		}
		tr.Total++
		if res.Succeeded() {
			tr.Passed++
		} else {
			tr.Failed++
		}
	}
	return tr
}

func (r *run) test() (models.ProjectEvent, error) {
	tr := TestResults(r.p, r.report.Results)
	if err := r.d.machine.UpdateMetadata(r.p.Project, func(md *models.ProjectMetadata) { md.TestResults = &tr }); err != nil {
		return "", err
	}
	if tr.Total > 0 && tr.PassRatio() >= project.MinTestPassRate {
		return models.EventTestingComplete, nil
	}
	log.Printf("[plan] %s: %d/%d tests passed", r.p.Project, tr.Passed, tr.Total)
	return models.EventTestingFailed, r.resetProgress(0)
}

var rejectionPattern = regexp.MustCompile(`(?i)\b(do not approve|don't approve|cannot approve|can't approve|not approved|reject(ed)?)\b`)

// Rejects reports whether review text withholds approval.
func Rejects(review string) bool {
	return rejectionPattern.MatchString(review)
}

func (r *run) review(ctx context.Context, visit int) (models.ProjectEvent, error) {
	var desc strings.Builder
	desc.WriteString("Requirements:\n" + r.p.Brief() + "\nDeliverables:\n")
	for i, res := range r.report.Results {
		if res == nil || !res.Succeeded() {
			continue
		}
		fmt.Fprintf(&desc, "\n## %s\n%s\n", r.p.Tasks[i].Title, res.Content)
	}
	task := r.phaseTask(models.TaskKindReview, models.PhaseReview, visit, "Review "+r.p.Project, desc.String())
	res, err := r.execute(ctx, task)
	if err != nil {
		return "", err
	}

	rr := models.ReviewResults{Approved: res.Succeeded() && !Rejects(res.Content), Comments: res.Suggestions}
	if err := r.d.machine.UpdateMetadata(r.p.Project, func(md *models.ProjectMetadata) {
		md.ReviewResults = &rr
		if !rr.Approved {
			md.TestResults = nil
		}
	}); err != nil {
		return "", err
	}
	if rr.Approved {
		return models.EventReviewApproved, nil
	}
	log.Printf("[plan] %s: review withheld approval", r.p.Project)
	return models.EventReviewRejected, r.resetProgress(0)
}

// resetProgress starts the development counters over.
func (r *run) resetProgress(total int) error {
	return r.d.machine.UpdateProgress(r.p.Project, func(c *models.TaskCounters) {
		*c = models.TaskCounters{Total: total, Pending: total}
	})
}
