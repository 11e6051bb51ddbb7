// Package project drives projects through their lifecycle phases. Each
// project has one context, mutated only through the transition table,
// with a per-project transition lock, a single phase timer, and optional
// debounced auto-advance.
package project

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/crew/internal/events"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Checkpointer persists project contexts for crash recovery. rev increases
// with every save of the same project; stores keep the highest.
type Checkpointer interface {
	SaveProject(ctx context.Context, pc *models.ProjectContext, rev uint64) error
	DeleteProject(ctx context.Context, projectID string) error
	LoadProjects(ctx context.Context) ([]Checkpoint, error)
}

// Checkpoint is a stored project context and the revision it was saved at.
type Checkpoint struct {
	Context *models.ProjectContext
	Rev     uint64
}

// Config holds machine-wide settings.
type Config struct {
	// Defaults apply to projects created without their own ProjectConfig.
	Defaults models.ProjectConfig
	// Debounce delays auto-advance checks so bursts of updates coalesce.
	Debounce time.Duration
	// LockedRetry is the delay before retrying a timer-driven event that
	// found the project locked.
	LockedRetry time.Duration
}

// DefaultConfig returns the standard machine settings.
func DefaultConfig() Config {
	return Config{
		Defaults: models.ProjectConfig{
			AutoAdvance: true,
			MaxRetries:  3,
			Timeouts:    DefaultTimeouts(),
		},
		Debounce:    time.Second,
		LockedRetry: 100 * time.Millisecond,
	}
}

// Option configures a Machine.
type Option func(*Machine)

// WithEvents sets where state events are published.
func WithEvents(pub events.Publisher) Option {
	return func(m *Machine) {
		if pub != nil {
			m.events = pub
		}
	}
}

// WithCheckpointer sets the crash-recovery store.
func WithCheckpointer(c Checkpointer) Option {
	return func(m *Machine) { m.store = c }
}

// WithTransitions replaces the transition table.
func WithTransitions(ts []Transition) Option {
	return func(m *Machine) { m.table = newTable(ts) }
}

// WithAction attaches an action and optional rollback to every transition
// triggered by ev.
func WithAction(ev models.ProjectEvent, a Action, r Rollback) Option {
	return func(m *Machine) { m.table.attach(ev, a, r) }
}

// WithClock overrides the time source for history and phase start times.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

type project struct {
	// lock serializes transitions. Held across the action call.
	lock sync.Mutex

	// mu guards the fields below.
	mu       sync.Mutex
	pc       *models.ProjectContext
	rev      uint64
	timer    *time.Timer
	timerSeq uint64
	debounce *time.Timer
	deleted  bool
}

// Machine runs project lifecycles.
type Machine struct {
	cfg    Config
	table  table
	events events.Publisher
	store  Checkpointer
	now    func() time.Time

	mu       sync.RWMutex
	projects map[string]*project
	closed   bool
}

// NewMachine creates a state machine with the default transition table.
func NewMachine(cfg Config, opts ...Option) *Machine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if cfg.LockedRetry <= 0 {
		cfg.LockedRetry = DefaultConfig().LockedRetry
	}
	if cfg.Defaults.MaxRetries <= 0 {
		cfg.Defaults.MaxRetries = DefaultConfig().Defaults.MaxRetries
	}
	m := &Machine{
		cfg:      cfg,
		table:    newTable(DefaultTransitions()),
		events:   events.Discard,
		now:      time.Now,
		projects: make(map[string]*project),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) get(id string) (*project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pr, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrProjectNotFound)
	}
	return pr, nil
}

// CreateProject starts a project in draft. A nil cfg takes the machine
// defaults.
func (m *Machine) CreateProject(id string, requirements []string, cfg *models.ProjectConfig) (*models.ProjectContext, error) {
	if id == "" {
		return nil, errors.New("project id is required")
	}
	pcfg := m.cfg.Defaults
	if cfg != nil {
		pcfg = *cfg
	}
	if pcfg.MaxRetries <= 0 {
		pcfg.MaxRetries = m.cfg.Defaults.MaxRetries
	}

	now := m.now()
	pc := &models.ProjectContext{
		ProjectID:    id,
		CurrentPhase: models.PhaseDraft,
		Metadata: models.ProjectMetadata{
			Requirements:   append([]string(nil), requirements...),
			PhaseStartTime: now,
		},
		Config:    pcfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	pc = pc.Clone()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("state machine closed")
	}
	if _, ok := m.projects[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrProjectExists)
	}
	pr := &project{pc: pc}
	m.projects[id] = pr
	m.mu.Unlock()

	pr.mu.Lock()
	snap, rev := m.touchLocked(pr)
	pr.mu.Unlock()
	m.checkpoint(snap, rev)
	log.Printf("[project] created %s", id)
	return snap, nil
}

// Get returns a snapshot of the project's context.
func (m *Machine) Get(id string) (*models.ProjectContext, bool) {
	pr, err := m.get(id)
	if err != nil {
		return nil, false
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.pc.Clone(), true
}

// Projects returns snapshots of every project ordered by ID.
func (m *Machine) Projects() []*models.ProjectContext {
	m.mu.RLock()
	prs := make([]*project, 0, len(m.projects))
	for _, pr := range m.projects {
		prs = append(prs, pr)
	}
	m.mu.RUnlock()

	out := make([]*models.ProjectContext, 0, len(prs))
	for _, pr := range prs {
		pr.mu.Lock()
		out = append(out, pr.pc.Clone())
		pr.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// touchLocked bumps the revision and returns a snapshot to checkpoint.
func (m *Machine) touchLocked(pr *project) (*models.ProjectContext, uint64) {
	pr.rev++
	pr.pc.UpdatedAt = m.now()
	return pr.pc.Clone(), pr.rev
}

func (m *Machine) checkpoint(pc *models.ProjectContext, rev uint64) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveProject(ctx, pc, rev); err != nil {
		log.Printf("[project] checkpoint %s: %v", pc.ProjectID, err)
	}
}

// Transition applies an event to a project. It fails fast with
// ErrProjectLocked if another transition for the project is running, with
// an *InvalidTransitionError if the event is not accepted, and with an
// *ActionError if the transition's action failed (the phase is reverted).
func (m *Machine) Transition(ctx context.Context, id string, ev models.ProjectEvent) (*models.ProjectContext, error) {
	pr, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !pr.lock.TryLock() {
		return nil, fmt.Errorf("%s: %w", id, ErrProjectLocked)
	}
	defer pr.lock.Unlock()

	pr.mu.Lock()
	if pr.deleted {
		pr.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrProjectNotFound)
	}
	from := pr.pc.CurrentPhase
	t, err := m.resolveLocked(pr.pc, ev)
	if err != nil {
		pr.mu.Unlock()
		return nil, err
	}

	to := t.To
	if t.ToPrevious {
		to = pr.pc.PreviousPhase
	}

	saved := struct {
		prev    models.Phase
		retries int
		errs    []string
	}{pr.pc.PreviousPhase, pr.pc.Metadata.RetryCount, append([]string(nil), pr.pc.Metadata.Errors...)}

	if t.Failure {
		pr.pc.Metadata.RetryCount++
		pr.pc.Metadata.Errors = append(pr.pc.Metadata.Errors, fmt.Sprintf("%s in %s", ev, from))
		if pr.pc.Metadata.RetryCount >= pr.pc.Config.MaxRetries {
			to = models.PhaseFailed
		}
	}
	pr.pc.PreviousPhase = from
	pr.pc.CurrentPhase = to
	view := pr.pc.Clone()
	pr.mu.Unlock()

	if t.Action != nil {
		if aerr := t.Action(ctx, view); aerr != nil {
			if t.Rollback != nil {
				t.Rollback(ctx, view)
			}
			pr.mu.Lock()
			pr.pc.CurrentPhase = from
			pr.pc.PreviousPhase = saved.prev
			pr.pc.Metadata.RetryCount = saved.retries
			pr.pc.Metadata.Errors = saved.errs
			pr.mu.Unlock()
			log.Printf("[project] %s: action for %s failed, reverted to %s: %v", id, ev, from, aerr)
			return nil, &ActionError{ProjectID: id, Event: ev, From: from, To: to, Err: aerr}
		}
	}

	now := m.now()
	pr.mu.Lock()
	pr.pc.History = append(pr.pc.History, models.TransitionRecord{
		ID:    uuid.New().String(),
		From:  from,
		To:    to,
		Event: ev,
		At:    now,
	})
	pr.pc.Metadata.PhaseStartTime = now
	if t.Failure && to != models.PhaseFailed {
		clearOutcomes(pr.pc, to)
	}
	m.armTimerLocked(pr, to, 0)
	snap, rev := m.touchLocked(pr)
	pr.mu.Unlock()

	m.checkpoint(snap, rev)
	log.Printf("[project] %s: %s -> %s on %s", id, from, to, ev)

	m.events.Publish(events.Event{
		Type:      events.StateChanged,
		ProjectID: id,
		From:      from,
		To:        to,
		Trigger:   string(ev),
		Timestamp: now,
	})
	switch to {
	case models.PhaseCompleted:
		m.events.Publish(events.Event{Type: events.ProjectCompleted, ProjectID: id, Timestamp: now})
	case models.PhaseFailed:
		m.events.Publish(events.Event{
			Type:      events.ProjectFailed,
			ProjectID: id,
			From:      from,
			Trigger:   string(ev),
			Error:     lastError(snap),
			Timestamp: now,
		})
	}

	if !to.IsTerminal() && to != models.PhaseOnHold {
		m.scheduleCheck(id)
	}
	return snap, nil
}

func lastError(pc *models.ProjectContext) string {
	if n := len(pc.Metadata.Errors); n > 0 {
		return pc.Metadata.Errors[n-1]
	}
	return ""
}

// resolveLocked finds the row for ev and checks its guard and approval.
func (m *Machine) resolveLocked(pc *models.ProjectContext, ev models.ProjectEvent) (Transition, error) {
	from := pc.CurrentPhase
	t, ok := m.table.lookup(from, ev)
	if !ok {
		return Transition{}, &InvalidTransitionError{ProjectID: pc.ProjectID, Current: from, Event: ev, Reason: "no such transition"}
	}
	if t.ToPrevious && pc.PreviousPhase == "" {
		return Transition{}, &InvalidTransitionError{ProjectID: pc.ProjectID, Current: from, Event: ev, Reason: "no previous phase"}
	}
	if t.Guard != nil && !t.Guard(pc) {
		return Transition{}, &InvalidTransitionError{ProjectID: pc.ProjectID, Current: from, Event: ev, Reason: "guard failed: " + t.GuardDesc}
	}
	if completionEvents[from] == ev && pc.Config.RequiresApproval(from) && !pc.Metadata.Approvals[from] {
		return Transition{}, &InvalidTransitionError{ProjectID: pc.ProjectID, Current: from, Event: ev, Reason: "awaiting approval", Err: ErrApprovalRequired}
	}
	return t, nil
}

// AvailableEvents lists the events the project would accept right now.
func (m *Machine) AvailableEvents(id string) ([]models.ProjectEvent, error) {
	pr, err := m.get(id)
	if err != nil {
		return nil, err
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()

	var out []models.ProjectEvent
	for ev := range m.table[pr.pc.CurrentPhase] {
		if _, err := m.resolveLocked(pr.pc, ev); err == nil {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// History returns the project's transition records, oldest first.
func (m *Machine) History(id string) ([]models.TransitionRecord, error) {
	pr, err := m.get(id)
	if err != nil {
		return nil, err
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return append([]models.TransitionRecord(nil), pr.pc.History...), nil
}

// UpdateProgress applies fn to the project's task counters atomically and
// schedules an auto-advance check.
func (m *Machine) UpdateProgress(id string, fn func(c *models.TaskCounters)) error {
	return m.mutate(id, func(pc *models.ProjectContext) { fn(&pc.TaskCounters) })
}

// UpdateMetadata applies fn to the project's metadata atomically and
// schedules an auto-advance check.
func (m *Machine) UpdateMetadata(id string, fn func(md *models.ProjectMetadata)) error {
	return m.mutate(id, func(pc *models.ProjectContext) { fn(&pc.Metadata) })
}

// Approve records approval to leave phase.
func (m *Machine) Approve(id string, phase models.Phase) error {
	return m.UpdateMetadata(id, func(md *models.ProjectMetadata) {
		if md.Approvals == nil {
			md.Approvals = make(map[models.Phase]bool)
		}
		md.Approvals[phase] = true
	})
}

func (m *Machine) mutate(id string, fn func(pc *models.ProjectContext)) error {
	pr, err := m.get(id)
	if err != nil {
		return err
	}
	pr.mu.Lock()
	if pr.deleted {
		pr.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrProjectNotFound)
	}
	fn(pr.pc)
	snap, rev := m.touchLocked(pr)
	pr.mu.Unlock()

	m.checkpoint(snap, rev)
	m.scheduleCheck(id)
	return nil
}

// HandleTaskEvent updates the owning project's counters from pool task
// events. Events for tasks without a project, or for unknown projects, are
// ignored.
func (m *Machine) HandleTaskEvent(ev events.Event) {
	if ev.ProjectID == "" {
		return
	}
	var fn func(c *models.TaskCounters)
	switch ev.Type {
	case events.TaskCompleted:
		fn = func(c *models.TaskCounters) {
			c.Completed++
			if c.Pending > 0 {
				c.Pending--
			}
		}
	case events.TaskFailed, events.TaskCancelled:
		fn = func(c *models.TaskCounters) {
			c.Failed++
			if c.Pending > 0 {
				c.Pending--
			}
		}
	default:
		return
	}
	if err := m.UpdateProgress(ev.ProjectID, fn); err != nil && !errors.Is(err, ErrProjectNotFound) {
		log.Printf("[project] task event %s for %s: %v", ev.Type, ev.ProjectID, err)
	}
}

// Delete tears a project down and removes its checkpoint.
func (m *Machine) Delete(id string) error {
	m.mu.Lock()
	pr, ok := m.projects[id]
	if ok {
		delete(m.projects, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrProjectNotFound)
	}

	pr.mu.Lock()
	pr.deleted = true
	m.stopTimersLocked(pr)
	pr.mu.Unlock()

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.DeleteProject(ctx, id); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", id, err)
		}
	}
	return nil
}

// Restore loads checkpointed projects that are not already in memory and
// re-arms their phase timers with whatever time the phase had left. It
// returns the number restored.
func (m *Machine) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	cps, err := m.store.LoadProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("load projects: %w", err)
	}

	n := 0
	for _, cp := range cps {
		pc := cp.Context
		m.mu.Lock()
		if _, ok := m.projects[pc.ProjectID]; ok || m.closed {
			m.mu.Unlock()
			continue
		}
		pr := &project{pc: pc.Clone(), rev: cp.Rev}
		m.projects[pc.ProjectID] = pr
		m.mu.Unlock()

		pr.mu.Lock()
		if !pc.CurrentPhase.IsTerminal() && pc.CurrentPhase != models.PhaseOnHold {
			var elapsed time.Duration
			if start := pc.Metadata.PhaseStartTime; !start.IsZero() {
				elapsed = m.now().Sub(start)
			}
			m.armTimerLocked(pr, pc.CurrentPhase, elapsed)
		}
		pr.mu.Unlock()
		n++
	}
	if n > 0 {
		log.Printf("[project] restored %d projects", n)
	}
	return n, nil
}

// Close stops every timer. The machine rejects new projects afterwards.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	prs := make([]*project, 0, len(m.projects))
	for _, pr := range m.projects {
		prs = append(prs, pr)
	}
	m.mu.Unlock()

	for _, pr := range prs {
		pr.mu.Lock()
		pr.deleted = true
		m.stopTimersLocked(pr)
		pr.mu.Unlock()
	}
}
