package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/crew/internal/events"
	"github.com/ShayCichocki/crew/pkg/models"
)

// defaultEstimate is used for workers with no response-time history.
const defaultEstimate = 30 * time.Second

// liveAssignment is the pool's handle on one execution. released flips
// exactly once, under the pool lock, by whichever of completion,
// cancellation, or migration gets there first.
type liveAssignment struct {
	a        *models.TaskAssignment
	task     *models.Task
	worker   *workerEntry
	cancel   context.CancelFunc
	released bool
}

type taskRecord struct {
	task   *models.Task
	result *models.TaskResult
	done   chan struct{}
	closed bool
}

// WorkerPool schedules tasks onto registered workers.
type WorkerPool struct {
	cfg       PoolConfig
	factory   RunnerFactory
	events    events.Publisher
	persister Persister
	persist   *persistQueue
	logger    *DebugLogger
	now       func() time.Time

	mu        sync.Mutex
	workers   map[string]*workerEntry
	active    map[string]*liveAssignment
	pending   []*models.Task
	retrying  map[string]*time.Timer
	tasks     map[string]*taskRecord
	history   []*models.TaskAssignment
	outbox    []events.Event
	completed int
	failed    int
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loops  sync.WaitGroup
	start  sync.Once
}

// NewWorkerPool creates a pool. Call Start to run the background loops and
// Stop to shut it down.
func NewWorkerPool(cfg PoolConfig, opts ...Option) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		cfg:      cfg.withDefaults(),
		events:   events.Discard,
		logger:   NopLogger(),
		now:      time.Now,
		workers:  make(map[string]*workerEntry),
		active:   make(map[string]*liveAssignment),
		retrying: make(map[string]*time.Timer),
		tasks:    make(map[string]*taskRecord),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.persister != nil {
		p.persist = newPersistQueue(p.persister)
	}
	return p
}

// emitLocked queues an event for publication after the lock is released.
func (p *WorkerPool) emitLocked(ev events.Event) {
	ev.Timestamp = p.now()
	p.outbox = append(p.outbox, ev)
}

// unlockAndFlush releases the lock and publishes queued events.
func (p *WorkerPool) unlockAndFlush() {
	out := p.outbox
	p.outbox = nil
	p.mu.Unlock()
	for _, ev := range out {
		p.events.Publish(ev)
	}
}

func (p *WorkerPool) setStatusLocked(w *workerEntry, s models.WorkerStatus, msg string) {
	if w.status == s {
		return
	}
	prev := w.status
	w.status = s
	p.logger.Log("worker %s: %s -> %s %s", w.cfg.ID, prev, s, msg)
	p.emitLocked(events.Event{
		Type:     events.AgentStatusChanged,
		WorkerID: w.cfg.ID,
		Status:   s,
		Message:  msg,
	})
	p.persistWorker(w.snapshot())
}

// RegisterWorker builds a runner for cfg with the pool's RunnerFactory and
// registers it.
func (p *WorkerPool) RegisterWorker(cfg models.WorkerConfig) (models.Worker, error) {
	if p.factory == nil {
		return models.Worker{}, errors.New("runner factory is required")
	}
	r, err := p.factory(cfg)
	if err != nil {
		return models.Worker{}, fmt.Errorf("build runner for %s: %w", cfg.ID, err)
	}
	return p.RegisterRunner(r)
}

// RegisterRunner adds a worker backed by r. The worker starts available and
// healthy, and immediately picks up queued tasks it can handle.
func (p *WorkerPool) RegisterRunner(r TaskRunner) (models.Worker, error) {
	cfg := r.Worker()
	if cfg.ID == "" {
		return models.Worker{}, errors.New("worker id is required")
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = p.cfg.DefaultMaxConcurrent
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return models.Worker{}, ErrPoolStopped
	}
	if _, ok := p.workers[cfg.ID]; ok {
		p.mu.Unlock()
		return models.Worker{}, fmt.Errorf("%s: %w", cfg.ID, ErrWorkerExists)
	}

	now := p.now()
	w := &workerEntry{
		runner:       r,
		cfg:          cfg,
		status:       models.WorkerStatusAvailable,
		health:       models.Health{IsHealthy: true, LastCheck: now},
		registeredAt: now,
	}
	p.workers[cfg.ID] = w
	snap := w.snapshot()
	p.persistWorker(snap)
	p.emitLocked(events.Event{
		Type:     events.AgentStatusChanged,
		WorkerID: cfg.ID,
		Status:   w.status,
		Message:  "registered",
	})
	log.Printf("[pool] registered worker %s (capacity %d)", cfg.ID, cfg.MaxConcurrentTasks)

	p.drainLocked()
	snap = w.snapshot()
	p.unlockAndFlush()
	return snap, nil
}

// UnregisterWorker removes a worker. Each of its in-flight tasks is moved to
// another suitable worker when one exists and cancelled otherwise.
func (p *WorkerPool) UnregisterWorker(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrWorkerNotFound)
	}
	delete(p.workers, id)

	for _, tid := range append([]string(nil), w.taskIDs...) {
		la := p.active[tid]
		if la == nil || la.released {
			continue
		}
		p.releaseLocked(la, models.AssignmentCancelled)
		if nw, score := p.selectLocked(la.task, nil); nw != nil {
			p.assignLocked(la.task, nw, score, la.a.RetryCount)
			log.Printf("[pool] reassigned task %s from %s to %s", tid, id, nw.cfg.ID)
			continue
		}
		p.cancelTaskLocked(tid, "worker unregistered")
	}

	p.persistWorkerRemoval(id)
	p.emitLocked(events.Event{
		Type:     events.AgentStatusChanged,
		WorkerID: id,
		Status:   models.WorkerStatusOffline,
		Message:  "unregistered",
	})
	log.Printf("[pool] unregistered worker %s", id)
	p.unlockAndFlush()
	return nil
}

// SetMaintenance takes a worker out of rotation or returns it. In-flight
// tasks keep running.
func (p *WorkerPool) SetMaintenance(id string, on bool) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrWorkerNotFound)
	}
	if on {
		p.setStatusLocked(w, models.WorkerStatusMaintenance, "maintenance")
	} else if w.status == models.WorkerStatusMaintenance {
		p.setStatusLocked(w, w.loadStatus(), "back from maintenance")
		p.drainLocked()
	}
	p.unlockAndFlush()
	return nil
}

// GetAvailableWorker returns the best-scoring eligible worker for the task.
// The boolean is false when no worker qualifies.
func (p *WorkerPool) GetAvailableWorker(task *models.Task, prefs *Preferences) (models.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, _ := p.selectLocked(task, prefs)
	if w == nil {
		return models.Worker{}, false
	}
	return w.snapshot(), true
}

// AssignTask binds the task to workerID, or to the best eligible worker when
// workerID is empty, and starts executing it. On error nothing is changed.
func (p *WorkerPool) AssignTask(task *models.Task, workerID string) (models.TaskAssignment, error) {
	if task == nil || task.ID == "" {
		return models.TaskAssignment{}, errors.New("task id is required")
	}

	p.mu.Lock()
	if err := p.admitLocked(task.ID); err != nil {
		p.mu.Unlock()
		return models.TaskAssignment{}, err
	}

	var w *workerEntry
	var score float64
	if workerID != "" {
		w = p.workers[workerID]
		switch {
		case w == nil:
			p.mu.Unlock()
			return models.TaskAssignment{}, fmt.Errorf("%s: %w", workerID, ErrWorkerNotFound)
		case !w.hasSlot():
			p.mu.Unlock()
			return models.TaskAssignment{}, fmt.Errorf("%s: %w", workerID, ErrWorkerAtCapacity)
		case !p.eligible(w, task, nil):
			p.mu.Unlock()
			return models.TaskAssignment{}, fmt.Errorf("%s: %w", workerID, ErrNoSuitableWorker)
		}
		score = p.score(w, task, p.now())
	} else {
		w, score = p.selectLocked(task, nil)
		if w == nil {
			p.mu.Unlock()
			return models.TaskAssignment{}, ErrNoSuitableWorker
		}
	}

	a := p.assignLocked(p.newTaskLocked(task), w, score, task.RetryCount)
	p.unlockAndFlush()
	return a, nil
}

// Submit assigns the task to the best eligible worker, or queues it until
// one frees up. A nil assignment with a nil error means the task was queued.
func (p *WorkerPool) Submit(task *models.Task) (*models.TaskAssignment, error) {
	if task == nil || task.ID == "" {
		return nil, errors.New("task id is required")
	}

	p.mu.Lock()
	if err := p.admitLocked(task.ID); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if w, score := p.selectLocked(task, nil); w != nil {
		a := p.assignLocked(p.newTaskLocked(task), w, score, task.RetryCount)
		p.unlockAndFlush()
		return &a, nil
	}

	if len(p.pending) >= p.cfg.MaxQueue {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	t := p.newTaskLocked(task)
	t.Status = models.TaskStatusPending
	p.pending = append(p.pending, t)
	p.persistTask(t)
	p.logger.Log("queued task %s (depth %d)", t.ID, len(p.pending))
	p.unlockAndFlush()
	return nil, nil
}

// admitLocked rejects tasks the pool is already tracking.
func (p *WorkerPool) admitLocked(taskID string) error {
	if p.stopped {
		return ErrPoolStopped
	}
	if _, ok := p.active[taskID]; ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskActive)
	}
	if _, ok := p.retrying[taskID]; ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskActive)
	}
	for _, t := range p.pending {
		if t.ID == taskID {
			return fmt.Errorf("%s: %w", taskID, ErrTaskActive)
		}
	}
	return nil
}

// newTaskLocked copies the caller's task and opens a fresh record for it.
func (p *WorkerPool) newTaskLocked(task *models.Task) *models.Task {
	t := task.Clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = p.now()
	}
	t.CompletedAt = nil
	t.Error = ""
	p.tasks[t.ID] = &taskRecord{task: t, done: make(chan struct{})}
	return t
}

// assignLocked binds task to w and starts the execution goroutine.
func (p *WorkerPool) assignLocked(task *models.Task, w *workerEntry, score float64, retryCount int) models.TaskAssignment {
	est := defaultEstimate
	if ms := w.runner.Performance().AvgResponseTimeMs; ms > 0 {
		est = time.Duration(ms * float64(time.Millisecond))
	}

	a := &models.TaskAssignment{
		ID:                uuid.New().String(),
		TaskID:            task.ID,
		WorkerID:          w.cfg.ID,
		AssignedAt:        p.now(),
		PriorityScore:     score,
		EstimatedDuration: est,
		Status:            models.AssignmentAssigned,
		RetryCount:        retryCount,
	}

	w.addTask(task.ID)
	if !w.hasSlot() {
		p.setStatusLocked(w, models.WorkerStatusBusy, "at capacity")
	}

	ctx, cancel := context.WithCancel(p.ctx)
	la := &liveAssignment{a: a, task: task, worker: w, cancel: cancel}
	p.active[task.ID] = la

	task.Status = models.TaskStatusProcessing
	task.RetryCount = retryCount
	p.appendHistoryLocked(a)
	p.persistTask(task)
	p.persistAssignment(*a)
	p.emitLocked(events.Event{
		Type:      events.TaskAssigned,
		TaskID:    task.ID,
		WorkerID:  w.cfg.ID,
		ProjectID: task.ProjectID,
	})
	p.logger.Log("assigned task %s to %s (score %.1f, retry %d, load %d/%d)",
		task.ID, w.cfg.ID, score, retryCount, w.workload(), w.capacity())

	p.wg.Add(1)
	go p.execute(ctx, la)
	return *a
}

func (p *WorkerPool) appendHistoryLocked(a *models.TaskAssignment) {
	p.history = append(p.history, a)
	if over := len(p.history) - p.cfg.HistoryLimit; over > 0 {
		p.history = append(p.history[:0:0], p.history[over:]...)
	}
}

func (p *WorkerPool) execute(ctx context.Context, la *liveAssignment) {
	defer p.wg.Done()

	p.mu.Lock()
	if la.released {
		p.mu.Unlock()
		return
	}
	la.a.Status = models.AssignmentInProgress
	p.persistAssignment(*la.a)
	task := la.task.Clone()
	p.mu.Unlock()

	result := la.worker.runner.Execute(ctx, task)
	if result == nil {
		result = &models.TaskResult{TaskID: task.ID, WorkerID: la.a.WorkerID, Outcome: models.OutcomeError, Error: "no result"}
	}
	p.finish(la, result)
}

// releaseLocked frees the worker slot held by la. Subsequent calls are no-ops.
func (p *WorkerPool) releaseLocked(la *liveAssignment, status models.AssignmentStatus) bool {
	if la.released {
		return false
	}
	la.released = true
	la.cancel()

	w := la.worker
	w.removeTask(la.task.ID)
	if w.inRotation() {
		p.setStatusLocked(w, w.loadStatus(), "capacity released")
	}
	if p.active[la.task.ID] == la {
		delete(p.active, la.task.ID)
	}

	now := p.now()
	la.a.Status = status
	la.a.FinishedAt = &now
	p.persistAssignment(*la.a)
	return true
}

// finish settles an execution. Results for assignments that were already
// cancelled or migrated are discarded.
func (p *WorkerPool) finish(la *liveAssignment, result *models.TaskResult) {
	p.mu.Lock()
	if la.released {
		p.logger.Log("dropping result for task %s from %s: assignment already released", la.task.ID, la.a.WorkerID)
		p.mu.Unlock()
		return
	}

	task := la.task
	w := la.worker
	now := p.now()

	if result.Succeeded() {
		p.releaseLocked(la, models.AssignmentCompleted)
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &now
		p.completed++
		p.settleLocked(task, result)
		p.emitLocked(events.Event{
			Type:      events.TaskCompleted,
			TaskID:    task.ID,
			WorkerID:  w.cfg.ID,
			ProjectID: task.ProjectID,
			Result:    result,
		})
		log.Printf("[pool] task %s completed on %s (%s)", task.ID, w.cfg.ID, result.Outcome)
		p.drainLocked()
		p.unlockAndFlush()
		return
	}

	if p.stopped {
		p.releaseLocked(la, models.AssignmentCancelled)
		p.cancelTaskLocked(task.ID, "pool stopped")
		p.unlockAndFlush()
		return
	}

	p.releaseLocked(la, models.AssignmentFailed)
	w.health.ErrorCount++
	w.runner.AdjustReliability(-0.1)
	task.Error = result.Error

	retry := la.a.RetryCount + 1
	if retry < p.cfg.MaxRetries {
		task.Status = models.TaskStatusPending
		task.RetryCount = retry
		p.persistTask(task)
		delay := p.cfg.RetryDelay * time.Duration(retry)
		id := task.ID
		p.retrying[id] = time.AfterFunc(delay, func() { p.retry(id) })
		p.emitLocked(events.Event{
			Type:      events.TaskRetrying,
			TaskID:    id,
			WorkerID:  w.cfg.ID,
			ProjectID: task.ProjectID,
			Error:     result.Error,
			Message:   fmt.Sprintf("retry %d/%d in %s", retry, p.cfg.MaxRetries, delay),
		})
		log.Printf("[pool] task %s failed on %s, retry %d in %s: %s", id, w.cfg.ID, retry, delay, result.Error)
	} else {
		task.Status = models.TaskStatusFailed
		task.RetryCount = retry
		task.CompletedAt = &now
		p.failed++
		p.settleLocked(task, result)
		p.emitLocked(events.Event{
			Type:      events.TaskFailed,
			TaskID:    task.ID,
			WorkerID:  w.cfg.ID,
			ProjectID: task.ProjectID,
			Result:    result,
			Error:     result.Error,
		})
		log.Printf("[pool] task %s failed permanently after %d retries: %s", task.ID, retry, result.Error)
	}

	p.drainLocked()
	p.unlockAndFlush()
}

// settleLocked records the final result and wakes waiters.
func (p *WorkerPool) settleLocked(task *models.Task, result *models.TaskResult) {
	p.persistTask(task)
	rec := p.tasks[task.ID]
	if rec == nil || rec.closed {
		return
	}
	rec.result = result
	rec.closed = true
	close(rec.done)
}

// cancelTaskLocked marks a task cancelled and wakes waiters.
func (p *WorkerPool) cancelTaskLocked(taskID, reason string) {
	rec := p.tasks[taskID]
	if rec == nil {
		return
	}
	now := p.now()
	rec.task.Status = models.TaskStatusCancelled
	rec.task.CompletedAt = &now
	p.settleLocked(rec.task, &models.TaskResult{
		TaskID:     taskID,
		Outcome:    models.OutcomeError,
		Error:      "cancelled: " + reason,
		RetryCount: rec.task.RetryCount,
	})
	p.emitLocked(events.Event{
		Type:      events.TaskCancelled,
		TaskID:    taskID,
		ProjectID: rec.task.ProjectID,
		Message:   reason,
	})
}

func (p *WorkerPool) retry(taskID string) {
	p.mu.Lock()
	if _, ok := p.retrying[taskID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.retrying, taskID)
	rec := p.tasks[taskID]
	if rec == nil || p.stopped {
		p.mu.Unlock()
		return
	}

	if w, score := p.selectLocked(rec.task, nil); w != nil {
		p.assignLocked(rec.task, w, score, rec.task.RetryCount)
	} else {
		p.pending = append(p.pending, rec.task)
		p.logger.Log("no worker for retry of %s, queued", taskID)
	}
	p.unlockAndFlush()
}

// drainLocked assigns queued tasks in FIFO order to workers that can take them.
func (p *WorkerPool) drainLocked() {
	if len(p.pending) == 0 || p.stopped {
		return
	}
	kept := p.pending[:0]
	for _, t := range p.pending {
		w, score := p.selectLocked(t, nil)
		if w == nil {
			kept = append(kept, t)
			continue
		}
		p.assignLocked(t, w, score, t.RetryCount)
	}
	for i := len(kept); i < len(p.pending); i++ {
		p.pending[i] = nil
	}
	p.pending = kept
}

// CancelAssignment cancels the task's live assignment, pending retry, or
// queue entry. It returns false when there was nothing to cancel, including
// when the task has already finished. Repeated calls are no-ops.
func (p *WorkerPool) CancelAssignment(taskID string) bool {
	p.mu.Lock()

	if la := p.active[taskID]; la != nil && !la.released {
		p.releaseLocked(la, models.AssignmentCancelled)
		p.cancelTaskLocked(taskID, "cancelled by caller")
		p.drainLocked()
		p.unlockAndFlush()
		return true
	}

	if timer, ok := p.retrying[taskID]; ok {
		timer.Stop()
		delete(p.retrying, taskID)
		p.cancelTaskLocked(taskID, "cancelled by caller")
		p.unlockAndFlush()
		return true
	}

	for i, t := range p.pending {
		if t.ID == taskID {
			p.pending = append(p.pending[:i:i], p.pending[i+1:]...)
			p.cancelTaskLocked(taskID, "cancelled by caller")
			p.unlockAndFlush()
			return true
		}
	}

	p.mu.Unlock()
	return false
}

// Await blocks until the task reaches a terminal state and returns its
// result. Cancelled tasks yield an error-outcome result.
func (p *WorkerPool) Await(ctx context.Context, taskID string) (*models.TaskResult, error) {
	p.mu.Lock()
	rec := p.tasks[taskID]
	if rec == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", taskID, ErrTaskUnknown)
	}
	done := rec.done
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return rec.result, nil
}

// Task returns a copy of the pool's view of a task.
func (p *WorkerPool) Task(taskID string) (*models.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.tasks[taskID]
	if rec == nil {
		return nil, false
	}
	return rec.task.Clone(), true
}

// Worker returns a snapshot of one worker.
func (p *WorkerPool) Worker(id string) (models.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return w.snapshot(), true
}

// Workers returns snapshots of all workers ordered by ID.
func (p *WorkerPool) Workers() []models.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.sortedWorkers()
	out := make([]models.Worker, len(ws))
	for i, w := range ws {
		out[i] = w.snapshot()
	}
	return out
}

// Assignment returns the live assignment for a task.
func (p *WorkerPool) Assignment(taskID string) (models.TaskAssignment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	la := p.active[taskID]
	if la == nil {
		return models.TaskAssignment{}, false
	}
	return *la.a, true
}

// History returns retained assignments, oldest first.
func (p *WorkerPool) History() []models.TaskAssignment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.TaskAssignment, len(p.history))
	for i, a := range p.history {
		out[i] = *a
	}
	return out
}

// Start launches the health, rebalance, and metrics loops. It is a no-op
// after the first call.
func (p *WorkerPool) Start(ctx context.Context) {
	p.start.Do(func() {
		p.spawn(ctx, p.cfg.HealthCheckInterval, func(c context.Context) { p.CheckHealth(c) })
		p.spawn(ctx, p.cfg.RebalanceInterval, func(context.Context) { p.Rebalance() })
		p.spawn(ctx, p.cfg.MetricsInterval, func(context.Context) {
			m := p.GetPoolMetrics()
			p.events.Publish(events.Event{Type: events.PoolMetrics, Metrics: &m, Timestamp: m.Timestamp})
		})
	})
}

func (p *WorkerPool) spawn(ctx context.Context, every time.Duration, fn func(context.Context)) {
	if every <= 0 {
		return
	}
	p.loops.Add(1)
	go func() {
		defer p.loops.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				fn(p.ctx)
			}
		}
	}()
}

// Stop cancels in-flight executions, waits for them, and flushes pending
// persistence writes. Queued tasks are cancelled.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for id, timer := range p.retrying {
		timer.Stop()
		delete(p.retrying, id)
		p.cancelTaskLocked(id, "pool stopped")
	}
	for _, t := range p.pending {
		p.cancelTaskLocked(t.ID, "pool stopped")
	}
	p.pending = nil
	p.unlockAndFlush()

	p.cancel()
	p.loops.Wait()
	p.wg.Wait()
	p.persist.close()

	p.mu.Lock()
	completed, failed := p.completed, p.failed
	p.mu.Unlock()
	log.Printf("[pool] stopped (%d completed, %d failed)", completed, failed)
}
