package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/pkg/models"
)

// TaskRunner executes tasks for one worker. agent.Executor implements it.
type TaskRunner interface {
	Worker() models.WorkerConfig
	Execute(ctx context.Context, task *models.Task) *models.TaskResult
	CanHandle(task *models.Task) bool
	MatchRatio(task *models.Task) float64
	Probe(ctx context.Context) (bool, error)
	Performance() models.Performance
	AdjustReliability(delta float64)
}

// workerEntry is the pool's mutable record of one worker. Guarded by the
// pool lock.
type workerEntry struct {
	runner       TaskRunner
	cfg          models.WorkerConfig
	status       models.WorkerStatus
	taskIDs      []string
	health       models.Health
	registeredAt time.Time
	lastPing     time.Time
}

func (w *workerEntry) capacity() int {
	return w.cfg.MaxConcurrentTasks
}

func (w *workerEntry) workload() int {
	return len(w.taskIDs)
}

func (w *workerEntry) load() float64 {
	if w.capacity() <= 0 {
		return 1.0
	}
	return float64(w.workload()) / float64(w.capacity())
}

func (w *workerEntry) hasSlot() bool {
	return w.workload() < w.capacity()
}

func (w *workerEntry) addTask(id string) {
	w.taskIDs = append(w.taskIDs, id)
}

func (w *workerEntry) removeTask(id string) bool {
	for i, t := range w.taskIDs {
		if t == id {
			w.taskIDs = append(w.taskIDs[:i:i], w.taskIDs[i+1:]...)
			return true
		}
	}
	return false
}

// inRotation reports whether the status follows the workload.
func (w *workerEntry) inRotation() bool {
	return w.status == models.WorkerStatusAvailable || w.status == models.WorkerStatusBusy
}

// loadStatus returns the status implied by the workload for a worker in rotation.
func (w *workerEntry) loadStatus() models.WorkerStatus {
	if w.hasSlot() {
		return models.WorkerStatusAvailable
	}
	return models.WorkerStatusBusy
}

func (w *workerEntry) snapshot() models.Worker {
	return models.Worker{
		Config:         w.cfg,
		Status:         w.status,
		CurrentTaskIDs: append([]string(nil), w.taskIDs...),
		Performance:    w.runner.Performance(),
		Health:         w.health,
		RegisteredAt:   w.registeredAt,
		LastPing:       w.lastPing,
	}
}

// sortedWorkers returns entries ordered by ID. Must be called with lock held.
func (p *WorkerPool) sortedWorkers() []*workerEntry {
	out := make([]*workerEntry, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// agent.Executor is the production runner.
var _ TaskRunner = (*agent.Executor)(nil)
