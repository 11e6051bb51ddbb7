package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/crew/internal/cost"
	"github.com/ShayCichocki/crew/pkg/models"
)

// WorkerStore handles worker registration persistence.
type WorkerStore interface {
	SaveWorker(ctx context.Context, w models.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]models.Worker, error)
}

// TaskStore handles task and assignment persistence.
type TaskStore interface {
	SaveTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error)
	SaveAssignment(ctx context.Context, a models.TaskAssignment) error
	ListAssignments(ctx context.Context, taskID string) ([]models.TaskAssignment, error)
}

// CostStore handles cost ledger persistence.
type CostStore interface {
	cost.Sink
	CostEntries(ctx context.Context, since time.Time) ([]cost.Entry, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence surface DB implements.
type Store interface {
	io.Closer
	Migrator
	WorkerStore
	TaskStore
	CostStore
}

var (
	_ Store     = (*DB)(nil)
	_ cost.Sink = (*DB)(nil)
)
