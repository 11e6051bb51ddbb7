package orchestrator

import "errors"

var (
	// ErrNoSuitableWorker means no registered worker passed the suitability filter.
	ErrNoSuitableWorker = errors.New("no suitable worker")
	// ErrWorkerAtCapacity means the requested worker is already running its maximum.
	ErrWorkerAtCapacity = errors.New("worker at capacity")
	// ErrWorkerNotFound means the worker ID is not registered.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerExists means a worker with the same ID is already registered.
	ErrWorkerExists = errors.New("worker already registered")
	// ErrTaskActive means the task already has a live or pending assignment.
	ErrTaskActive = errors.New("task already active")
	// ErrQueueFull means the pending queue has reached its bound.
	ErrQueueFull = errors.New("pending queue full")
	// ErrPoolStopped means the pool no longer accepts work.
	ErrPoolStopped = errors.New("pool stopped")
	// ErrTaskUnknown means the pool has no record of the task.
	ErrTaskUnknown = errors.New("unknown task")
)
