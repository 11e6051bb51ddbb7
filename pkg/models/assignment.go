package models

import "time"

// AssignmentStatus represents the state of a task-to-worker binding.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentFailed     AssignmentStatus = "failed"
	AssignmentCancelled  AssignmentStatus = "cancelled"
)

// IsTerminal returns true once the assignment has settled.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed || s == AssignmentCancelled
}

// TaskAssignment binds a task to the worker executing it.
// Only the most recent assignment for a task is authoritative.
type TaskAssignment struct {
	ID                string           `json:"id"`
	TaskID            string           `json:"task_id"`
	WorkerID          string           `json:"worker_id"`
	AssignedAt        time.Time        `json:"assigned_at"`
	PriorityScore     float64          `json:"priority_score"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	Status            AssignmentStatus `json:"status"`
	RetryCount        int              `json:"retry_count"`
	FinishedAt        *time.Time       `json:"finished_at,omitempty"`
}
