package models

import "time"

// TaskKind is the category of work a task represents.
// The kind selects the prompt template used by the executor.
type TaskKind string

const (
	TaskKindCode          TaskKind = "code"
	TaskKindDesign        TaskKind = "design"
	TaskKindTest          TaskKind = "test"
	TaskKindAnalysis      TaskKind = "analysis"
	TaskKindReview        TaskKind = "review"
	TaskKindDocumentation TaskKind = "documentation"
)

// Valid returns true if the kind is a known value.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindCode, TaskKindDesign, TaskKindTest, TaskKindAnalysis, TaskKindReview, TaskKindDocumentation:
		return true
	default:
		return false
	}
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusProcessing indicates a worker is executing the task.
	TaskStatusProcessing TaskStatus = "processing"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task represents a unit of work submitted to the pool.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Kind selects the prompt template and routing weight.
	Kind TaskKind `json:"kind"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Requirements lists the skills the task needs (e.g. "React", "SQL").
	Requirements []string `json:"requirements,omitempty"`
	// Priority influences routing complexity.
	Priority Priority `json:"priority"`
	// ProjectID is the project this task belongs to, if any.
	ProjectID string `json:"project_id,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// RetryCount is the number of times the pool has rescheduled this task.
	RetryCount int `json:"retry_count,omitempty"`
}

// Clone returns a copy of the task that shares no mutable state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Requirements != nil {
		c.Requirements = append([]string(nil), t.Requirements...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Outcome is the result classification of one task execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomePartial Outcome = "partial"
)

// Artifact is a fenced code block extracted from model output.
type Artifact struct {
	// Language is the info string of the fence, empty when none was given.
	Language string `json:"language,omitempty"`
	// Content is the body of the block.
	Content string `json:"content"`
}

// TaskResult is the immutable outcome of executing a task on a worker.
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	WorkerID    string        `json:"worker_id"`
	Outcome     Outcome       `json:"outcome"`
	Content     string        `json:"content,omitempty"`
	Artifacts   []Artifact    `json:"artifacts,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
	NextSteps   []string      `json:"next_steps,omitempty"`
	Cost        float64       `json:"cost"`
	TokensUsed  int64         `json:"tokens_used"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
	// Provider and Model identify the backend that produced the content.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// Error is the last error message when Outcome is error.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the result counts as a completed task.
func (r *TaskResult) Succeeded() bool {
	return r != nil && (r.Outcome == OutcomeSuccess || r.Outcome == OutcomePartial)
}
