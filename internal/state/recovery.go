package state

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

// InterruptedReason is recorded on tasks a previous process left unsettled.
const InterruptedReason = "interrupted: process exited before the task settled"

// Interrupted describes work a previous process left behind.
type Interrupted struct {
	// Tasks are the tasks stored as pending or processing.
	Tasks []*models.Task
	// OpenAssignments counts assignments without a terminal status.
	OpenAssignments int
	// LastActivity is the newest assignment time among the open assignments.
	LastActivity time.Time
}

// RecoveryManager handles detection and recovery of work interrupted by a crash.
type RecoveryManager struct {
	db *DB
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// CheckForInterrupted returns nil when the store holds no unsettled work.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) (*Interrupted, error) {
	var info Interrupted
	for _, status := range []models.TaskStatus{models.TaskStatusPending, models.TaskStatusProcessing} {
		tasks, err := rm.db.ListTasks(ctx, TaskFilter{Status: status})
		if err != nil {
			return nil, err
		}
		info.Tasks = append(info.Tasks, tasks...)
	}

	assignments, err := rm.db.ListAssignments(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.Status.IsTerminal() {
			continue
		}
		info.OpenAssignments++
		if a.AssignedAt.After(info.LastActivity) {
			info.LastActivity = a.AssignedAt
		}
	}

	if len(info.Tasks) == 0 && info.OpenAssignments == 0 {
		return nil, nil
	}
	return &info, nil
}

// Resume closes the open assignments and resets interrupted tasks to
// pending. It returns the tasks so the caller can resubmit them.
func (rm *RecoveryManager) Resume(ctx context.Context) ([]*models.Task, error) {
	info, err := rm.CheckForInterrupted(ctx)
	if err != nil || info == nil {
		return nil, err
	}
	if err := rm.closeAssignments(ctx); err != nil {
		return nil, err
	}
	for _, t := range info.Tasks {
		t.Status = models.TaskStatusPending
		t.Error = ""
		if err := rm.db.SaveTask(ctx, t); err != nil {
			return nil, fmt.Errorf("reset task %s: %w", t.ID, err)
		}
	}
	log.Printf("[state] resuming %d interrupted tasks", len(info.Tasks))
	return info.Tasks, nil
}

// Clean marks interrupted tasks failed and closes their assignments.
func (rm *RecoveryManager) Clean(ctx context.Context) (int, error) {
	info, err := rm.CheckForInterrupted(ctx)
	if err != nil || info == nil {
		return 0, err
	}
	if err := rm.closeAssignments(ctx); err != nil {
		return 0, err
	}
	now := time.Now()
	for _, t := range info.Tasks {
		t.Status = models.TaskStatusFailed
		t.Error = InterruptedReason
		t.CompletedAt = &now
		if err := rm.db.SaveTask(ctx, t); err != nil {
			return 0, fmt.Errorf("fail task %s: %w", t.ID, err)
		}
	}
	log.Printf("[state] marked %d interrupted tasks failed", len(info.Tasks))
	return len(info.Tasks), nil
}

func (rm *RecoveryManager) closeAssignments(ctx context.Context) error {
	return rm.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE assignments SET status = ?, finished_at = ?
			WHERE status NOT IN (?, ?, ?)
		`, string(models.AssignmentCancelled), formatTime(time.Now()),
			string(models.AssignmentCompleted), string(models.AssignmentFailed), string(models.AssignmentCancelled))
		if err != nil {
			return fmt.Errorf("close open assignments: %w", err)
		}
		return nil
	})
}
