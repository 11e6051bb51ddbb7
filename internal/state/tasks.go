package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

// SaveTask upserts a task's current status.
func (db *DB) SaveTask(ctx context.Context, t *models.Task) error {
	reqs, err := json.Marshal(t.Requirements)
	if err != nil {
		return fmt.Errorf("encode task %s requirements: %w", t.ID, err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO tasks (id, project_id, kind, title, description, requirements, priority, status, error, retry_count, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			kind = excluded.kind,
			title = excluded.title,
			description = excluded.description,
			requirements = excluded.requirements,
			priority = excluded.priority,
			status = excluded.status,
			error = excluded.error,
			retry_count = excluded.retry_count,
			completed_at = excluded.completed_at
	`, t.ID, t.ProjectID, string(t.Kind), t.Title, t.Description, string(reqs), string(t.Priority),
		string(t.Status), t.Error, t.RetryCount, formatTime(t.CreatedAt), nullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID. It returns nil, nil when absent.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	rows, err := db.Query(ctx, taskSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	ProjectID string
	Status    models.TaskStatus
}

// ListTasks lists tasks ordered by creation time.
func (db *DB) ListTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error) {
	q := taskSelect + " WHERE 1=1"
	var args []any
	if f.ProjectID != "" {
		q += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	q += " ORDER BY created_at, id"

	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskCounts returns the number of tasks per status.
func (db *DB) TaskCounts(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := db.Query(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[models.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, project_id, kind, title, description, requirements, priority, status, error, retry_count, created_at, completed_at
	FROM tasks`

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		var kind, priority, status, createdAt string
		var projectID, description, reqs, errMsg, completedAt sql.NullString
		if err := rows.Scan(&t.ID, &projectID, &kind, &t.Title, &description, &reqs, &priority, &status,
			&errMsg, &t.RetryCount, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.ProjectID = projectID.String
		t.Description = description.String
		t.Error = errMsg.String
		t.Kind = models.TaskKind(kind)
		t.Priority = models.Priority(priority)
		t.Status = models.TaskStatus(status)
		if reqs.Valid && reqs.String != "null" {
			if err := json.Unmarshal([]byte(reqs.String), &t.Requirements); err != nil {
				return nil, fmt.Errorf("decode task %s requirements: %w", t.ID, err)
			}
		}
		t.CreatedAt, _ = parseTime(createdAt)
		t.CompletedAt = parseNullableTime(completedAt)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// SaveAssignment upserts an assignment record.
func (db *DB) SaveAssignment(ctx context.Context, a models.TaskAssignment) error {
	_, err := db.Exec(ctx, `
		INSERT INTO assignments (id, task_id, worker_id, status, priority_score, estimated_ms, retry_count, assigned_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority_score = excluded.priority_score,
			estimated_ms = excluded.estimated_ms,
			retry_count = excluded.retry_count,
			finished_at = excluded.finished_at
	`, a.ID, a.TaskID, a.WorkerID, string(a.Status), a.PriorityScore, a.EstimatedDuration.Milliseconds(),
		a.RetryCount, formatTime(a.AssignedAt), nullableTime(a.FinishedAt))
	if err != nil {
		return fmt.Errorf("save assignment %s: %w", a.ID, err)
	}
	return nil
}

// ListAssignments returns the assignments of one task, or of every task when
// taskID is empty, oldest first.
func (db *DB) ListAssignments(ctx context.Context, taskID string) ([]models.TaskAssignment, error) {
	q := `SELECT id, task_id, worker_id, status, priority_score, estimated_ms, retry_count, assigned_at, finished_at
		FROM assignments`
	var args []any
	if taskID != "" {
		q += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	q += " ORDER BY assigned_at, id"

	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []models.TaskAssignment
	for rows.Next() {
		var a models.TaskAssignment
		var status, assignedAt string
		var estimatedMs int64
		var finishedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.WorkerID, &status, &a.PriorityScore, &estimatedMs,
			&a.RetryCount, &assignedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Status = models.AssignmentStatus(status)
		a.EstimatedDuration = time.Duration(estimatedMs) * time.Millisecond
		a.AssignedAt, _ = parseTime(assignedAt)
		a.FinishedAt = parseNullableTime(finishedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
