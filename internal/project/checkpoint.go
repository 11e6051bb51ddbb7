package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ShayCichocki/crew/pkg/models"
)

// CheckpointStore keeps the latest context of every project in SQLite so a
// restarted process can resume where it left off.
type CheckpointStore struct {
	db *sql.DB
}

// OpenCheckpointStore opens or creates the store at path.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS project_checkpoints (
			project_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			rev INTEGER NOT NULL,
			context TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &CheckpointStore{db: db}, nil
}

// SaveProject upserts the context unless a newer revision is already stored.
func (s *CheckpointStore) SaveProject(ctx context.Context, pc *models.ProjectContext, rev uint64) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("encode project %s: %w", pc.ProjectID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_checkpoints (project_id, phase, rev, context, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			phase = excluded.phase,
			rev = excluded.rev,
			context = excluded.context,
			updated_at = excluded.updated_at
		WHERE excluded.rev > project_checkpoints.rev
	`, pc.ProjectID, string(pc.CurrentPhase), int64(rev), string(data), pc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save project %s: %w", pc.ProjectID, err)
	}
	return nil
}

// DeleteProject removes a project's checkpoint. Missing rows are not an error.
func (s *CheckpointStore) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM project_checkpoints WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	return nil
}

// LoadProjects returns every checkpointed project ordered by ID.
func (s *CheckpointStore) LoadProjects(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id, rev, context FROM project_checkpoints ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var id, data string
		var rev int64
		if err := rows.Scan(&id, &rev, &data); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		var pc models.ProjectContext
		if err := json.Unmarshal([]byte(data), &pc); err != nil {
			return nil, fmt.Errorf("decode project %s: %w", id, err)
		}
		out = append(out, Checkpoint{Context: &pc, Rev: uint64(rev)})
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
