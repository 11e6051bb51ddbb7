package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

// SaveWorker upserts a worker snapshot.
func (db *DB) SaveWorker(ctx context.Context, w models.Worker) error {
	cfg, err := json.Marshal(w.Config)
	if err != nil {
		return fmt.Errorf("encode worker %s config: %w", w.ID(), err)
	}
	perf, err := json.Marshal(w.Performance)
	if err != nil {
		return fmt.Errorf("encode worker %s performance: %w", w.ID(), err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO workers (id, name, type, status, config, performance, is_healthy, error_count, last_check, registered_at, last_ping, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			config = excluded.config,
			performance = excluded.performance,
			is_healthy = excluded.is_healthy,
			error_count = excluded.error_count,
			last_check = excluded.last_check,
			last_ping = excluded.last_ping,
			updated_at = excluded.updated_at
	`, w.ID(), w.Config.Name, w.Config.Type, string(w.Status), string(cfg), string(perf),
		w.Health.IsHealthy, w.Health.ErrorCount, nullableTime(&w.Health.LastCheck), formatTime(w.RegisteredAt), nullableTime(&w.LastPing), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID(), err)
	}
	return nil
}

// DeleteWorker removes a worker registration. Missing rows are not an error.
func (db *DB) DeleteWorker(ctx context.Context, id string) error {
	if _, err := db.Exec(ctx, "DELETE FROM workers WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

// GetWorker retrieves a worker by ID. It returns nil, nil when absent.
func (db *DB) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	rows, err := db.Query(ctx, workerSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	defer rows.Close()

	ws, err := scanWorkers(rows)
	if err != nil || len(ws) == 0 {
		return nil, err
	}
	return &ws[0], nil
}

// ListWorkers returns every stored worker ordered by ID.
func (db *DB) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := db.Query(ctx, workerSelect+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

const workerSelect = `
	SELECT id, status, config, performance, is_healthy, error_count, last_check, registered_at, last_ping
	FROM workers`

func scanWorkers(rows *sql.Rows) ([]models.Worker, error) {
	var out []models.Worker
	for rows.Next() {
		var w models.Worker
		var id, status, cfg, perf, registeredAt string
		var lastCheck, lastPing sql.NullString
		if err := rows.Scan(&id, &status, &cfg, &perf, &w.Health.IsHealthy, &w.Health.ErrorCount,
			&lastCheck, &registeredAt, &lastPing); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if err := json.Unmarshal([]byte(cfg), &w.Config); err != nil {
			return nil, fmt.Errorf("decode worker %s config: %w", id, err)
		}
		if err := json.Unmarshal([]byte(perf), &w.Performance); err != nil {
			return nil, fmt.Errorf("decode worker %s performance: %w", id, err)
		}
		w.Status = models.WorkerStatus(status)
		w.RegisteredAt, _ = parseTime(registeredAt)
		if t := parseNullableTime(lastCheck); t != nil {
			w.Health.LastCheck = *t
		}
		if t := parseNullableTime(lastPing); t != nil {
			w.LastPing = *t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
