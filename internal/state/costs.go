package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/crew/internal/cost"
)

// RecordCost appends a ledger entry.
func (db *DB) RecordCost(e cost.Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.Exec(context.Background(), `
		INSERT INTO cost_entries (backend, amount, day, recorded_at) VALUES (?, ?, ?, ?)
	`, e.Backend, e.Amount, at.Format("2006-01-02"), formatTime(at))
	if err != nil {
		return fmt.Errorf("record cost for %s: %w", e.Backend, err)
	}
	return nil
}

// CostEntries returns the entries recorded at or after since, oldest first.
func (db *DB) CostEntries(ctx context.Context, since time.Time) ([]cost.Entry, error) {
	rows, err := db.Query(ctx, `
		SELECT backend, amount, recorded_at FROM cost_entries
		WHERE recorded_at >= ? ORDER BY recorded_at, id
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var out []cost.Entry
	for rows.Next() {
		var e cost.Entry
		var at string
		if err := rows.Scan(&e.Backend, &e.Amount, &at); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		e.At, _ = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DailySpend returns the spend per backend for the calendar day of t in t's
// location.
func (db *DB) DailySpend(ctx context.Context, t time.Time) (map[string]float64, error) {
	rows, err := db.Query(ctx, `
		SELECT backend, SUM(amount) FROM cost_entries WHERE day = ? GROUP BY backend
	`, t.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("daily spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var backend string
		var sum float64
		if err := rows.Scan(&backend, &sum); err != nil {
			return nil, fmt.Errorf("scan daily spend: %w", err)
		}
		out[backend] = sum
	}
	return out, rows.Err()
}
