package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/project"
	"github.com/ShayCichocki/crew/internal/state"
	"github.com/ShayCichocki/crew/pkg/models"
)

var statusRecent int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workers, tasks, spend, and projects",
	Long: `Display what the engine has recorded.

Shows:
  - Registered workers and their track record
  - Task counts by status
  - Today's spend per backend
  - Recent assignments
  - Checkpointed projects and their phase`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusRecent, "recent", 10, "Number of recent assignments to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.State.Database); os.IsNotExist(err) {
		fmt.Println("No state recorded yet. Run 'crew serve' or 'crew run <plan>' to start.")
		return nil
	}

	db, err := state.OpenMigrated(cfg.State.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := displayWorkers(ctx, db); err != nil {
		return err
	}
	if err := displayTasks(ctx, db); err != nil {
		return err
	}
	if err := displaySpend(ctx, db, cfg.Router.DailyLimit); err != nil {
		return err
	}
	if err := displayAssignments(ctx, db, statusRecent); err != nil {
		return err
	}
	return displayProjects(ctx, cfg.State.Checkpoints)
}

func header(title string) {
	color.New(color.Bold, color.FgCyan).Printf("\n%s\n", title)
}

func displayWorkers(ctx context.Context, db *state.DB) error {
	workers, err := db.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	header(fmt.Sprintf("Workers (%d)", len(workers)))
	if len(workers) == 0 {
		fmt.Println("  none registered")
		return nil
	}
	for _, w := range workers {
		fmt.Printf("  %-16s %-12s done %-4d failed %-4d reliability %.2f avg %s\n",
			w.Config.ID, workerStatus(w.Status), w.Performance.TasksCompleted, w.Performance.TasksFailed,
			w.Performance.Reliability, (time.Duration(w.Performance.AvgResponseTimeMs) * time.Millisecond).Round(time.Millisecond))
	}
	return nil
}

func workerStatus(s models.WorkerStatus) string {
	switch s {
	case models.WorkerStatusAvailable:
		return color.GreenString(string(s))
	case models.WorkerStatusBusy:
		return color.YellowString(string(s))
	case models.WorkerStatusOffline, models.WorkerStatusError:
		return color.RedString(string(s))
	}
	return string(s)
}

func displayTasks(ctx context.Context, db *state.DB) error {
	counts, err := db.TaskCounts(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	header("Tasks")
	for _, s := range []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusProcessing, models.TaskStatusCompleted,
		models.TaskStatusFailed, models.TaskStatusCancelled,
	} {
		fmt.Printf("  %-11s %d\n", s, counts[s])
	}
	return nil
}

func displaySpend(ctx context.Context, db *state.DB, limit float64) error {
	spend, err := db.DailySpend(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("daily spend: %w", err)
	}
	total := 0.0
	keys := make([]string, 0, len(spend))
	for k, v := range spend {
		keys = append(keys, k)
		total += v
	}
	sort.Strings(keys)

	header("Spend today")
	for _, k := range keys {
		fmt.Printf("  %-32s $%.4f\n", k, spend[k])
	}
	line := fmt.Sprintf("  total $%.2f of $%.2f", total, limit)
	switch {
	case limit > 0 && total >= limit:
		color.Red("%s", line)
	case limit > 0 && total >= 0.8*limit:
		color.Yellow("%s", line)
	default:
		fmt.Println(line)
	}
	return nil
}

func displayAssignments(ctx context.Context, db *state.DB, n int) error {
	if n <= 0 {
		return nil
	}
	all, err := db.ListAssignments(ctx, "")
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	header("Recent assignments")
	if len(all) == 0 {
		fmt.Println("  none")
		return nil
	}
	for _, a := range all {
		fmt.Printf("  %s  %-24s -> %-16s %s\n", a.AssignedAt.Local().Format("01-02 15:04:05"), a.TaskID, a.WorkerID, a.Status)
	}
	return nil
}

func displayProjects(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	store, err := project.OpenCheckpointStore(path)
	if err != nil {
		return fmt.Errorf("open checkpoints: %w", err)
	}
	defer store.Close()

	cps, err := store.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	header(fmt.Sprintf("Projects (%d)", len(cps)))
	for _, cp := range cps {
		pc := cp.Context
		fmt.Printf("  %-20s %-12s tasks %d/%d retries %d\n",
			pc.ProjectID, pc.CurrentPhase, pc.TaskCounters.Completed, pc.TaskCounters.Total, pc.Metadata.RetryCount)
	}
	return nil
}
