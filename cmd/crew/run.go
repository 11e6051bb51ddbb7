package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/plan"
	"github.com/ShayCichocki/crew/pkg/models"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Drive a project plan to completion",
	Long: `Create the plan's project and walk it through analysis, planning,
development, testing, review, and deployment, executing each phase's work
on the worker pool.

Plan file format:

  project: shop
  requirements:
    - Customers can check out
  tasks:
    - title: Build the cart service
      kind: code
      priority: high
      requirements: [Go]
    - title: Cart tests
      kind: test
  deploy: true
  auto_approve: true`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 2*time.Hour, "Give up after this long")
}

func runPlan(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	changes, err := a.workers.Sync()
	if err != nil {
		log.Printf("[crew] loading workers: %v", err)
	}
	if len(changes.Added) == 0 {
		return fmt.Errorf("no workers declared in %s", cfg.Workers.Dir)
	}
	a.pool.Start(ctx)

	d := plan.NewDriver(a.pool, a.machine,
		plan.WithSubscriber(a.bus),
		plan.WithProjectConfig(cfg.ProjectSettings().Defaults))
	rep, runErr := d.Run(ctx, p)
	if rep != nil {
		printReport(rep)
	}
	return runErr
}

func printReport(rep *plan.Report) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if pc := rep.Project; pc != nil {
		phase := string(pc.CurrentPhase)
		switch pc.CurrentPhase {
		case models.PhaseCompleted:
			phase = green(phase)
		case models.PhaseFailed, models.PhaseCancelled:
			phase = red(phase)
		default:
			phase = yellow(phase)
		}
		fmt.Printf("\nProject %s: %s\n", pc.ProjectID, phase)
		for _, rec := range pc.History {
			fmt.Printf("  %s  %s -> %s (%s)\n", rec.At.Format("15:04:05"), rec.From, rec.To, rec.Event)
		}
		if n := len(pc.Metadata.Errors); n > 0 {
			fmt.Printf("  retries: %d, last error: %s\n", pc.Metadata.RetryCount, pc.Metadata.Errors[n-1])
		}
	}

	fmt.Printf("\nDevelopment rounds: %d\n", rep.Rounds)
	for _, res := range rep.Results {
		if res == nil {
			continue
		}
		mark := green("✓")
		if !res.Succeeded() {
			mark = red("✗")
		}
		fmt.Printf("  %s %s on %s via %s/%s (%s)\n", mark, res.TaskID, res.WorkerID, res.Provider, res.Model, res.Duration.Round(time.Millisecond))
		if res.Error != "" {
			fmt.Printf("      %s\n", res.Error)
		}
	}
	fmt.Printf("Total cost: %s\n", yellow(fmt.Sprintf("$%.4f", rep.Cost)))
}
