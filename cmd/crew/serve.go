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

	"github.com/ShayCichocki/crew/internal/events"
)

var (
	serveRecover string
	serveNoWatch bool
	serveRetain  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine until interrupted",
	Long: `Start the router, worker pool, and project state machine.

Workers are loaded from the worker directory and kept in sync with it.
Tasks a previous process left unfinished are resubmitted by default.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRecover, "recover", "resume", "Handling of interrupted tasks: resume, clean, or ignore")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Load workers once instead of watching the directory")
	serveCmd.Flags().DurationVar(&serveRetain, "retain", 30*24*time.Hour, "Purge settled tasks older than this (0 keeps everything)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.bus.SubscribeAll(logEvent)

	if err := os.MkdirAll(cfg.Workers.Dir, 0755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	if cfg.Workers.Watch && !serveNoWatch {
		if err := a.workers.Start(ctx); err != nil {
			return err
		}
	} else if _, err := a.workers.Sync(); err != nil {
		log.Printf("[crew] loading workers: %v", err)
	}

	a.pool.Start(ctx)
	if err := a.recover(ctx, serveRecover); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if serveRetain > 0 {
		go purgeLoop(ctx, a, serveRetain)
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s crew serving: %d workers, %d backends, %s strategy\n",
		green("✓"), len(a.pool.Workers()), len(a.router.Snapshot()), cfg.Router.Strategy)
	fmt.Println("Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}

// logEvent writes engine events to the log. Metrics snapshots are skipped.
func logEvent(ev events.Event) {
	switch ev.Type {
	case events.PoolMetrics:
	case events.StateChanged:
		log.Printf("[event] project %s: %s -> %s (%s)", ev.ProjectID, ev.From, ev.To, ev.Trigger)
	case events.ProjectFailed:
		log.Printf("[event] project %s failed: %s", ev.ProjectID, ev.Error)
	case events.AgentStatusChanged:
		log.Printf("[event] worker %s is %s %s", ev.WorkerID, ev.Status, ev.Message)
	default:
		if ev.TaskID != "" {
			log.Printf("[event] %s task %s worker %s %s", ev.Type, ev.TaskID, ev.WorkerID, ev.Error)
		} else {
			log.Printf("[event] %s %s", ev.Type, ev.ProjectID)
		}
	}
}

func purgeLoop(ctx context.Context, a *app, retain time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := a.db.PurgeHistory(ctx, retain)
		if err != nil {
			log.Printf("[crew] purge history: %v", err)
		} else if n > 0 {
			log.Printf("[crew] purged %d settled records", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
