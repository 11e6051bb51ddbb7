package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/internal/cost"
	"github.com/ShayCichocki/crew/internal/events"
	"github.com/ShayCichocki/crew/internal/orchestrator"
	"github.com/ShayCichocki/crew/internal/project"
	"github.com/ShayCichocki/crew/internal/router"
	"github.com/ShayCichocki/crew/internal/state"
	"github.com/ShayCichocki/crew/internal/workerdir"
	"github.com/ShayCichocki/crew/pkg/models"
)

var _ orchestrator.Persister = (*state.DB)(nil)

// app holds the wired components of a running engine.
type app struct {
	cfg         *config.Config
	db          *state.DB
	ledger      *cost.Ledger
	router      *router.Router
	emitter     *events.Emitter
	bus         *events.Bus
	pool        *orchestrator.WorkerPool
	machine     *project.Machine
	checkpoints *project.CheckpointStore
	workers     *workerdir.Watcher
	logger      *orchestrator.DebugLogger

	stopEvents context.CancelFunc
	eventsDone chan struct{}
}

// newApp opens the stores and wires router, pool, and state machine.
// Workers are not loaded; callers sync or watch the worker directory.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg, eventsDone: make(chan struct{})}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.db, err = state.OpenMigrated(cfg.State.Database)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	a.ledger = cost.NewLedger(cfg.Router.DailyLimit,
		cost.WithSink(a.db),
		cost.WithWarningThreshold(cfg.Router.WarningThreshold))
	entries, err := a.db.CostEntries(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("restore spend: %w", err)
	}
	a.ledger.Restore(entries)

	a.router = router.New(cfg.RouterSettings(), router.WithLedger(a.ledger))
	if err := a.registerBackends(ctx); err != nil {
		return nil, err
	}

	a.emitter = events.NewEmitter(1024)
	a.bus = events.NewBus()
	evCtx, cancel := context.WithCancel(context.Background())
	a.stopEvents = cancel
	go func() {
		defer close(a.eventsDone)
		a.emitter.Run(evCtx, a.bus)
	}()

	a.logger = orchestrator.NopLogger()
	if cfg.Log.DebugFile != "" {
		if a.logger, err = orchestrator.NewDebugLogger(cfg.Log.DebugFile); err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
	}

	a.pool = orchestrator.NewWorkerPool(cfg.PoolSettings(),
		orchestrator.WithRunnerFactory(a.newRunner),
		orchestrator.WithEvents(a.emitter),
		orchestrator.WithPersister(a.db),
		orchestrator.WithLogger(a.logger))

	a.checkpoints, err = project.OpenCheckpointStore(cfg.State.Checkpoints)
	if err != nil {
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}
	a.machine = project.NewMachine(cfg.ProjectSettings(),
		project.WithEvents(a.emitter),
		project.WithCheckpointer(a.checkpoints))
	if _, err := a.machine.Restore(ctx); err != nil {
		return nil, err
	}
	for _, t := range []events.Type{events.TaskCompleted, events.TaskFailed, events.TaskCancelled} {
		a.bus.Subscribe(t, a.machine.HandleTaskEvent)
	}

	a.workers = workerdir.NewWatcher(cfg.Workers.Dir, a.pool, workerdir.DefaultDebounce)
	return a, nil
}

// registerBackends builds every backend in the registry file. A missing
// registry leaves the router empty; broken entries are logged and skipped.
func (a *app) registerBackends(ctx context.Context) error {
	specs, err := backend.LoadRegistry(a.cfg.Backends.File)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[crew] no backend registry at %s", a.cfg.Backends.File)
		return nil
	}
	if err != nil {
		return err
	}
	for i := range specs {
		if specs[i].Provider == "openai" && specs[i].BaseURL == "" {
			specs[i].BaseURL = a.cfg.OpenAI.BaseURL
		}
	}

	backends, errs := backend.BuildAll(ctx, specs, a.cfg.Credentials())
	for _, err := range errs {
		log.Printf("[crew] skipping backend: %v", err)
	}
	for _, b := range backends {
		if err := a.router.Register(b); err != nil {
			return fmt.Errorf("register backend: %w", err)
		}
	}
	log.Printf("[crew] %d backends registered", len(backends))
	return nil
}

// newRunner builds an executor for a worker, carrying over its persisted
// track record.
func (a *app) newRunner(wc models.WorkerConfig) (orchestrator.TaskRunner, error) {
	exec := agent.NewExecutor(wc, a.router, a.cfg.ExecutorSettings())
	saved, err := a.db.GetWorker(context.Background(), wc.ID)
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", wc.ID, err)
	}
	if saved != nil {
		exec.RestorePerformance(saved.Performance)
	}
	return exec, nil
}

// recover handles work a previous process left unfinished.
func (a *app) recover(ctx context.Context, mode string) error {
	rm := state.NewRecoveryManager(a.db)
	in, err := rm.CheckForInterrupted(ctx)
	if err != nil || in == nil {
		return err
	}
	log.Printf("[crew] found %d interrupted tasks (last activity %s)", len(in.Tasks), in.LastActivity.Format(time.RFC3339))

	switch mode {
	case "resume":
		tasks, err := rm.Resume(ctx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if _, err := a.pool.Submit(t); err != nil {
				log.Printf("[crew] resubmit %s: %v", t.ID, err)
			}
		}
		log.Printf("[crew] resubmitted %d tasks", len(tasks))
	case "clean":
		n, err := rm.Clean(ctx)
		if err != nil {
			return err
		}
		log.Printf("[crew] marked %d interrupted tasks failed", n)
	case "ignore":
	default:
		return fmt.Errorf("unknown recovery mode %q (want resume, clean, or ignore)", mode)
	}
	return nil
}

// close shuts components down in dependency order. It tolerates a
// partially built app.
func (a *app) close() {
	if a.workers != nil {
		a.workers.Close()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.machine != nil {
		a.machine.Close()
	}
	if a.emitter != nil {
		a.emitter.Close()
		<-a.eventsDone
		a.stopEvents()
	}
	if a.checkpoints != nil {
		a.checkpoints.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
