package workerdir

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/crew/internal/orchestrator"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Registrar is the part of the worker pool the watcher drives.
type Registrar interface {
	RegisterWorker(cfg models.WorkerConfig) (models.Worker, error)
	UnregisterWorker(id string) error
}

var _ Registrar = (*orchestrator.WorkerPool)(nil)

// Changes summarizes one reconciliation.
type Changes struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

// Watcher keeps pool registrations matching the worker directory.
type Watcher struct {
	dir      string
	reg      Registrar
	debounce time.Duration

	mu      sync.Mutex
	current map[string]models.WorkerConfig

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	done   chan struct{}
}

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

// NewWatcher creates a watcher for dir. Nothing is registered until Sync or Start.
func NewWatcher(dir string, reg Registrar, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		reg:      reg,
		debounce: debounce,
		current:  make(map[string]models.WorkerConfig),
	}
}

// Sync loads the directory and registers, re-registers, or unregisters
// workers so the pool matches it. Files that fail to parse are logged and
// skipped; their workers stay as they were.
func (w *Watcher) Sync() (Changes, error) {
	cfgs, problems, err := LoadDir(w.dir)
	if err != nil {
		return Changes{}, err
	}
	for _, p := range problems {
		log.Printf("[workerdir] %v", p)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	desired := make(map[string]models.WorkerConfig, len(cfgs))
	for _, cfg := range cfgs {
		desired[cfg.ID] = cfg
	}
	// A broken file may be the one declaring a vanished worker, so nothing
	// is removed while any file fails to load.
	if len(problems) > 0 {
		for id, cfg := range w.current {
			if _, ok := desired[id]; !ok {
				desired[id] = cfg
			}
		}
	}

	var ch Changes
	var errs []error
	for _, id := range sortedIDs(w.current) {
		if _, ok := desired[id]; ok {
			continue
		}
		if err := w.reg.UnregisterWorker(id); err != nil && !errors.Is(err, orchestrator.ErrWorkerNotFound) {
			errs = append(errs, fmt.Errorf("unregister %s: %w", id, err))
			continue
		}
		delete(w.current, id)
		ch.Removed = append(ch.Removed, id)
	}

	for _, id := range sortedIDs(desired) {
		cfg := desired[id]
		old, known := w.current[id]
		if known && reflect.DeepEqual(old, cfg) {
			continue
		}
		if known {
			if err := w.reg.UnregisterWorker(id); err != nil && !errors.Is(err, orchestrator.ErrWorkerNotFound) {
				errs = append(errs, fmt.Errorf("unregister %s: %w", id, err))
				continue
			}
			delete(w.current, id)
		}
		if _, err := w.reg.RegisterWorker(cfg); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", id, err))
			continue
		}
		w.current[id] = cfg
		if known {
			ch.Updated = append(ch.Updated, id)
		} else {
			ch.Added = append(ch.Added, id)
		}
	}

	if !ch.Empty() {
		log.Printf("[workerdir] synced %s: +%v ~%v -%v", w.dir, ch.Added, ch.Updated, ch.Removed)
	}
	return ch, errors.Join(errs...)
}

// Registered returns the IDs the watcher currently has registered.
func (w *Watcher) Registered() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedIDs(w.current)
}

func sortedIDs(m map[string]models.WorkerConfig) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start performs an initial Sync and then re-syncs whenever a worker file
// in the directory changes, until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if _, err := w.Sync(); err != nil {
		log.Printf("[workerdir] initial sync: %v", err)
	}

	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !IsWorkerFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			if _, err := w.Sync(); err != nil {
				log.Printf("[workerdir] sync: %v", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[workerdir] watch error: %v", err)
		}
	}
}

// Close stops watching. Registered workers stay registered.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	close(w.stopCh)
	err := w.fsw.Close()
	<-w.done
	w.fsw = nil
	return err
}
