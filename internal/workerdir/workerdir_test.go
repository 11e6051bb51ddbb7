package workerdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/crew/internal/orchestrator"
	"github.com/ShayCichocki/crew/pkg/models"
)

type fakeRegistrar struct {
	mu      sync.Mutex
	workers map[string]models.WorkerConfig
	log     []string
	failIDs map[string]bool
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{workers: make(map[string]models.WorkerConfig), failIDs: make(map[string]bool)}
}

func (f *fakeRegistrar) RegisterWorker(cfg models.WorkerConfig) (models.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[cfg.ID] {
		return models.Worker{}, errors.New("rejected")
	}
	if _, ok := f.workers[cfg.ID]; ok {
		return models.Worker{}, orchestrator.ErrWorkerExists
	}
	f.workers[cfg.ID] = cfg
	f.log = append(f.log, "+"+cfg.ID)
	return models.Worker{Config: cfg}, nil
}

func (f *fakeRegistrar) UnregisterWorker(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workers[id]; !ok {
		return orchestrator.ErrWorkerNotFound
	}
	delete(f.workers, id)
	f.log = append(f.log, "-"+id)
	return nil
}

func (f *fakeRegistrar) get(id string) (models.WorkerConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.workers[id]
	return cfg, ok
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const frontendYAML = `
id: fe-1
name: Frontend
type: frontend
languages: [TypeScript, JavaScript]
frameworks: [React]
max_concurrent_tasks: 2
working_hours: {start: 9, end: 17}
cost_efficiency: 0.7
`

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantIDs []string
		wantErr bool
	}{
		{"single", frontendYAML, []string{"fe-1"}, false},
		{"list", "workers:\n  - id: a\n  - id: b\n    type: backend\n", []string{"a", "b"}, false},
		{"empty", "  \n", nil, false},
		{"missing id", "name: nobody\n", nil, true},
		{"bad hours", "id: x\nworking_hours: {start: 18, end: 9}\n", nil, true},
		{"negative capacity", "id: x\nmax_concurrent_tasks: -1\n", nil, true},
		{"bad cost efficiency", "id: x\ncost_efficiency: 2\n", nil, true},
		{"not yaml", "id: [unclosed\n", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgs, err := Parse([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			var ids []string
			for _, c := range cfgs {
				ids = append(ids, c.ID)
			}
			if !reflect.DeepEqual(ids, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestParse_Fields(t *testing.T) {
	cfgs, err := Parse([]byte(frontendYAML))
	if err != nil {
		t.Fatal(err)
	}
	want := models.WorkerConfig{
		ID:                 "fe-1",
		Name:               "Frontend",
		Type:               "frontend",
		Languages:          []string{"TypeScript", "JavaScript"},
		Frameworks:         []string{"React"},
		MaxConcurrentTasks: 2,
		WorkingHours:       &models.WorkingHours{Start: 9, End: 17},
		CostEfficiency:     0.7,
	}
	if !reflect.DeepEqual(cfgs[0], want) {
		t.Errorf("Parse() = %+v, want %+v", cfgs[0], want)
	}

	cfgs, err = Parse([]byte("id: bare\n"))
	if err != nil || cfgs[0].Name != "bare" {
		t.Errorf("name default = %q, %v", cfgs[0].Name, err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", frontendYAML)
	writeFile(t, dir, "b.yml", "workers:\n  - id: be-1\n  - id: fe-1\n")
	writeFile(t, dir, "c.yaml", "id: [broken\n")
	writeFile(t, dir, "notes.txt", "id: ignored\n")
	writeFile(t, dir, ".hidden.yaml", "id: hidden\n")

	cfgs, problems, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range cfgs {
		ids = append(ids, c.ID)
	}
	if !reflect.DeepEqual(ids, []string{"fe-1", "be-1"}) {
		t.Errorf("ids = %v", ids)
	}
	if len(problems) != 2 {
		t.Errorf("problems = %v, want duplicate and parse error", problems)
	}

	if _, _, err := LoadDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("LoadDir(missing) should fail")
	}
}

func TestSync_AddUpdateRemove(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar()
	w := NewWatcher(dir, reg, time.Millisecond)

	writeFile(t, dir, "fe.yaml", frontendYAML)
	writeFile(t, dir, "be.yaml", "id: be-1\ntype: backend\n")
	ch, err := w.Sync()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ch.Added, []string{"be-1", "fe-1"}) || len(ch.Updated)+len(ch.Removed) != 0 {
		t.Errorf("first sync = %+v", ch)
	}

	ch, err = w.Sync()
	if err != nil || !ch.Empty() {
		t.Errorf("unchanged sync = %+v, %v", ch, err)
	}

	writeFile(t, dir, "be.yaml", "id: be-1\ntype: backend\nmax_concurrent_tasks: 5\n")
	if err := os.Remove(filepath.Join(dir, "fe.yaml")); err != nil {
		t.Fatal(err)
	}
	ch, err = w.Sync()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ch.Updated, []string{"be-1"}) || !reflect.DeepEqual(ch.Removed, []string{"fe-1"}) {
		t.Errorf("second sync = %+v", ch)
	}
	if cfg, ok := reg.get("be-1"); !ok || cfg.MaxConcurrentTasks != 5 {
		t.Errorf("be-1 = %+v, %v", cfg, ok)
	}
	if _, ok := reg.get("fe-1"); ok {
		t.Error("fe-1 still registered")
	}
	if got := w.Registered(); !reflect.DeepEqual(got, []string{"be-1"}) {
		t.Errorf("Registered() = %v", got)
	}
}

func TestSync_BrokenFileKeepsWorkers(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar()
	w := NewWatcher(dir, reg, time.Millisecond)

	writeFile(t, dir, "fe.yaml", frontendYAML)
	if _, err := w.Sync(); err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "fe.yaml", "id: [half written\n")
	ch, err := w.Sync()
	if err != nil || !ch.Empty() {
		t.Errorf("sync with broken file = %+v, %v", ch, err)
	}
	if _, ok := reg.get("fe-1"); !ok {
		t.Error("fe-1 was unregistered while its file was broken")
	}
}

func TestSync_ReportsRegistrationErrors(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar()
	reg.failIDs["bad"] = true
	w := NewWatcher(dir, reg, time.Millisecond)

	writeFile(t, dir, "w.yaml", "workers:\n  - id: bad\n  - id: good\n")
	ch, err := w.Sync()
	if err == nil {
		t.Error("expected registration error")
	}
	if !reflect.DeepEqual(ch.Added, []string{"good"}) {
		t.Errorf("Added = %v", ch.Added)
	}

	// The failed worker is retried on the next sync.
	reg.mu.Lock()
	reg.failIDs["bad"] = false
	reg.mu.Unlock()
	ch, err = w.Sync()
	if err != nil || !reflect.DeepEqual(ch.Added, []string{"bad"}) {
		t.Errorf("retry sync = %+v, %v", ch, err)
	}
}

func TestWatcher_ReactsToFileChanges(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar()
	w := NewWatcher(dir, reg, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	waitFor := func(desc string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %s", desc)
	}

	writeFile(t, dir, "fe.yaml", frontendYAML)
	waitFor("fe-1 registered", func() bool { _, ok := reg.get("fe-1"); return ok })

	if err := os.Remove(filepath.Join(dir, "fe.yaml")); err != nil {
		t.Fatal(err)
	}
	waitFor("fe-1 unregistered", func() bool { _, ok := reg.get("fe-1"); return !ok })
}
