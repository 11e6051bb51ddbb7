package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/internal/router"
	"github.com/ShayCichocki/crew/pkg/models"
)

func TestRouteHint(t *testing.T) {
	tests := []struct {
		name                     string
		kind, priority, strategy string
		want                     router.Hint
		wantErr                  bool
	}{
		{name: "empty", want: router.Hint{}},
		{
			name: "all set", kind: "Review", priority: "HIGH", strategy: "cost_optimized",
			want: router.Hint{Kind: models.TaskKind("review"), Priority: models.Priority("high"), Strategy: router.StrategyCostOptimized},
		},
		{name: "unknown kind", kind: "poetry", wantErr: true},
		{name: "unknown priority", priority: "whenever", wantErr: true},
		{name: "unknown strategy", strategy: "fastest", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := routeHint(tt.kind, tt.priority, tt.strategy)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("hint = %+v, want %+v", got, tt.want)
			}
		})
	}
}

const testRegistry = `backends:
  - provider: mock
    model: local
    input_per_1k: 1
    output_per_1k: 2
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.State.Database = filepath.Join(dir, "crew.db")
	cfg.State.Checkpoints = filepath.Join(dir, "projects.db")
	cfg.Backends.File = filepath.Join(dir, "backends.yaml")
	cfg.Workers.Dir = filepath.Join(dir, "workers")
	if err := os.WriteFile(cfg.Backends.File, []byte(testRegistry), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cfg.Workers.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Workers.Dir, "go.yaml"), []byte("id: gopher\ntype: backend\nlanguages: [Go]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if n := len(a.router.Snapshot()); n != 1 {
		t.Fatalf("registered backends = %d, want 1", n)
	}

	changes, err := a.workers.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(changes.Added) != 1 || changes.Added[0] != "gopher" {
		t.Errorf("added = %v", changes.Added)
	}

	resp, d, err := a.router.Route(ctx, []backend.Message{backend.User("hello")}, router.Hint{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "mock response" || d.Key() != "mock/local" {
		t.Errorf("routed to %s: %q", d.Key(), resp.Content)
	}
	spent := a.ledger.SpentToday()
	if spent <= 0 {
		t.Fatalf("spent today = %v", spent)
	}
	a.close()

	// Spend survives a restart.
	b, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.close()
	if got := b.ledger.SpentToday(); got != spent {
		t.Errorf("restored spend = %v, want %v", got, spent)
	}
}

func TestNewApp_MissingRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backends.File = filepath.Join(t.TempDir(), "absent.yaml")

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	if n := len(a.router.Snapshot()); n != 0 {
		t.Errorf("registered backends = %d, want 0", n)
	}
}

func TestRecover_NothingInterrupted(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	// With nothing interrupted every mode is a no-op.
	for _, mode := range []string{"resume", "clean", "ignore", "bogus"} {
		if err := a.recover(context.Background(), mode); err != nil {
			t.Errorf("recover(%s): %v", mode, err)
		}
	}
}
