// Package workerdir loads declared worker configurations from a directory
// of YAML files and keeps a pool's registrations in step with it.
package workerdir

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/crew/pkg/models"
)

// file is the on-disk shape. A file holds either a workers list or a single
// worker at the top level.
type file struct {
	Workers []models.WorkerConfig `yaml:"workers"`
}

// IsWorkerFile reports whether path names a YAML file.
func IsWorkerFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(path), ".")
}

// Parse decodes worker declarations from YAML data.
func Parse(data []byte) ([]models.WorkerConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse workers: %w", err)
	}
	var cfgs []models.WorkerConfig
	if _, ok := keys["workers"]; ok {
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse workers: %w", err)
		}
		cfgs = f.Workers
	} else {
		var single models.WorkerConfig
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse worker: %w", err)
		}
		cfgs = []models.WorkerConfig{single}
	}

	for i := range cfgs {
		if err := Validate(&cfgs[i]); err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
	}
	return cfgs, nil
}

// Validate checks a declaration and fills defaults.
func Validate(cfg *models.WorkerConfig) error {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return errors.New("id is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.MaxConcurrentTasks < 0 {
		return fmt.Errorf("%s: max_concurrent_tasks must not be negative", cfg.ID)
	}
	if cfg.CostEfficiency < 0 || cfg.CostEfficiency > 1 {
		return fmt.Errorf("%s: cost_efficiency must be within [0,1]", cfg.ID)
	}
	if h := cfg.WorkingHours; h != nil {
		if h.Start < 0 || h.Start > 23 || h.End < 1 || h.End > 24 || h.Start >= h.End {
			return fmt.Errorf("%s: working_hours %d-%d is not a valid window", cfg.ID, h.Start, h.End)
		}
	}
	return nil
}

// LoadFile reads the declarations in one file.
func LoadFile(path string) ([]models.WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfgs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfgs, nil
}

// LoadDir reads every worker file in dir. Files are read in name order and
// the first declaration of an ID wins; later duplicates are reported in
// the returned problems along with files that failed to parse.
func LoadDir(dir string) ([]models.WorkerConfig, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read worker directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsWorkerFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []models.WorkerConfig
	var problems []error
	seen := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		cfgs, err := LoadFile(path)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		for _, cfg := range cfgs {
			if first, dup := seen[cfg.ID]; dup {
				problems = append(problems, fmt.Errorf("%s: worker %s already declared in %s", path, cfg.ID, first))
				continue
			}
			seen[cfg.ID] = path
			out = append(out, cfg)
		}
	}
	return out, problems, nil
}
