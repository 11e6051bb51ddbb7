// Package plan loads run plans and drives a project through its lifecycle
// by executing the plan's work on the worker pool.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/crew/pkg/models"
)

// TaskSpec declares one development task.
type TaskSpec struct {
	Title        string   `yaml:"title"`
	Kind         string   `yaml:"kind"`
	Priority     string   `yaml:"priority"`
	Description  string   `yaml:"description"`
	Requirements []string `yaml:"requirements"`
}

// Plan is a project and the development tasks that implement it.
type Plan struct {
	Project      string   `yaml:"project"`
	Requirements []string `yaml:"requirements"`
	// Analysis and Design skip the matching pool task when set.
	Analysis string     `yaml:"analysis"`
	Design   string     `yaml:"design"`
	Tasks    []TaskSpec `yaml:"tasks"`
	// Deploy marks the project deployed once review approves. Without it
	// the run stops in the deployment phase.
	Deploy bool `yaml:"deploy"`
	// AutoApprove grants approval for every approval-required phase.
	AutoApprove bool `yaml:"auto_approve"`
	// MaxRetries overrides the project's retry budget when positive.
	MaxRetries int `yaml:"max_retries"`
}

// Load reads a plan from a YAML file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a plan. Task kinds default to code and
// priorities to medium.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate fills defaults and rejects plans that cannot run.
func (p *Plan) Validate() error {
	var errs []error
	p.Project = strings.TrimSpace(p.Project)
	if p.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if len(p.Requirements) == 0 {
		errs = append(errs, errors.New("at least one requirement is required"))
	}
	if len(p.Tasks) == 0 {
		errs = append(errs, errors.New("at least one task is required"))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	for i := range p.Tasks {
		ts := &p.Tasks[i]
		if strings.TrimSpace(ts.Title) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: title is required", i))
		}
		if ts.Kind == "" {
			ts.Kind = string(models.TaskKindCode)
		}
		if !models.TaskKind(ts.Kind).Valid() {
			errs = append(errs, fmt.Errorf("tasks[%d]: unknown kind %q", i, ts.Kind))
		}
		if ts.Priority == "" {
			ts.Priority = string(models.PriorityMedium)
		}
		if !models.Priority(ts.Priority).Valid() {
			errs = append(errs, fmt.Errorf("tasks[%d]: unknown priority %q", i, ts.Priority))
		}
	}
	return errors.Join(errs...)
}

// Task builds the pool task for spec i.
func (p *Plan) Task(i int, id string) *models.Task {
	ts := p.Tasks[i]
	return &models.Task{
		ID:           id,
		Kind:         models.TaskKind(ts.Kind),
		Title:        ts.Title,
		Description:  ts.Description,
		Requirements: append([]string(nil), ts.Requirements...),
		Priority:     models.Priority(ts.Priority),
		ProjectID:    p.Project,
	}
}

// Brief renders the requirements as a bullet list for phase prompts.
func (p *Plan) Brief() string {
	var b strings.Builder
	for _, r := range p.Requirements {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return b.String()
}
