package models

import "time"

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	// WorkerStatusAvailable indicates the worker can accept tasks.
	WorkerStatusAvailable WorkerStatus = "available"
	// WorkerStatusBusy indicates the worker is at capacity.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusOffline indicates the worker failed its availability probe.
	WorkerStatusOffline WorkerStatus = "offline"
	// WorkerStatusError indicates the availability probe itself failed.
	WorkerStatusError WorkerStatus = "error"
	// WorkerStatusMaintenance indicates an operator took the worker out of rotation.
	WorkerStatusMaintenance WorkerStatus = "maintenance"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusAvailable, WorkerStatusBusy, WorkerStatusOffline,
		WorkerStatusError, WorkerStatusMaintenance:
		return true
	default:
		return false
	}
}

// WorkingHours is a daily hour-of-day window [Start, End).
// The comparison ignores dates and timezones.
type WorkingHours struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// WorkerConfig is the declared configuration of a worker.
type WorkerConfig struct {
	ID                 string        `json:"id" yaml:"id"`
	Name               string        `json:"name,omitempty" yaml:"name"`
	Type               string        `json:"type,omitempty" yaml:"type"`
	Languages          []string      `json:"languages,omitempty" yaml:"languages"`
	Frameworks         []string      `json:"frameworks,omitempty" yaml:"frameworks"`
	Specializations    []string      `json:"specializations,omitempty" yaml:"specializations"`
	Tools              []string      `json:"tools,omitempty" yaml:"tools"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	WorkingHours       *WorkingHours `json:"working_hours,omitempty" yaml:"working_hours"`
	// Strategy optionally overrides the router strategy for this worker's tasks.
	Strategy string `json:"strategy,omitempty" yaml:"strategy"`
	// CostEfficiency is a declared 0-1 rating used in pool scoring.
	CostEfficiency float64 `json:"cost_efficiency,omitempty" yaml:"cost_efficiency"`
}

// Skills returns the union of languages, frameworks, specializations, and tools.
func (c *WorkerConfig) Skills() []string {
	skills := make([]string, 0, len(c.Languages)+len(c.Frameworks)+len(c.Specializations)+len(c.Tools))
	skills = append(skills, c.Languages...)
	skills = append(skills, c.Frameworks...)
	skills = append(skills, c.Specializations...)
	skills = append(skills, c.Tools...)
	return skills
}

// Performance holds rolling execution numbers for a worker.
type Performance struct {
	TasksCompleted    int     `json:"tasks_completed"`
	TasksFailed       int     `json:"tasks_failed"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	SuccessRate       float64 `json:"success_rate"`
	Reliability       float64 `json:"reliability"`
	QualityScore      float64 `json:"quality_score"`
}

// NewPerformance returns the starting numbers for a freshly registered worker.
func NewPerformance() Performance {
	return Performance{
		SuccessRate:  1.0,
		Reliability:  1.0,
		QualityScore: 0.5,
	}
}

// Health tracks the outcome of availability probes.
type Health struct {
	IsHealthy  bool      `json:"is_healthy"`
	LastCheck  time.Time `json:"last_check"`
	ErrorCount int       `json:"error_count"`
}

// Worker is a point-in-time snapshot of a registered worker.
type Worker struct {
	Config         WorkerConfig `json:"config"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskIDs []string     `json:"current_task_ids"`
	Performance    Performance  `json:"performance"`
	Health         Health       `json:"health"`
	RegisteredAt   time.Time    `json:"registered_at"`
	LastPing       time.Time    `json:"last_ping"`
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.Config.ID
}

// Workload returns the number of tasks currently running on the worker.
func (w *Worker) Workload() int {
	return len(w.CurrentTaskIDs)
}

// Load returns workload as a fraction of capacity.
func (w *Worker) Load() float64 {
	if w.Config.MaxConcurrentTasks <= 0 {
		return 1.0
	}
	return float64(len(w.CurrentTaskIDs)) / float64(w.Config.MaxConcurrentTasks)
}

// PoolMetrics is a snapshot of pool-wide counters.
type PoolMetrics struct {
	TotalWorkers      int                  `json:"total_workers"`
	ByStatus          map[WorkerStatus]int `json:"by_status"`
	TotalWorkload     int                  `json:"total_workload"`
	TotalCapacity     int                  `json:"total_capacity"`
	UtilizationPct    float64              `json:"utilization_pct"`
	QueueDepth        int                  `json:"queue_depth"`
	ActiveAssignments int                  `json:"active_assignments"`
	CompletedTasks    int                  `json:"completed_tasks"`
	FailedTasks       int                  `json:"failed_tasks"`
	AvgResponseTimeMs float64              `json:"avg_response_time_ms"`
	PoolHealthPct     float64              `json:"pool_health_pct"`
	Timestamp         time.Time            `json:"timestamp"`
}
