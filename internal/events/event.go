// Package events carries typed notifications from the pool and the project
// state machine to subscribers.
package events

import (
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

// Type names an event.
type Type string

const (
	StateChanged       Type = "state:changed"
	TaskAssigned       Type = "task:assigned"
	TaskCompleted      Type = "task:completed"
	TaskFailed         Type = "task:failed"
	TaskRetrying       Type = "task:retrying"
	TaskCancelled      Type = "task:cancelled"
	AgentStatusChanged Type = "agent:status_changed"
	PoolMetrics        Type = "pool:metrics"
	ProjectFailed      Type = "project:failed"
	ProjectCompleted   Type = "project:completed"
	ProjectTimeout     Type = "project:timeout"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ProjectID string       `json:"project_id,omitempty"`
	From      models.Phase `json:"from,omitempty"`
	To        models.Phase `json:"to,omitempty"`
	Trigger   string       `json:"trigger,omitempty"`

	TaskID   string              `json:"task_id,omitempty"`
	WorkerID string              `json:"worker_id,omitempty"`
	Status   models.WorkerStatus `json:"status,omitempty"`
	Result   *models.TaskResult  `json:"result,omitempty"`
	Metrics  *models.PoolMetrics `json:"metrics,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Droppable reports whether the event may be discarded under backpressure.
// Only periodic metrics snapshots qualify; a newer one supersedes it.
func (e Event) Droppable() bool {
	return e.Type == PoolMetrics
}

// Publisher accepts events. Emitter and Bus both implement it.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
