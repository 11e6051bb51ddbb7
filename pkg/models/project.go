package models

import "time"

// Phase is a named stage in a project's lifecycle.
type Phase string

const (
	PhaseDraft       Phase = "draft"
	PhaseAnalyzing   Phase = "analyzing"
	PhasePlanning    Phase = "planning"
	PhaseDevelopment Phase = "development"
	PhaseTesting     Phase = "testing"
	PhaseReview      Phase = "review"
	PhaseDeployment  Phase = "deployment"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
	PhaseOnHold      Phase = "on_hold"
)

// AllPhases lists every phase in lifecycle order.
var AllPhases = []Phase{
	PhaseDraft, PhaseAnalyzing, PhasePlanning, PhaseDevelopment, PhaseTesting,
	PhaseReview, PhaseDeployment, PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseOnHold,
}

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed, failed, and cancelled.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ProjectEvent names a trigger in the project transition table.
type ProjectEvent string

const (
	EventStartAnalysis       ProjectEvent = "start_analysis"
	EventAnalysisComplete    ProjectEvent = "analysis_complete"
	EventAnalysisFailed      ProjectEvent = "analysis_failed"
	EventPlanningComplete    ProjectEvent = "planning_complete"
	EventPlanningFailed      ProjectEvent = "planning_failed"
	EventDevelopmentComplete ProjectEvent = "development_complete"
	EventDevelopmentFailed   ProjectEvent = "development_failed"
	EventTestingComplete     ProjectEvent = "testing_complete"
	EventTestingFailed       ProjectEvent = "testing_failed"
	EventReviewApproved      ProjectEvent = "review_approved"
	EventReviewRejected      ProjectEvent = "review_rejected"
	EventReviewFailed        ProjectEvent = "review_failed"
	EventDeploymentComplete  ProjectEvent = "deployment_complete"
	EventDeploymentFailed    ProjectEvent = "deployment_failed"
	EventProjectCancelled    ProjectEvent = "project_cancelled"
	EventProjectPaused       ProjectEvent = "project_paused"
	EventProjectResumed      ProjectEvent = "project_resumed"
	EventProjectFailed       ProjectEvent = "project_failed"
)

// TaskCounters tracks task progress for a project.
type TaskCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// CompletionRatio returns completed/total, or 0 when no tasks exist.
func (c TaskCounters) CompletionRatio() float64 {
	if c.Total <= 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Total)
}

// TestResults summarizes a test run.
type TestResults struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// PassRatio returns passed/total, or 0 when no tests ran.
func (r TestResults) PassRatio() float64 {
	if r.Total <= 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

// ReviewResults summarizes a review.
type ReviewResults struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
}

// ProjectMetadata holds phase outputs and failure bookkeeping.
type ProjectMetadata struct {
	Requirements   []string       `json:"requirements,omitempty"`
	Analysis       string         `json:"analysis,omitempty"`
	Plan           string         `json:"plan,omitempty"`
	TestResults    *TestResults   `json:"test_results,omitempty"`
	ReviewResults  *ReviewResults `json:"review_results,omitempty"`
	Deployed       bool           `json:"deployed,omitempty"`
	Approvals      map[Phase]bool `json:"approvals,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Errors         []string       `json:"errors,omitempty"`
	PhaseStartTime time.Time      `json:"phase_start_time"`
}

// ProjectConfig controls state machine behavior for one project.
type ProjectConfig struct {
	AutoAdvance            bool                    `json:"auto_advance"`
	MaxRetries             int                     `json:"max_retries"`
	Timeouts               map[Phase]time.Duration `json:"timeouts,omitempty"`
	ApprovalRequiredPhases []Phase                 `json:"approval_required_phases,omitempty"`
}

// RequiresApproval reports whether leaving the phase needs an explicit approval.
func (c ProjectConfig) RequiresApproval(p Phase) bool {
	for _, ph := range c.ApprovalRequiredPhases {
		if ph == p {
			return true
		}
	}
	return false
}

// TransitionRecord is one entry in a project's transition history.
type TransitionRecord struct {
	ID    string       `json:"id"`
	From  Phase        `json:"from"`
	To    Phase        `json:"to"`
	Event ProjectEvent `json:"event"`
	At    time.Time    `json:"at"`
}

// ProjectContext is the lifecycle state of one project.
type ProjectContext struct {
	ProjectID     string             `json:"project_id"`
	CurrentPhase  Phase              `json:"current_phase"`
	PreviousPhase Phase              `json:"previous_phase,omitempty"`
	Metadata      ProjectMetadata    `json:"metadata"`
	TaskCounters  TaskCounters       `json:"task_counters"`
	Config        ProjectConfig      `json:"config"`
	History       []TransitionRecord `json:"history,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the context.
func (c *ProjectContext) Clone() *ProjectContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata.Requirements = append([]string(nil), c.Metadata.Requirements...)
	out.Metadata.Errors = append([]string(nil), c.Metadata.Errors...)
	if c.Metadata.TestResults != nil {
		tr := *c.Metadata.TestResults
		out.Metadata.TestResults = &tr
	}
	if c.Metadata.ReviewResults != nil {
		rr := *c.Metadata.ReviewResults
		rr.Comments = append([]string(nil), c.Metadata.ReviewResults.Comments...)
		out.Metadata.ReviewResults = &rr
	}
	if c.Metadata.Approvals != nil {
		out.Metadata.Approvals = make(map[Phase]bool, len(c.Metadata.Approvals))
		for k, v := range c.Metadata.Approvals {
			out.Metadata.Approvals[k] = v
		}
	}
	if c.Config.Timeouts != nil {
		out.Config.Timeouts = make(map[Phase]time.Duration, len(c.Config.Timeouts))
		for k, v := range c.Config.Timeouts {
			out.Config.Timeouts[k] = v
		}
	}
	out.Config.ApprovalRequiredPhases = append([]Phase(nil), c.Config.ApprovalRequiredPhases...)
	out.History = append([]TransitionRecord(nil), c.History...)
	return &out
}
