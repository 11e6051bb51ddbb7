package project

import (
	"context"
	"slices"
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

// Completion thresholds for guarded transitions.
const (
	MinTaskCompletion = 0.9
	MinTestPassRate   = 0.9
)

// Guard decides whether a transition may fire.
type Guard func(pc *models.ProjectContext) bool

// Action runs after the phase has changed. Returning an error reverts the
// phase. pc is a snapshot; mutations are not applied.
type Action func(ctx context.Context, pc *models.ProjectContext) error

// Rollback undoes the side effects of a failed Action.
type Rollback func(ctx context.Context, pc *models.ProjectContext)

// Transition is one row of the transition table.
type Transition struct {
	From  models.Phase
	To    models.Phase
	Event models.ProjectEvent
	// ToPrevious sends the project back to the phase it left, ignoring To.
	ToPrevious bool
	// Failure marks failure events: they bump the retry counter and divert
	// to failed once retries are exhausted.
	Failure bool

	Guard     Guard
	GuardDesc string
	Action    Action
	Rollback  Rollback
}

// DefaultTimeouts are the per-phase deadlines armed on phase entry.
func DefaultTimeouts() map[models.Phase]time.Duration {
	return map[models.Phase]time.Duration{
		models.PhaseAnalyzing:   10 * time.Minute,
		models.PhasePlanning:    15 * time.Minute,
		models.PhaseDevelopment: 60 * time.Minute,
		models.PhaseTesting:     30 * time.Minute,
		models.PhaseReview:      24 * time.Hour,
		models.PhaseDeployment:  20 * time.Minute,
	}
}

// failureEvents maps a working phase to the event its timeout synthesizes.
var failureEvents = map[models.Phase]models.ProjectEvent{
	models.PhaseAnalyzing:   models.EventAnalysisFailed,
	models.PhasePlanning:    models.EventPlanningFailed,
	models.PhaseDevelopment: models.EventDevelopmentFailed,
	models.PhaseTesting:     models.EventTestingFailed,
	models.PhaseReview:      models.EventReviewFailed,
	models.PhaseDeployment:  models.EventDeploymentFailed,
}

// FailureEvent returns the failure event for a working phase.
func FailureEvent(p models.Phase) (models.ProjectEvent, bool) {
	ev, ok := failureEvents[p]
	return ev, ok
}

// completionEvents maps a phase to the event auto-advance fires when the
// phase's work is done.
var completionEvents = map[models.Phase]models.ProjectEvent{
	models.PhaseAnalyzing:   models.EventAnalysisComplete,
	models.PhasePlanning:    models.EventPlanningComplete,
	models.PhaseDevelopment: models.EventDevelopmentComplete,
	models.PhaseTesting:     models.EventTestingComplete,
	models.PhaseReview:      models.EventReviewApproved,
	models.PhaseDeployment:  models.EventDeploymentComplete,
}

func hasRequirements(pc *models.ProjectContext) bool {
	return len(pc.Metadata.Requirements) > 0
}

func hasAnalysis(pc *models.ProjectContext) bool {
	return pc.Metadata.Analysis != ""
}

func hasPlan(pc *models.ProjectContext) bool {
	return pc.Metadata.Plan != ""
}

func tasksDone(pc *models.ProjectContext) bool {
	return pc.TaskCounters.Total > 0 && pc.TaskCounters.CompletionRatio() >= MinTaskCompletion
}

func testsPassed(pc *models.ProjectContext) bool {
	tr := pc.Metadata.TestResults
	return tr != nil && tr.Total > 0 && tr.PassRatio() >= MinTestPassRate
}

func reviewApproved(pc *models.ProjectContext) bool {
	rr := pc.Metadata.ReviewResults
	return rr != nil && rr.Approved
}

func reviewRejected(pc *models.ProjectContext) bool {
	rr := pc.Metadata.ReviewResults
	return rr != nil && !rr.Approved
}

func deployed(pc *models.ProjectContext) bool {
	return pc.Metadata.Deployed
}

// tasksUnreachable reports that too many tasks failed for development to
// ever reach the completion threshold.
func tasksUnreachable(pc *models.ProjectContext) bool {
	c := pc.TaskCounters
	if c.Total <= 0 {
		return false
	}
	best := float64(c.Total-c.Failed) / float64(c.Total)
	return best < MinTaskCompletion
}

// clearOutcomes drops the results recorded for phase to and every later
// phase, so a phase re-entered after a failure is judged only on results
// that arrive from then on.
func clearOutcomes(pc *models.ProjectContext, to models.Phase) {
	start := slices.Index(workingPhases, to)
	if start < 0 {
		return
	}
	for _, p := range workingPhases[start:] {
		switch p {
		case models.PhaseDevelopment:
			pc.TaskCounters = models.TaskCounters{}
		case models.PhaseTesting:
			pc.Metadata.TestResults = nil
		case models.PhaseReview:
			pc.Metadata.ReviewResults = nil
		case models.PhaseDeployment:
			pc.Metadata.Deployed = false
		}
	}
}

// workingPhases, in lifecycle order, accept cancel, pause, and project_failed.
var workingPhases = []models.Phase{
	models.PhaseDraft, models.PhaseAnalyzing, models.PhasePlanning, models.PhaseDevelopment,
	models.PhaseTesting, models.PhaseReview, models.PhaseDeployment,
}

// DefaultTransitions returns the standard project lifecycle table.
func DefaultTransitions() []Transition {
	t := []Transition{
		{From: models.PhaseDraft, To: models.PhaseAnalyzing, Event: models.EventStartAnalysis, Guard: hasRequirements, GuardDesc: "requirements present"},

		{From: models.PhaseAnalyzing, To: models.PhasePlanning, Event: models.EventAnalysisComplete, Guard: hasAnalysis, GuardDesc: "analysis recorded"},
		{From: models.PhaseAnalyzing, To: models.PhaseDraft, Event: models.EventAnalysisFailed, Failure: true},

		{From: models.PhasePlanning, To: models.PhaseDevelopment, Event: models.EventPlanningComplete, Guard: hasPlan, GuardDesc: "plan recorded"},
		{From: models.PhasePlanning, To: models.PhaseAnalyzing, Event: models.EventPlanningFailed, Failure: true},

		{From: models.PhaseDevelopment, To: models.PhaseTesting, Event: models.EventDevelopmentComplete, Guard: tasksDone, GuardDesc: "at least 90% of tasks completed"},
		{From: models.PhaseDevelopment, To: models.PhasePlanning, Event: models.EventDevelopmentFailed, Failure: true},

		{From: models.PhaseTesting, To: models.PhaseReview, Event: models.EventTestingComplete, Guard: testsPassed, GuardDesc: "at least 90% of tests passed"},
		{From: models.PhaseTesting, To: models.PhaseDevelopment, Event: models.EventTestingFailed, Failure: true},

		{From: models.PhaseReview, To: models.PhaseDeployment, Event: models.EventReviewApproved, Guard: reviewApproved, GuardDesc: "review approved"},
		{From: models.PhaseReview, To: models.PhaseDevelopment, Event: models.EventReviewRejected, Failure: true},
		{From: models.PhaseReview, To: models.PhaseDevelopment, Event: models.EventReviewFailed, Failure: true},

		{From: models.PhaseDeployment, To: models.PhaseCompleted, Event: models.EventDeploymentComplete, Guard: deployed, GuardDesc: "deployment recorded"},
		{From: models.PhaseDeployment, To: models.PhaseReview, Event: models.EventDeploymentFailed, Failure: true},

		{From: models.PhaseOnHold, Event: models.EventProjectResumed, ToPrevious: true},
		{From: models.PhaseOnHold, To: models.PhaseCancelled, Event: models.EventProjectCancelled},
		{From: models.PhaseOnHold, To: models.PhaseFailed, Event: models.EventProjectFailed},
	}
	for _, p := range workingPhases {
		t = append(t,
			Transition{From: p, To: models.PhaseCancelled, Event: models.EventProjectCancelled},
			Transition{From: p, To: models.PhaseOnHold, Event: models.EventProjectPaused},
			Transition{From: p, To: models.PhaseFailed, Event: models.EventProjectFailed},
		)
	}
	return t
}

// table indexes transitions by source phase and event.
type table map[models.Phase]map[models.ProjectEvent]Transition

func newTable(ts []Transition) table {
	tb := make(table)
	for _, t := range ts {
		if tb[t.From] == nil {
			tb[t.From] = make(map[models.ProjectEvent]Transition)
		}
		tb[t.From][t.Event] = t
	}
	return tb
}

func (tb table) lookup(from models.Phase, ev models.ProjectEvent) (Transition, bool) {
	t, ok := tb[from][ev]
	return t, ok
}

// attach sets the action and rollback on every row for the event.
func (tb table) attach(ev models.ProjectEvent, a Action, r Rollback) {
	for from, rows := range tb {
		if t, ok := rows[ev]; ok {
			t.Action = a
			t.Rollback = r
			tb[from][ev] = t
		}
	}
}
