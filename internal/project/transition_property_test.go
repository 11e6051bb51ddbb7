package project

import (
	"context"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/ShayCichocki/crew/pkg/models"
)

var allEvents = []models.ProjectEvent{
	models.EventStartAnalysis, models.EventAnalysisComplete, models.EventAnalysisFailed,
	models.EventPlanningComplete, models.EventPlanningFailed,
	models.EventDevelopmentComplete, models.EventDevelopmentFailed,
	models.EventTestingComplete, models.EventTestingFailed,
	models.EventReviewApproved, models.EventReviewRejected, models.EventReviewFailed,
	models.EventDeploymentComplete, models.EventDeploymentFailed,
	models.EventProjectCancelled, models.EventProjectPaused, models.EventProjectResumed, models.EventProjectFailed,
}

// Every accepted event follows a table row, rejected events leave the
// project untouched, and the retry count never decreases.
func TestTransitions_FollowTable(t *testing.T) {
	tb := newTable(DefaultTransitions())

	rapid.Check(t, func(rt *rapid.T) {
		m := NewMachine(testConfig())
		defer m.Close()
		maxRetries := rapid.IntRange(1, 4).Draw(rt, "maxRetries")
		cfg := testConfig().Defaults
		cfg.MaxRetries = maxRetries
		if _, err := m.CreateProject("p", []string{"r"}, &cfg); err != nil {
			rt.Fatal(err)
		}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "kind") {
			case 0:
				if err := m.UpdateMetadata("p", func(md *models.ProjectMetadata) {
					md.Analysis = "a"
					md.Plan = "p"
					md.Deployed = rapid.Bool().Draw(rt, "deployed")
					md.TestResults = &models.TestResults{Total: 10, Passed: rapid.IntRange(0, 10).Draw(rt, "passed")}
					md.ReviewResults = &models.ReviewResults{Approved: rapid.Bool().Draw(rt, "approved")}
				}); err != nil {
					rt.Fatal(err)
				}
			case 1:
				if err := m.UpdateProgress("p", func(c *models.TaskCounters) {
					c.Total = 10
					c.Completed = rapid.IntRange(0, 10).Draw(rt, "completed")
				}); err != nil {
					rt.Fatal(err)
				}
			default:
				before, _ := m.Get("p")
				ev := rapid.SampledFrom(allEvents).Draw(rt, "event")
				after, err := m.Transition(context.Background(), "p", ev)

				row, inTable := tb.lookup(before.CurrentPhase, ev)
				if err != nil {
					if !IsInvalidTransition(err) && !errors.Is(err, ErrProjectLocked) {
						rt.Fatalf("unexpected error %v", err)
					}
					now, _ := m.Get("p")
					if now.CurrentPhase != before.CurrentPhase || now.Metadata.RetryCount != before.Metadata.RetryCount {
						rt.Fatalf("rejected %s changed %s -> %s", ev, before.CurrentPhase, now.CurrentPhase)
					}
					continue
				}
				if !inTable {
					rt.Fatalf("%s accepted in %s without a table row", ev, before.CurrentPhase)
				}

				want := row.To
				switch {
				case row.ToPrevious:
					want = before.PreviousPhase
				case row.Failure && after.Metadata.RetryCount >= maxRetries:
					want = models.PhaseFailed
				}
				if after.CurrentPhase != want {
					rt.Fatalf("%s from %s went to %s, want %s", ev, before.CurrentPhase, after.CurrentPhase, want)
				}
				if after.PreviousPhase != before.CurrentPhase {
					rt.Fatalf("previous phase = %s, want %s", after.PreviousPhase, before.CurrentPhase)
				}
				if after.Metadata.RetryCount < before.Metadata.RetryCount {
					rt.Fatalf("retry count went down: %d -> %d", before.Metadata.RetryCount, after.Metadata.RetryCount)
				}
				if len(after.History) != len(before.History)+1 {
					rt.Fatalf("history grew by %d", len(after.History)-len(before.History))
				}
			}
		}
	})
}
