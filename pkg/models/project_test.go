package models

import (
	"testing"
	"time"
)

func TestPhase_IsTerminal(t *testing.T) {
	terminal := map[Phase]bool{PhaseCompleted: true, PhaseFailed: true, PhaseCancelled: true}
	for _, p := range AllPhases {
		if got := p.IsTerminal(); got != terminal[p] {
			t.Errorf("Phase(%q).IsTerminal() = %v, want %v", p, got, terminal[p])
		}
	}
	if Phase("shipping").Valid() {
		t.Error("unknown phase should be invalid")
	}
}

func TestTaskCounters_CompletionRatio(t *testing.T) {
	tests := []struct {
		counters TaskCounters
		want     float64
	}{
		{TaskCounters{}, 0},
		{TaskCounters{Total: 10, Completed: 9}, 0.9},
		{TaskCounters{Total: 4, Completed: 4}, 1.0},
	}
	for _, tt := range tests {
		if got := tt.counters.CompletionRatio(); got != tt.want {
			t.Errorf("%+v.CompletionRatio() = %v, want %v", tt.counters, got, tt.want)
		}
	}
}

func TestProjectConfig_RequiresApproval(t *testing.T) {
	cfg := ProjectConfig{ApprovalRequiredPhases: []Phase{PhaseReview}}
	if !cfg.RequiresApproval(PhaseReview) {
		t.Error("review should require approval")
	}
	if cfg.RequiresApproval(PhaseTesting) {
		t.Error("testing should not require approval")
	}
}

func TestProjectContext_Clone(t *testing.T) {
	orig := &ProjectContext{
		ProjectID: "p1",
		Metadata: ProjectMetadata{
			Requirements:  []string{"login"},
			Approvals:     map[Phase]bool{PhaseReview: false},
			TestResults:   &TestResults{Total: 10, Passed: 9},
			ReviewResults: &ReviewResults{Comments: []string{"lgtm"}},
		},
		Config: ProjectConfig{Timeouts: map[Phase]time.Duration{PhaseTesting: time.Minute}},
	}

	c := orig.Clone()
	c.Metadata.Requirements[0] = "logout"
	c.Metadata.Approvals[PhaseReview] = true
	c.Metadata.TestResults.Passed = 1
	c.Metadata.ReviewResults.Comments[0] = "nope"
	c.Config.Timeouts[PhaseTesting] = time.Hour

	if orig.Metadata.Requirements[0] != "login" {
		t.Error("Clone shares Requirements")
	}
	if orig.Metadata.Approvals[PhaseReview] {
		t.Error("Clone shares Approvals")
	}
	if orig.Metadata.TestResults.Passed != 9 {
		t.Error("Clone shares TestResults")
	}
	if orig.Metadata.ReviewResults.Comments[0] != "lgtm" {
		t.Error("Clone shares ReviewResults")
	}
	if orig.Config.Timeouts[PhaseTesting] != time.Minute {
		t.Error("Clone shares Timeouts")
	}
}
