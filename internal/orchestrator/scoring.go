package orchestrator

import (
	"strings"
	"time"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/pkg/models"
)

const (
	slowResponseMs    = 5000
	recentPingWindow  = 60 * time.Second
	slowPenalty       = 10
	recentPingBonus   = 5
	defaultCostRating = 0.5
)

// Preferences narrow worker selection beyond the task's own requirements.
type Preferences struct {
	// Type requires an exact (case-insensitive) worker type.
	Type string
	// Skills must all be matched by the worker's declared skills.
	Skills []string
	// MaxResponseTimeMs excludes workers whose average is slower.
	MaxResponseTimeMs float64
	// Exclude lists worker IDs that must not be chosen.
	Exclude []string
}

func (pr *Preferences) excludes(id string) bool {
	if pr == nil {
		return false
	}
	for _, x := range pr.Exclude {
		if x == id {
			return true
		}
	}
	return false
}

// eligible applies the suitability filter. Must be called with lock held.
func (p *WorkerPool) eligible(w *workerEntry, task *models.Task, prefs *Preferences) bool {
	if w.status != models.WorkerStatusAvailable || !w.health.IsHealthy || !w.hasSlot() {
		return false
	}
	if prefs.excludes(w.cfg.ID) {
		return false
	}
	if prefs != nil {
		if prefs.Type != "" && !strings.EqualFold(prefs.Type, w.cfg.Type) {
			return false
		}
		if len(prefs.Skills) > 0 && agent.MatchRatio(&w.cfg, prefs.Skills) < 1 {
			return false
		}
		if prefs.MaxResponseTimeMs > 0 && w.runner.Performance().AvgResponseTimeMs > prefs.MaxResponseTimeMs {
			return false
		}
	}
	return w.runner.CanHandle(task)
}

// score ranks an eligible worker for a task on a 0-100 scale.
func (p *WorkerPool) score(w *workerEntry, task *models.Task, now time.Time) float64 {
	perf := w.runner.Performance()
	cost := w.cfg.CostEfficiency
	if cost <= 0 {
		cost = defaultCostRating
	}

	s := 40*perf.SuccessRate +
		20*(1-w.load()) +
		20*w.runner.MatchRatio(task) +
		10*perf.QualityScore +
		10*cost

	if perf.AvgResponseTimeMs > slowResponseMs {
		s -= slowPenalty
	}
	if !w.lastPing.IsZero() && now.Sub(w.lastPing) <= recentPingWindow {
		s += recentPingBonus
	}

	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// selectLocked returns the best eligible worker and its score, or nil.
// Ties go to the most recent health check, then to the lower ID.
func (p *WorkerPool) selectLocked(task *models.Task, prefs *Preferences) (*workerEntry, float64) {
	now := p.now()
	var best *workerEntry
	var bestScore float64
	for _, w := range p.sortedWorkers() {
		if !p.eligible(w, task, prefs) {
			continue
		}
		s := p.score(w, task, now)
		if best == nil || s > bestScore ||
			(s == bestScore && w.health.LastCheck.After(best.health.LastCheck)) {
			best, bestScore = w, s
		}
	}
	return best, bestScore
}
