package agent

import (
	"strings"
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

// MinMatchRatio is the share of task requirements a worker must cover.
const MinMatchRatio = 0.5

// MatchRatio returns the fraction of requirements that match any worker skill.
// Matching is case-insensitive substring containment in either direction, so
// "Go" matches "golang" and also "MongoDB". A task without requirements
// matches fully.
func MatchRatio(cfg *models.WorkerConfig, requirements []string) float64 {
	if len(requirements) == 0 {
		return 1.0
	}

	skills := cfg.Skills()
	lowered := make([]string, len(skills))
	for i, s := range skills {
		lowered[i] = strings.ToLower(strings.TrimSpace(s))
	}

	matched := 0
	for _, req := range requirements {
		r := strings.ToLower(strings.TrimSpace(req))
		if r == "" {
			continue
		}
		for _, s := range lowered {
			if s == "" {
				continue
			}
			if strings.Contains(s, r) || strings.Contains(r, s) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(requirements))
}

// CanHandle reports whether the worker covers at least half of the task's requirements.
func CanHandle(cfg *models.WorkerConfig, task *models.Task) bool {
	return MatchRatio(cfg, task.Requirements) >= MinMatchRatio
}

// WithinWorkingHours compares the hour of day against the declared window
// as Start <= hour < End. Dates and timezones are ignored, and a window that
// wraps midnight (Start > End) never matches. No window means always available.
func WithinWorkingHours(hours *models.WorkingHours, now time.Time) bool {
	if hours == nil {
		return true
	}
	h := now.Hour()
	return h >= hours.Start && h < hours.End
}
