package router

import (
	"fmt"
	"math"
	"strings"

	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Strategy selects how candidates are scored.
type Strategy string

const (
	StrategyCostOptimized        Strategy = "cost_optimized"
	StrategyPerformanceOptimized Strategy = "performance_optimized"
	StrategyLocalFirst           Strategy = "local_first"
	StrategyBalanced             Strategy = "balanced"
)

// ParseStrategy validates a strategy name. Empty means balanced.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyBalanced, nil
	case StrategyCostOptimized, StrategyPerformanceOptimized, StrategyLocalFirst, StrategyBalanced:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown routing strategy %q", s)
	}
}

const (
	minEstimatedTokens = 500
	tokensPerLevel     = 200
	inputShare         = 0.7
	outputShare        = 0.3
	localBonus         = 1000.0
)

// EstimateComplexity returns a 1-10 rating from message length, task kind,
// and priority.
func EstimateComplexity(msgs []backend.Message, hint Hint) int {
	base := 1 + backend.TotalLength(msgs)/1000
	if base > 6 {
		base = 6
	}

	c := base + kindWeight(hint.Kind) + priorityWeight(hint.Priority)
	if c < 1 {
		return 1
	}
	if c > 10 {
		return 10
	}
	return c
}

func kindWeight(k models.TaskKind) int {
	switch k {
	case models.TaskKindCode, models.TaskKindAnalysis:
		return 2
	case models.TaskKindDesign, models.TaskKindReview:
		return 1
	case models.TaskKindDocumentation:
		return -1
	default:
		return 0
	}
}

// Critical work gets a higher effective complexity so the quality table
// steers it toward stronger models.
func priorityWeight(p models.Priority) int {
	switch p {
	case models.PriorityCritical:
		return 2
	case models.PriorityHigh:
		return 1
	case models.PriorityLow:
		return -1
	default:
		return 0
	}
}

// EstimateCost projects the price of a request at the given complexity.
func EstimateCost(p backend.Profile, complexity int) float64 {
	if p.IsFree() {
		return 0
	}
	tokens := complexity * tokensPerLevel
	if tokens < minEstimatedTokens {
		tokens = minEstimatedTokens
	}
	t := float64(tokens)
	return t*inputShare/1000*p.InputPer1K + t*outputShare/1000*p.OutputPer1K
}

type qualityRow struct {
	match string
	bands [3]float64 // low (1-3), medium (4-7), high (8-10)
}

// qualityTable is matched in order; more specific names come first.
var qualityTable = []qualityRow{
	{"opus", [3]float64{95, 95, 95}},
	{"sonnet", [3]float64{90, 90, 85}},
	{"haiku", [3]float64{85, 75, 60}},
	{"gpt-4o-mini", [3]float64{80, 70, 55}},
	{"gpt-5", [3]float64{95, 93, 92}},
	{"gpt-4o", [3]float64{90, 88, 84}},
	{"gpt-4", [3]float64{88, 85, 80}},
	{"o3", [3]float64{85, 92, 95}},
	{"o1", [3]float64{85, 90, 92}},
	{"gemini-2.5-pro", [3]float64{92, 90, 88}},
	{"pro", [3]float64{88, 85, 80}},
	{"flash", [3]float64{82, 75, 62}},
	{"deepseek", [3]float64{80, 76, 70}},
	{"qwen", [3]float64{75, 65, 50}},
	{"llama", [3]float64{70, 60, 45}},
	{"mistral", [3]float64{70, 60, 45}},
}

var defaultQuality = [3]float64{60, 55, 50}

// QualityScore looks up the static 0-100 quality rating for a model at a complexity.
func QualityScore(model string, complexity int) float64 {
	band := 1
	switch {
	case complexity <= 3:
		band = 0
	case complexity >= 8:
		band = 2
	}

	m := strings.ToLower(model)
	for _, row := range qualityTable {
		if strings.Contains(m, row.match) {
			return row.bands[band]
		}
	}
	return defaultQuality[band]
}

func costScore(cost float64) float64 {
	if cost <= 0 {
		return 100
	}
	return 100 / (1 + cost*10)
}

func speedScore(m Metrics) float64 {
	if m.TotalRequests == 0 || m.AvgResponseTimeMs <= 0 {
		return 50
	}
	return math.Max(0, 100-m.AvgResponseTimeMs/100)
}

func reliabilityScore(m Metrics) float64 {
	return m.SuccessRate * 100 * (1 - m.ErrorRate)
}

// Score rates one candidate under a strategy. Higher is better.
func Score(s Strategy, p backend.Profile, m Metrics, complexity int) float64 {
	cost := costScore(EstimateCost(p, complexity))
	speed := speedScore(m)
	rel := reliabilityScore(m)
	quality := QualityScore(p.Model, complexity)

	balanced := 0.3*cost + 0.3*speed + 0.4*rel + 0.15*quality

	switch s {
	case StrategyCostOptimized:
		return cost
	case StrategyPerformanceOptimized:
		return 0.4*speed + 0.3*rel + 0.3*quality
	case StrategyLocalFirst:
		if p.IsLocal {
			return balanced + localBonus
		}
		return balanced
	default:
		return balanced
	}
}
