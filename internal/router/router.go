// Package router chooses an inference backend for each request. It scores
// candidates under a pluggable strategy, enforces cost limits, isolates failing
// backends with circuit breakers, and falls back down the ranked list.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/cost"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Config is the immutable router configuration.
type Config struct {
	Strategy Strategy
	// DailyLimit and PerTaskLimit are USD; <= 0 disables the gate.
	DailyLimit       float64
	PerTaskLimit     float64
	WarningThreshold float64
	// Backends breaching these thresholds are ranked after healthy ones.
	MaxResponseTime time.Duration
	MinSuccessRate  float64
	MaxErrorRate    float64
	// FailureThreshold consecutive failures open a circuit for Cooldown.
	FailureThreshold int
	Cooldown         time.Duration
	// MaxFallbacks is the number of candidates tried after the primary.
	MaxFallbacks int
}

// DefaultConfig returns the standard router settings.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyBalanced,
		DailyLimit:       10,
		PerTaskLimit:     1,
		WarningThreshold: cost.DefaultWarningThreshold,
		MaxResponseTime:  30 * time.Second,
		MinSuccessRate:   0.8,
		MaxErrorRate:     0.2,
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		MaxFallbacks:     3,
	}
}

// minSamplesForThresholds is how many requests a backend must have served
// before performance thresholds demote it.
const minSamplesForThresholds = 5

// Hint carries optional task context for one routing call.
type Hint struct {
	Kind     models.TaskKind
	Priority models.Priority
	// Strategy overrides the configured strategy when set.
	Strategy Strategy
}

// AttemptOutcome classifies one candidate in a routing call.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptSkipped   AttemptOutcome = "skipped"
)

// Attempt records what happened to one candidate.
type Attempt struct {
	Backend       string         `json:"backend"`
	Outcome       AttemptOutcome `json:"outcome"`
	Error         string         `json:"error,omitempty"`
	EstimatedCost float64        `json:"estimated_cost"`
	Duration      time.Duration  `json:"duration"`
}

// Expected is the projected performance of the chosen backend.
type Expected struct {
	ResponseTimeMs float64 `json:"response_time_ms"`
	SuccessRate    float64 `json:"success_rate"`
	Quality        float64 `json:"quality"`
}

// Decision is the result of one routing call.
type Decision struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	Reason              string    `json:"reason"`
	Alternatives        []string  `json:"alternatives"`
	EstimatedCost       float64   `json:"estimated_cost"`
	ExpectedPerformance Expected  `json:"expected_performance"`
	Strategy            Strategy  `json:"strategy"`
	Complexity          int       `json:"complexity"`
	Attempts            []Attempt `json:"attempts,omitempty"`
}

// Key returns "provider/model" of the chosen backend.
func (d *Decision) Key() string {
	return d.Provider + "/" + d.Model
}

// Router selects among registered backends. It is safe for concurrent use.
type Router struct {
	cfg    Config
	ledger *cost.Ledger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// Option configures a Router.
type Option func(*Router)

// WithLedger shares a cost ledger with other components.
func WithLedger(l *cost.Ledger) Option {
	return func(r *Router) { r.ledger = l }
}

// WithClock overrides the time source for circuit cooldowns and metrics.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router. Zero-valued config fields take defaults.
func New(cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxFallbacks < 0 {
		cfg.MaxFallbacks = 0
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}

	r := &Router{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ledger == nil {
		r.ledger = cost.NewLedger(cfg.DailyLimit,
			cost.WithWarningThreshold(cfg.WarningThreshold),
			cost.WithClock(r.now))
	}
	return r
}

// Config returns the router configuration.
func (r *Router) Config() Config { return r.cfg }

// Ledger returns the cost ledger the router charges.
func (r *Router) Ledger() *cost.Ledger { return r.ledger }

// Register adds a backend. Keys must be unique.
func (r *Router) Register(b backend.Backend) error {
	key := b.Profile().Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("backend %s already registered", key)
	}
	r.entries[key] = newEntry(b)
	r.order = append(r.order, key)
	log.Printf("[router] registered backend %s (local=%v)", key, b.Profile().IsLocal)
	return nil
}

func (r *Router) entry(key string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrBackendUnavailable)
	}
	return e, nil
}

func (r *Router) allEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// SetAvailable marks a backend available or unavailable for selection.
func (r *Router) SetAvailable(key string, available bool) error {
	e, err := r.entry(key)
	if err != nil {
		return err
	}
	e.setAvailable(available)
	log.Printf("[router] backend %s available=%v", key, available)
	return nil
}

// ResetCircuit closes a backend's circuit immediately.
func (r *Router) ResetCircuit(key string) error {
	e, err := r.entry(key)
	if err != nil {
		return err
	}
	e.resetCircuit()
	return nil
}

// Status returns a snapshot of one backend.
func (r *Router) Status(key string) (BackendStatus, error) {
	e, err := r.entry(key)
	if err != nil {
		return BackendStatus{}, err
	}
	return e.snapshot(), nil
}

// Snapshot returns every backend in registration order.
func (r *Router) Snapshot() []BackendStatus {
	entries := r.allEntries()
	out := make([]BackendStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Selectable returns the number of backends that could be chosen now.
func (r *Router) Selectable() int {
	now := r.now()
	n := 0
	for _, e := range r.allEntries() {
		if e.selectable(now, r.cfg.Cooldown) {
			n++
		}
	}
	return n
}

type candidate struct {
	entry    *entry
	score    float64
	estCost  float64
	degraded bool
	metrics  Metrics
}

func (r *Router) degraded(m Metrics) bool {
	if m.TotalRequests < minSamplesForThresholds {
		return false
	}
	if r.cfg.MinSuccessRate > 0 && m.SuccessRate < r.cfg.MinSuccessRate {
		return true
	}
	if r.cfg.MaxErrorRate > 0 && m.ErrorRate > r.cfg.MaxErrorRate {
		return true
	}
	if r.cfg.MaxResponseTime > 0 && m.AvgResponseTimeMs > float64(r.cfg.MaxResponseTime/time.Millisecond) {
		return true
	}
	return false
}

// rank returns selectable candidates, best first, and attempts for the
// backends excluded as unavailable.
func (r *Router) rank(strategy Strategy, complexity int) ([]candidate, []Attempt) {
	now := r.now()
	var cands []candidate
	var skipped []Attempt

	for _, e := range r.allEntries() {
		if !e.selectable(now, r.cfg.Cooldown) {
			skipped = append(skipped, Attempt{
				Backend: e.profile.Key(),
				Outcome: AttemptSkipped,
				Error:   ErrBackendUnavailable.Error(),
			})
			continue
		}
		m := e.snapshot().Metrics
		cands = append(cands, candidate{
			entry:    e,
			score:    Score(strategy, e.profile, m, complexity),
			estCost:  EstimateCost(e.profile, complexity),
			degraded: r.degraded(m),
			metrics:  m,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].degraded != cands[j].degraded {
			return !cands[i].degraded
		}
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].entry.profile.Key() < cands[j].entry.profile.Key()
	})
	return cands, skipped
}

func (r *Router) plan(msgs []backend.Message, hint Hint) (Strategy, int, []candidate, []Attempt, error) {
	strategy := hint.Strategy
	if strategy == "" {
		strategy = r.cfg.Strategy
	}
	complexity := EstimateComplexity(msgs, hint)

	r.mu.RLock()
	registered := len(r.entries)
	r.mu.RUnlock()
	if registered == 0 {
		return strategy, complexity, nil, nil, ErrNoBackends
	}

	cands, skipped := r.rank(strategy, complexity)
	if len(cands) == 0 {
		return strategy, complexity, nil, skipped, &ExhaustedError{Attempts: skipped, Last: ErrBackendUnavailable}
	}
	limit := 1 + r.cfg.MaxFallbacks
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return strategy, complexity, cands, skipped, nil
}

func (r *Router) decision(strategy Strategy, complexity int, c candidate, cands []candidate, reason string) *Decision {
	d := &Decision{
		Provider:      c.entry.profile.Provider,
		Model:         c.entry.profile.Model,
		Reason:        reason,
		EstimatedCost: c.estCost,
		Strategy:      strategy,
		Complexity:    complexity,
		ExpectedPerformance: Expected{
			ResponseTimeMs: c.metrics.AvgResponseTimeMs,
			SuccessRate:    c.metrics.SuccessRate,
			Quality:        QualityScore(c.entry.profile.Model, complexity),
		},
	}
	for _, other := range cands {
		if other.entry != c.entry {
			d.Alternatives = append(d.Alternatives, other.entry.profile.Key())
		}
	}
	return d
}

// Select ranks candidates and returns the decision Route would start with,
// without calling any backend or checking cost gates.
func (r *Router) Select(msgs []backend.Message, hint Hint) (*Decision, error) {
	strategy, complexity, cands, _, err := r.plan(msgs, hint)
	if err != nil {
		return nil, err
	}
	c := cands[0]
	reason := fmt.Sprintf("%s: score %.1f at complexity %d", strategy, c.score, complexity)
	return r.decision(strategy, complexity, c, cands, reason), nil
}

// costGate reserves the estimate against the daily limit, or returns a
// non-nil error if the estimate breaks a limit. The reservation keeps
// concurrent calls from jointly overrunning the limit.
func (r *Router) costGate(estimate float64) (*cost.Reservation, error) {
	if r.cfg.PerTaskLimit > 0 && estimate > r.cfg.PerTaskLimit {
		return nil, fmt.Errorf("estimated $%.4f over per-task limit $%.2f: %w", estimate, r.cfg.PerTaskLimit, ErrCostLimitExceeded)
	}
	res, ok := r.ledger.Reserve(estimate)
	if !ok {
		return nil, fmt.Errorf("estimated $%.4f with $%.4f spent and $%.4f reserved today over daily limit $%.2f: %w",
			estimate, r.ledger.SpentToday(), r.ledger.Reserved(), r.ledger.DailyLimit(), ErrCostLimitExceeded)
	}
	return res, nil
}

// Route sends msgs to the best backend, falling back down the ranked list on
// cost-gate rejections and failures. It returns an *ExhaustedError when every
// candidate was skipped or failed.
func (r *Router) Route(ctx context.Context, msgs []backend.Message, hint Hint) (*backend.Response, *Decision, error) {
	strategy, complexity, cands, attempts, err := r.plan(msgs, hint)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for i, c := range cands {
		key := c.entry.profile.Key()

		// Another caller may have opened the circuit since ranking.
		if !c.entry.selectable(r.now(), r.cfg.Cooldown) {
			attempts = append(attempts, Attempt{Backend: key, Outcome: AttemptSkipped, Error: ErrBackendUnavailable.Error(), EstimatedCost: c.estCost})
			lastErr = fmt.Errorf("%s: %w", key, ErrBackendUnavailable)
			continue
		}
		hold, err := r.costGate(c.estCost)
		if err != nil {
			attempts = append(attempts, Attempt{Backend: key, Outcome: AttemptSkipped, Error: err.Error(), EstimatedCost: c.estCost})
			lastErr = err
			continue
		}

		start := r.now()
		resp, callErr := c.entry.backend.Chat(ctx, msgs)
		elapsed := r.now().Sub(start)

		if callErr == nil && resp != nil {
			c.entry.recordSuccess(r.now(), elapsed, resp.Cost)
			hold.Settle(key, resp.Cost)
			attempts = append(attempts, Attempt{Backend: key, Outcome: AttemptSucceeded, EstimatedCost: c.estCost, Duration: elapsed})

			reason := fmt.Sprintf("%s: score %.1f at complexity %d", strategy, c.score, complexity)
			if i > 0 {
				reason = fmt.Sprintf("fallback #%d after %d candidate(s) skipped or failed; %s", i, i, reason)
			}
			d := r.decision(strategy, complexity, c, cands, reason)
			d.Attempts = attempts
			return resp, d, nil
		}

		hold.Release()
		if callErr == nil {
			callErr = fmt.Errorf("%s: empty response", key)
		}
		lastErr = callErr
		attempts = append(attempts, Attempt{Backend: key, Outcome: AttemptFailed, Error: callErr.Error(), EstimatedCost: c.estCost, Duration: elapsed})
		if c.entry.recordFailure(r.now(), r.cfg.FailureThreshold) {
			log.Printf("[router] circuit opened for %s after %d consecutive failures", key, r.cfg.FailureThreshold)
		}

		if ctx.Err() != nil {
			return nil, nil, &ExhaustedError{Attempts: attempts, Last: ctx.Err()}
		}
		log.Printf("[router] %s failed: %v", key, callErr)
	}

	if lastErr == nil {
		lastErr = ErrBackendUnavailable
	}
	return nil, nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// IsExhausted reports whether err means no backend could serve the request.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrAllBackendsExhausted) || errors.Is(err, ErrNoBackends)
}
