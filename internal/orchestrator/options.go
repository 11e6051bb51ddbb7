package orchestrator

import (
	"time"

	"github.com/ShayCichocki/crew/internal/events"
	"github.com/ShayCichocki/crew/pkg/models"
)

// RunnerFactory builds the TaskRunner for a declared worker.
type RunnerFactory func(cfg models.WorkerConfig) (TaskRunner, error)

// PoolConfig contains the pool's tunables.
type PoolConfig struct {
	// DefaultMaxConcurrent applies to workers that declare no capacity.
	DefaultMaxConcurrent int
	// HealthCheckInterval is how often every worker is probed. Default 30s.
	HealthCheckInterval time.Duration
	// ProbeTimeout bounds a single probe. Default 10s.
	ProbeTimeout time.Duration
	// RebalanceInterval enables periodic rebalancing when positive.
	RebalanceInterval time.Duration
	// MetricsInterval enables periodic pool:metrics events when positive.
	MetricsInterval time.Duration
	// RetryDelay scales the delay before a rescheduled attempt:
	// RetryDelay * retryCount. Default 5s.
	RetryDelay time.Duration
	// MaxRetries is the retry count at which a failing task is given up. Default 3.
	MaxRetries int
	// MaxQueue bounds the pending queue. Default 1000.
	MaxQueue int
	// HistoryLimit bounds the retained assignment history. Default 1000.
	HistoryLimit int
}

// DefaultPoolConfig returns the standard pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		DefaultMaxConcurrent: 3,
		HealthCheckInterval:  30 * time.Second,
		ProbeTimeout:         10 * time.Second,
		RebalanceInterval:    2 * time.Minute,
		MetricsInterval:      30 * time.Second,
		RetryDelay:           5 * time.Second,
		MaxRetries:           3,
		MaxQueue:             1000,
		HistoryLimit:         1000,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = def.DefaultMaxConcurrent
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = def.MaxQueue
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	return c
}

// Option configures a WorkerPool. Use With* functions to create Options.
type Option func(*WorkerPool)

// WithRunnerFactory sets how RegisterWorker builds runners.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(p *WorkerPool) { p.factory = f }
}

// WithEvents sets where pool events are published.
func WithEvents(pub events.Publisher) Option {
	return func(p *WorkerPool) {
		if pub != nil {
			p.events = pub
		}
	}
}

// WithPersister sets the persistence collaborator.
func WithPersister(s Persister) Option {
	return func(p *WorkerPool) { p.persister = s }
}

// WithLogger sets the debug trace logger.
func WithLogger(l *DebugLogger) Option {
	return func(p *WorkerPool) { p.logger = l }
}

// WithClock overrides the time source used for scoring and health.
func WithClock(now func() time.Time) Option {
	return func(p *WorkerPool) { p.now = now }
}
