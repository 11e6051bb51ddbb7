package router

import (
	"sync"
	"time"

	"github.com/ShayCichocki/crew/internal/backend"
)

// Metrics is the rolling health of one backend.
type Metrics struct {
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	AvgCost           float64   `json:"avg_cost"`
	ErrorRate         float64   `json:"error_rate"`
	TotalRequests     int64     `json:"total_requests"`
	LastUsed          time.Time `json:"last_used"`
	IsAvailable       bool      `json:"is_available"`
}

// CircuitState tracks consecutive failures of one backend.
type CircuitState struct {
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure"`
	IsOpen       bool      `json:"is_open"`
}

// BackendStatus is a snapshot of one registered backend.
type BackendStatus struct {
	Profile backend.Profile `json:"profile"`
	Metrics Metrics         `json:"metrics"`
	Circuit CircuitState    `json:"circuit"`
}

// entry owns the mutable state of one backend. Every mutation holds mu,
// so concurrent routes never lose updates for the same key.
type entry struct {
	backend backend.Backend
	profile backend.Profile

	mu      sync.Mutex
	metrics Metrics
	circuit CircuitState
}

func newEntry(b backend.Backend) *entry {
	return &entry{
		backend: b,
		profile: b.Profile(),
		metrics: Metrics{SuccessRate: 1.0, IsAvailable: true},
	}
}

// selectable reports whether the backend may be chosen now. An open circuit
// whose cooldown has elapsed is reset here.
func (e *entry) selectable(now time.Time, cooldown time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.metrics.IsAvailable {
		return false
	}
	if e.circuit.IsOpen {
		if now.Sub(e.circuit.LastFailure) < cooldown {
			return false
		}
		e.circuit = CircuitState{}
	}
	return true
}

func (e *entry) recordSuccess(now time.Time, latency time.Duration, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := &e.metrics
	ms := float64(latency) / float64(time.Millisecond)
	if m.TotalRequests == 0 || m.AvgResponseTimeMs == 0 {
		m.AvgResponseTimeMs = ms
		m.AvgCost = cost
	} else {
		m.AvgResponseTimeMs = m.AvgResponseTimeMs*0.8 + ms*0.2
		m.AvgCost = m.AvgCost*0.8 + cost*0.2
	}
	m.SuccessRate = m.SuccessRate*0.9 + 0.1
	m.ErrorRate = m.ErrorRate * 0.9
	m.TotalRequests++
	m.LastUsed = now

	e.circuit = CircuitState{}
}

// recordFailure returns true if this failure opened the circuit.
func (e *entry) recordFailure(now time.Time, threshold int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := &e.metrics
	m.SuccessRate = m.SuccessRate * 0.9
	m.ErrorRate = m.ErrorRate*0.9 + 0.1
	m.TotalRequests++
	m.LastUsed = now

	e.circuit.FailureCount++
	e.circuit.LastFailure = now
	if !e.circuit.IsOpen && e.circuit.FailureCount >= threshold {
		e.circuit.IsOpen = true
		return true
	}
	return false
}

func (e *entry) snapshot() BackendStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return BackendStatus{Profile: e.profile, Metrics: e.metrics, Circuit: e.circuit}
}

func (e *entry) setAvailable(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.IsAvailable = v
}

func (e *entry) resetCircuit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.circuit = CircuitState{}
}
