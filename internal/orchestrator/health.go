package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

const (
	overloadedAbove   = 0.8
	underloadedBelow  = 0.5
	maxMovesPerWorker = 2
)

type probeResult struct {
	entry *workerEntry
	ok    bool
	err   error
}

// CheckHealth probes every worker not in maintenance, concurrently. A
// failed probe takes the worker offline, a probe error marks it error, and a
// passing probe returns it to rotation.
func (p *WorkerPool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	var targets []*workerEntry
	for _, w := range p.sortedWorkers() {
		if w.status != models.WorkerStatusMaintenance {
			targets = append(targets, w)
		}
	}
	p.mu.Unlock()

	results := make([]probeResult, len(targets))
	var wg sync.WaitGroup
	for i, w := range targets {
		wg.Add(1)
		go func(i int, w *workerEntry) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
			defer cancel()
			ok, err := w.runner.Probe(pctx)
			results[i] = probeResult{entry: w, ok: ok, err: err}
		}(i, w)
	}
	wg.Wait()

	p.mu.Lock()
	now := p.now()
	for _, r := range results {
		w := r.entry
		if p.workers[w.cfg.ID] != w || w.status == models.WorkerStatusMaintenance {
			continue
		}
		w.health.LastCheck = now
		switch {
		case r.err != nil:
			w.health.IsHealthy = false
			w.health.ErrorCount++
			p.setStatusLocked(w, models.WorkerStatusError, r.err.Error())
			log.Printf("[pool] health probe for %s errored: %v", w.cfg.ID, r.err)
		case !r.ok:
			w.health.IsHealthy = false
			p.setStatusLocked(w, models.WorkerStatusOffline, "probe failed")
		default:
			w.health.IsHealthy = true
			w.lastPing = now
			if !w.inRotation() {
				p.setStatusLocked(w, w.loadStatus(), "probe passed")
			}
		}
	}
	p.drainLocked()
	p.unlockAndFlush()
}

// Rebalance moves up to two tasks from each worker above 80% load to a
// worker below 50% load that can handle them. Moves cancel the running
// attempt and restart the task on the target. It returns the number of
// tasks moved.
func (p *WorkerPool) Rebalance() int {
	p.mu.Lock()

	var over, under []*workerEntry
	for _, w := range p.sortedWorkers() {
		if !w.health.IsHealthy {
			continue
		}
		if w.inRotation() && w.load() > overloadedAbove {
			over = append(over, w)
		}
		if w.status == models.WorkerStatusAvailable && w.load() < underloadedBelow {
			under = append(under, w)
		}
	}

	moved := 0
	if len(under) > 0 {
		now := p.now()
		for _, src := range over {
			n := 0
			ids := append([]string(nil), src.taskIDs...)
			for i := len(ids) - 1; i >= 0 && n < maxMovesPerWorker; i-- {
				la := p.active[ids[i]]
				if la == nil || la.released {
					continue
				}
				dst, score := p.pickUnderloaded(under, src, la.task, now)
				if dst == nil {
					continue
				}
				p.releaseLocked(la, models.AssignmentCancelled)
				p.assignLocked(la.task, dst, score, la.a.RetryCount)
				log.Printf("[pool] rebalanced task %s from %s to %s", la.task.ID, src.cfg.ID, dst.cfg.ID)
				n++
				moved++
			}
		}
	}

	p.unlockAndFlush()
	return moved
}

func (p *WorkerPool) pickUnderloaded(under []*workerEntry, src *workerEntry, task *models.Task, now time.Time) (*workerEntry, float64) {
	var best *workerEntry
	var bestScore float64
	for _, w := range under {
		if w == src || w.load() >= underloadedBelow || !p.eligible(w, task, nil) {
			continue
		}
		s := p.score(w, task, now)
		if best == nil || s > bestScore {
			best, bestScore = w, s
		}
	}
	return best, bestScore
}

// GetPoolMetrics returns a snapshot of pool-wide counters.
func (p *WorkerPool) GetPoolMetrics() models.PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := models.PoolMetrics{
		TotalWorkers:      len(p.workers),
		ByStatus:          make(map[models.WorkerStatus]int),
		QueueDepth:        len(p.pending) + len(p.retrying),
		ActiveAssignments: len(p.active),
		CompletedTasks:    p.completed,
		FailedTasks:       p.failed,
		Timestamp:         p.now(),
	}

	healthy, timed := 0, 0
	var totalMs float64
	for _, w := range p.workers {
		m.ByStatus[w.status]++
		m.TotalWorkload += w.workload()
		m.TotalCapacity += w.capacity()
		if w.health.IsHealthy {
			healthy++
		}
		perf := w.runner.Performance()
		if perf.TasksCompleted+perf.TasksFailed > 0 {
			totalMs += perf.AvgResponseTimeMs
			timed++
		}
	}
	if m.TotalCapacity > 0 {
		m.UtilizationPct = float64(m.TotalWorkload) / float64(m.TotalCapacity) * 100
	}
	if timed > 0 {
		m.AvgResponseTimeMs = totalMs / float64(timed)
	}
	if m.TotalWorkers > 0 {
		m.PoolHealthPct = float64(healthy) / float64(m.TotalWorkers) * 100
	}
	return m
}
