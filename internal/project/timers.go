package project

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ShayCichocki/crew/internal/events"
	"github.com/ShayCichocki/crew/pkg/models"
)

// armTimerLocked replaces the project's phase timer with one for phase,
// less the elapsed time already spent in it. Phases without a timeout leave
// no timer running.
func (m *Machine) armTimerLocked(pr *project, phase models.Phase, elapsed time.Duration) {
	if pr.timer != nil {
		pr.timer.Stop()
		pr.timer = nil
	}
	pr.timerSeq++
	if phase.IsTerminal() {
		m.stopTimersLocked(pr)
		return
	}

	d := pr.pc.Config.Timeouts[phase]
	if d <= 0 {
		return
	}
	if _, ok := failureEvents[phase]; !ok {
		return
	}
	d = max(d-elapsed, 0)
	id, seq := pr.pc.ProjectID, pr.timerSeq
	pr.timer = time.AfterFunc(d, func() { m.onTimeout(id, phase, seq) })
}

func (m *Machine) stopTimersLocked(pr *project) {
	pr.timerSeq++
	if pr.timer != nil {
		pr.timer.Stop()
		pr.timer = nil
	}
	if pr.debounce != nil {
		pr.debounce.Stop()
		pr.debounce = nil
	}
}

// onTimeout synthesizes the phase's failure event if the project is still
// in the phase the timer was armed for.
func (m *Machine) onTimeout(id string, phase models.Phase, seq uint64) {
	pr, err := m.get(id)
	if err != nil {
		return
	}
	pr.mu.Lock()
	current := pr.timerSeq == seq && !pr.deleted && pr.pc.CurrentPhase == phase
	pr.mu.Unlock()
	if !current {
		return
	}

	ev := failureEvents[phase]
	log.Printf("[project] %s: %s timed out, firing %s", id, phase, ev)
	m.events.Publish(events.Event{
		Type:      events.ProjectTimeout,
		ProjectID: id,
		From:      phase,
		Trigger:   string(ev),
		Timestamp: m.now(),
	})

	_, err = m.Transition(context.Background(), id, ev)
	if errors.Is(err, ErrProjectLocked) {
		pr.mu.Lock()
		if pr.timerSeq == seq && !pr.deleted {
			pr.timer = time.AfterFunc(m.cfg.LockedRetry, func() { m.onTimeout(id, phase, seq) })
		}
		pr.mu.Unlock()
		return
	}
	if err != nil {
		log.Printf("[project] %s: timeout transition %s: %v", id, ev, err)
	}
}

// scheduleCheck (re)starts the project's debounce timer.
func (m *Machine) scheduleCheck(id string) {
	pr, err := m.get(id)
	if err != nil {
		return
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.deleted || pr.pc.CurrentPhase.IsTerminal() || pr.pc.CurrentPhase == models.PhaseOnHold {
		return
	}
	if pr.debounce != nil {
		pr.debounce.Stop()
	}
	pr.debounce = time.AfterFunc(m.cfg.Debounce, func() { m.check(id) })
}

// nextEventLocked picks the event the project's state calls for, if any.
// Failure detection runs regardless of AutoAdvance; completion only with it.
func nextEventLocked(pc *models.ProjectContext) (models.ProjectEvent, bool) {
	switch pc.CurrentPhase {
	case models.PhaseDevelopment:
		if tasksUnreachable(pc) {
			return models.EventDevelopmentFailed, true
		}
	case models.PhaseReview:
		if pc.Config.AutoAdvance && reviewRejected(pc) {
			return models.EventReviewRejected, true
		}
	}
	if !pc.Config.AutoAdvance {
		return "", false
	}
	ev, ok := completionEvents[pc.CurrentPhase]
	return ev, ok
}

// check fires whatever event the project's current state calls for.
func (m *Machine) check(id string) {
	pr, err := m.get(id)
	if err != nil {
		return
	}
	pr.mu.Lock()
	if pr.deleted {
		pr.mu.Unlock()
		return
	}
	pr.debounce = nil
	ev, ok := nextEventLocked(pr.pc)
	if ok {
		if _, rerr := m.resolveLocked(pr.pc, ev); rerr != nil {
			ok = false
		}
	}
	pr.mu.Unlock()
	if !ok {
		return
	}

	_, err = m.Transition(context.Background(), id, ev)
	switch {
	case err == nil:
		log.Printf("[project] %s: auto-advanced on %s", id, ev)
	case errors.Is(err, ErrProjectLocked):
		m.scheduleCheck(id)
	case IsInvalidTransition(err):
		// State moved on between the check and the transition.
	default:
		log.Printf("[project] %s: auto-advance %s: %v", id, ev, err)
	}
}
