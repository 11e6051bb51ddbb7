package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter is a bounded, non-blocking event queue. When full, it discards the
// oldest droppable event to make room. Non-droppable events are never
// discarded; the queue grows past its bound instead.
type Emitter struct {
	mu       sync.Mutex
	queue    []Event
	capacity int
	closed   bool
	notify   chan struct{}

	droppedCount atomic.Uint64
	now          func() time.Time
}

// NewEmitter creates an Emitter that holds up to capacity events.
func NewEmitter(capacity int) *Emitter {
	if capacity < 1 {
		capacity = 1
	}
	return &Emitter{
		queue:    make([]Event, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Publish enqueues an event without blocking.
func (e *Emitter) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.queue) >= e.capacity {
		if !e.dropOldestDroppable() {
			if ev.Droppable() {
				e.mu.Unlock()
				e.recordDrop(ev)
				return
			}
			log.Printf("[events] queue over capacity (%d), keeping %s", e.capacity, ev.Type)
		}
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// dropOldestDroppable must be called with lock held.
func (e *Emitter) dropOldestDroppable() bool {
	for i, q := range e.queue {
		if q.Droppable() {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			e.recordDrop(q)
			return true
		}
	}
	return false
}

func (e *Emitter) recordDrop(ev Event) {
	count := e.droppedCount.Add(1)
	if count%10 == 1 {
		log.Printf("[events] WARNING: queue full, dropped event (total dropped: %d): type=%s", count, ev.Type)
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Len returns the number of queued events.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Next blocks until an event is available, the emitter is closed and
// drained, or ctx ends. The boolean is false when no event was returned.
func (e *Emitter) Next(ctx context.Context) (Event, bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			ev := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return ev, true
		}
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-e.notify:
		}
	}
}

// Run delivers queued events to sink until ctx ends or the emitter is closed
// and drained.
func (e *Emitter) Run(ctx context.Context, sink Publisher) {
	for {
		ev, ok := e.Next(ctx)
		if !ok {
			return
		}
		sink.Publish(ev)
	}
}

// Close stops accepting events. Queued events can still be read.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}
