package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/crew/pkg/models"
)

// Persister receives fire-and-forget writes of pool state. The pool never
// reads its own writes back; in-memory state stays authoritative.
type Persister interface {
	SaveWorker(ctx context.Context, w models.Worker) error
	DeleteWorker(ctx context.Context, workerID string) error
	SaveTask(ctx context.Context, t *models.Task) error
	SaveAssignment(ctx context.Context, a models.TaskAssignment) error
}

type persistOp struct {
	name string
	fn   func(context.Context, Persister) error
}

// persistQueue applies writes in submission order on one goroutine so a
// slow store never stalls assignment.
type persistQueue struct {
	store Persister

	mu     sync.Mutex
	ops    []persistOp
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newPersistQueue(store Persister) *persistQueue {
	q := &persistQueue{
		store:  store,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *persistQueue) enqueue(name string, fn func(context.Context, Persister) error) {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.ops = append(q.ops, persistOp{name: name, fn: fn})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *persistQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.ops
		q.ops = nil
		closed := q.closed
		q.mu.Unlock()

		for _, op := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := op.fn(ctx, q.store); err != nil {
				log.Printf("[pool] persist %s: %v", op.name, err)
			}
			cancel()
		}

		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-q.notify
		}
	}
}

// close flushes pending writes and stops the queue.
func (q *persistQueue) close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()
	if !already {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	<-q.done
}

func (p *WorkerPool) persistWorker(w models.Worker) {
	p.persist.enqueue("worker "+w.ID(), func(ctx context.Context, s Persister) error {
		return s.SaveWorker(ctx, w)
	})
}

func (p *WorkerPool) persistWorkerRemoval(id string) {
	p.persist.enqueue("worker removal "+id, func(ctx context.Context, s Persister) error {
		return s.DeleteWorker(ctx, id)
	})
}

func (p *WorkerPool) persistTask(t *models.Task) {
	snap := t.Clone()
	p.persist.enqueue("task "+t.ID, func(ctx context.Context, s Persister) error {
		return s.SaveTask(ctx, snap)
	})
}

func (p *WorkerPool) persistAssignment(a models.TaskAssignment) {
	p.persist.enqueue("assignment "+a.ID, func(ctx context.Context, s Persister) error {
		return s.SaveAssignment(ctx, a)
	})
}
