// Package orchestrator runs the worker pool: it tracks registered workers,
// matches submitted tasks to the best-fit available worker, executes them
// concurrently, and handles health checks, retries, and rebalancing.
//
// Every registered worker is backed by a TaskRunner (normally an
// agent.Executor). Assignment, completion, and cancellation all go through
// the pool's lock so a worker's workload never exceeds its capacity, and a
// cancelled assignment releases its slot exactly once.
//
// Example usage:
//
//	pool := orchestrator.NewWorkerPool(orchestrator.DefaultPoolConfig(),
//		orchestrator.WithRunnerFactory(factory),
//		orchestrator.WithEvents(bus))
//	pool.Start(ctx)
//	defer pool.Stop()
//	pool.RegisterWorker(cfg)
//	assignment, err := pool.Submit(task)
package orchestrator
