// Package executor provides a small bounded worker pool used to dispatch
// callback tasks (fill-interest completions, write completions, handshake
// listener notifications) off of whatever goroutine currently holds a
// session lock. A session lock is held across each adapter operation but
// never across user-code callbacks; those always run here.
package executor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work dispatched by the executor.
type Task func()

// Executor is a bounded pool of goroutines draining a task queue.
type Executor struct {
	tasks    chan Task
	group    *errgroup.Group
	groupCtx context.Context
	stopped  int32
}

// New starts an Executor with the given number of worker goroutines and
// task queue depth. workers and queueDepth are both clamped to at least 1.
func New(workers, queueDepth int) *Executor {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}

	group, ctx := errgroup.WithContext(context.Background())
	e := &Executor{
		tasks:    make(chan Task, queueDepth),
		group:    group,
		groupCtx: ctx,
	}

	for i := 0; i < workers; i++ {
		group.Go(e.runWorker)
	}

	return e
}

func (e *Executor) runWorker() error {
	for {
		select {
		case task, ok := <-e.tasks:
			if !ok {
				return nil
			}
			task()
		case <-e.groupCtx.Done():
			return nil
		}
	}
}

// Submit enqueues task for asynchronous execution. If every worker is busy
// and the queue is full, Submit spawns a one-off goroutine rather than
// blocking the caller; callers of Submit are typically holding (or have
// just released) a session lock and must never block on scheduling.
func (e *Executor) Submit(task Task) {
	if atomic.LoadInt32(&e.stopped) != 0 {
		go task()

		return
	}

	select {
	case e.tasks <- task:
	default:
		go task()
	}
}

// Stop closes the task queue and waits for in-flight tasks to drain, or
// for ctx to be canceled, whichever comes first. After Stop returns,
// Submit falls back to spawning ad-hoc goroutines instead of enqueuing.
func (e *Executor) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.stopped, 0, 1) {
		return nil
	}
	close(e.tasks)

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
