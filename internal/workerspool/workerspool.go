// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a pool of workers that executes submitted tasks in FIFO order,
// without ever blocking the submitter.
package workerspool

import "sync"

type Pool struct {
	// maxParallelism is the number of workers draining the queue.
	// If 0 tasks are executed inline, if < 0 each task gets its own goroutine.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever the pool becomes idle.
	queue      []func()
	numRunning int
	closed     bool
}

// NewWithParallelism returns a new Pool with the given number of workers.
// If 0, tasks run inline in Submit. If negative, each task runs in its own goroutine.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// Submit queues the task for execution and returns immediately, regardless of how many tasks are pending.
// Tasks start in the order they were submitted. With a single worker they also finish in that order.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
//
// It returns false, and the task is not executed, if the pool was closed.
func (w *Pool) Submit(task func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	switch {
	case w.maxParallelism == 0:
		w.numRunning++
		w.mu.Unlock()
		task()
		w.mu.Lock()
		w.numRunning--
		w.lockedSignalIfIdle()
		w.mu.Unlock()
		return true
	case w.maxParallelism < 0:
		w.numRunning++
		go w.worker(task)
	default:
		w.queue = append(w.queue, task)
		if w.numRunning < w.maxParallelism {
			w.numRunning++
			go w.worker(nil)
		}
	}
	w.mu.Unlock()
	return true
}

// worker runs first (if not nil), and then drains the queue until it is empty.
func (w *Pool) worker(first func()) {
	if first != nil {
		first()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.IsUnlimited() && len(w.queue) > 0 {
		task := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()
		task()
		w.mu.Lock()
	}
	w.numRunning--
	w.lockedSignalIfIdle()
}

// lockedSignalIfIdle wakes up the goroutines in Wait if there is nothing else to do.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedSignalIfIdle() {
	if w.numRunning == 0 && len(w.queue) == 0 {
		w.cond.Broadcast()
	}
}

// QueueDepth returns the number of tasks submitted and not yet started.
func (w *Pool) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Wait blocks until all submitted tasks finished.
func (w *Pool) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 || len(w.queue) > 0 {
		w.cond.Wait()
	}
}

// Close waits for all submitted tasks to finish, and rejects any further submission.
func (w *Pool) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.Wait()
}
