package gpuops

import (
	"time"

	"github.com/gomlx/collectives/internal/workerspool"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/support/xsync"
	catrate "github.com/joeycumines/go-catrate"
	"k8s.io/klog/v2"
)

// Finalizer runs the finalization of the batches in a fixed pool of background workers: waiting for the
// device work to complete, releasing the resources of the batch, and calling the callbacks.
//
// Submission never blocks and the queue is not bounded. A warning is logged (at most once a minute)
// when the queue grows beyond the configured depth.
type Finalizer struct {
	pool      *workerspool.Pool
	warnDepth int
	limiter   *catrate.Limiter
	inFlight  *xsync.DynamicWaitGroup
}

// NewFinalizer creates a finalizer with the given number of workers.
// If warnDepth > 0, a warning is logged when more than warnDepth tasks are waiting.
func NewFinalizer(numWorkers, warnDepth int) *Finalizer {
	return &Finalizer{
		pool:      workerspool.NewWithParallelism(max(numWorkers, 1)),
		warnDepth: warnDepth,
		limiter:   catrate.NewLimiter(map[time.Duration]int{time.Minute: 1}),
		inFlight:  xsync.NewDynamicWaitGroup(),
	}
}

// Submit a finalization task. It returns an Aborted status if the finalizer was closed.
func (f *Finalizer) Submit(task func()) error {
	if f.warnDepth > 0 {
		if depth := f.pool.QueueDepth(); depth >= f.warnDepth {
			if _, ok := f.limiter.Allow("queue_depth"); ok {
				klog.Warningf("gpuops: %d batches waiting for finalization (device work is slower than it's issued, "+
					"or callbacks are slow)", depth)
			}
		}
	}
	f.inFlight.Add(1)
	ok := f.pool.Submit(func() {
		defer f.inFlight.Done()
		task()
	})
	if !ok {
		f.inFlight.Done()
		return status.Abortedf("finalizer already closed")
	}
	return nil
}

// QueueDepth returns the number of tasks waiting for a worker.
func (f *Finalizer) QueueDepth() int { return f.pool.QueueDepth() }

// NumPending returns the number of tasks submitted and not yet completed.
func (f *Finalizer) NumPending() int { return f.inFlight.Count() }

// Wait for all tasks submitted so far to complete, including those submitted while waiting.
func (f *Finalizer) Wait() { f.inFlight.Wait() }

// Close waits for the pending tasks, and rejects new ones.
func (f *Finalizer) Close() { f.pool.Close() }
