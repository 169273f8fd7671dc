package collectives

import (
	"sync"
	"time"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/controller"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/gomlx/collectives/pkg/gpuops"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/gomlx/collectives/pkg/timeline"
	"k8s.io/klog/v2"
)

// Engine of one rank: it accepts the rank's requests, and runs a background loop that negotiates them
// with the other ranks and executes the agreed batches on the rank's device.
//
// All methods are safe for concurrent use.
type Engine struct {
	world *World
	rank  int

	// wake the background loop before its next cycle.
	wake chan struct{}
	quit *xsync.Latch
	done *xsync.Latch

	mu          sync.Mutex
	initialized bool
	stopped     bool
	localRank   int
	device      backends.DeviceNum
	ctx         *tensors.Context
	state       *gpuops.State
	ops         *gpuops.OperationManager
	controller  *controller.Controller
	timeline    timeline.Timeline
	recorder    *timeline.Recorder
}

func newEngine(w *World, rank int) *Engine {
	return &Engine{
		world:    w,
		rank:     rank,
		wake:     make(chan struct{}, 1),
		quit:     xsync.NewLatch(),
		done:     xsync.NewLatch(),
		timeline: timeline.Noop{},
	}
}

// Init the engine: it selects the device of the rank and starts the background loop.
// Calling it on an initialized engine is a no-op.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.world.IsShutdown() {
		return status.Abortedf("rank %d of world %s was shut down", e.rank, e.world.id)
	}
	if e.initialized {
		return nil
	}
	config := e.world.config
	backend := e.world.backend
	e.localRank = e.rank % config.localSize()
	e.device = backends.DeviceNum(e.localRank % backend.NumDevices())
	if err := backend.SetDevice(e.device); err != nil {
		return status.PreconditionErrorf("rank %d failed to select device %d: %v", e.rank, e.device, err)
	}
	if config.Timeline {
		e.recorder = timeline.NewRecorder(klog.V(2).Enabled())
		e.timeline = e.recorder
	}
	state, err := gpuops.NewState(config.opsConfig(), backend, e.world.group.Communicator(e.rank, backend), e.timeline)
	if err != nil {
		return status.FromErrorWithType(err, status.PreconditionError)
	}
	e.state = state
	e.ops = gpuops.NewOperationManager(state)
	e.ctx = tensors.NewContext(backend, e.device)
	e.controller = controller.New(e.rank, e.world.hub, e.timeline)
	e.initialized = true
	go e.loop()
	klog.V(1).Infof("collectives: rank %d (local rank %d) initialized on device %d", e.rank, e.localRank, e.device)
	return nil
}

// running returns whether the engine is initialized and not shut down. It must be called with e.mu held.
func (e *Engine) running() bool {
	return e.initialized && !e.stopped
}

func (e *Engine) uninitialized() status.Status {
	if e.stopped {
		return status.Uninitializedf("rank %d was shut down", e.rank)
	}
	return status.Uninitializedf("rank %d not initialized, call Init first", e.rank)
}

// Rank returns the rank of the engine in the world.
func (e *Engine) Rank() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running() {
		return -1, e.uninitialized()
	}
	return e.rank, nil
}

// Size returns the number of ranks in the world.
func (e *Engine) Size() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running() {
		return -1, e.uninitialized()
	}
	return e.world.config.Size, nil
}

// LocalRank returns the rank of the engine among the ranks of its node.
func (e *Engine) LocalRank() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running() {
		return -1, e.uninitialized()
	}
	return e.localRank, nil
}

// LocalSize returns the number of ranks in the node of the engine.
func (e *Engine) LocalSize() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running() {
		return -1, e.uninitialized()
	}
	return e.world.config.localSize(), nil
}

// Device used by the engine. Only valid after Init.
func (e *Engine) Device() backends.DeviceNum {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Context allocates tensors on the device of the engine. It's nil before Init.
func (e *Engine) Context() *tensors.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// State returns the device execution state of the engine. It's nil before Init.
func (e *Engine) State() *gpuops.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Timeline returns the timeline recorded by the engine, or nil if Config.Timeline is not set.
func (e *Engine) Timeline() *timeline.Recorder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorder
}

// NumPending returns the number of requests of the rank not yet executed.
func (e *Engine) NumPending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.controller == nil {
		return 0
	}
	return e.controller.NumPending()
}

// loop is the background loop of the rank: it runs a cycle every CycleTime, or earlier if woken up.
func (e *Engine) loop() {
	defer e.done.Trigger()
	if err := e.world.backend.SetDevice(e.device); err != nil {
		klog.Errorf("collectives: rank %d failed to select device %d: %v", e.rank, e.device, err)
	}
	ticker := time.NewTicker(e.world.config.CycleTime)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit.WaitChan():
			for _, response := range e.world.hub.Drain(e.rank) {
				e.performOperation(response)
			}
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.runCycle()
	}
}

// wakeUp the background loop, if it's not already scheduled to run.
func (e *Engine) wakeUp() {
	xsync.SendNoBlock(e.wake, struct{}{})
}

// runCycle submits the ready requests and executes the responses received.
func (e *Engine) runCycle() {
	responses, err := e.controller.ComputeResponseList()
	if err != nil {
		if status.FromError(err).Type != status.Aborted {
			klog.Errorf("collectives: rank %d failed to negotiate requests: %+v", e.rank, err)
		}
		return
	}
	for _, response := range responses {
		e.performOperation(response)
	}
}

// performOperation executes one response on this rank. The callbacks of the entries are called by the
// finalizer, or here if the response completes (or fails) synchronously.
func (e *Engine) performOperation(response *gpuops.Response) {
	klog.V(2).Infof("collectives: rank %d executing %s", e.rank, response)
	entries, err := e.controller.GetEntries(response)
	if err != nil {
		// This rank can't take part in the collective, the others would wait for it forever.
		st := status.Abortedf("rank %d can't execute %s: %v", e.rank, response.Type, err)
		klog.Errorf("collectives: %v", st)
		e.world.group.Abort(st)
		e.finish(entries, st)
		return
	}
	if len(entries) == 0 {
		return
	}
	st := e.ops.ExecuteOperation(entries, response)
	if !st.IsInProgress() {
		e.finish(entries, st)
	}
}

// finish calls the callbacks of the entries with st.
func (e *Engine) finish(entries []*gpuops.TensorTableEntry, st status.Status) {
	for _, entry := range entries {
		size := 0
		if st.IsOk() && entry.Output != nil {
			size = entry.Output.Size()
		}
		e.timeline.End(entry.TensorName, size)
		gpuops.InvokeCallback(entry, st)
	}
}

// stop the background loop, once it executed the responses delivered to the rank, and waits for
// the batches in flight to finalize.
func (e *Engine) stop() {
	e.mu.Lock()
	wasRunning := e.running()
	e.stopped = true
	e.mu.Unlock()
	if !wasRunning {
		return
	}
	e.quit.Trigger()
	e.done.Wait()
	if err := e.state.Close(); err != nil {
		klog.Warningf("collectives: rank %d: %v", e.rank, err)
	}
}

// abortPending fails every request of the rank not yet executed, and releases the engine resources.
// It must be called after stop.
func (e *Engine) abortPending(st status.Status) {
	e.mu.Lock()
	c, ctx := e.controller, e.ctx
	e.mu.Unlock()
	if c == nil {
		return
	}
	aborted := c.AbortAll()
	if len(aborted) > 0 {
		klog.V(1).Infof("collectives: rank %d aborting %d pending requests", e.rank, len(aborted))
	}
	e.finish(aborted, st)
	if err := ctx.Close(); err != nil {
		klog.Warningf("collectives: rank %d: %v", e.rank, err)
	}
}
