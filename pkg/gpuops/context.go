package gpuops

import (
	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/timeline"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OpContext is the execution context of one batch: it selects the stream, owns the event queue,
// the reference to the fusion buffer and the host scratch buffer of the batch, and hands them
// to the Finalizer.
//
// It's created per batch and must not be reused.
type OpContext struct {
	state  *State
	device backends.DeviceNum

	begun      bool
	generation int
	slot       int
	stream     backends.Stream
	zeroLength bool

	events       EventQueue
	fusionBuffer *FusionBuffer
	hostBuffer   *[]byte
}

// NewOpContext creates the execution context of a new batch.
func NewOpContext(state *State) *OpContext {
	return &OpContext{state: state, slot: -1}
}

// Begin selects the slot of the batch, and the stream for (current generation, slot).
//
// The slot is the dedicated reduction slot if useDedicatedSlot, the next slot of the rotating
// assignment table if isReduction, and the device of the entries otherwise.
func (c *OpContext) Begin(entries []*TensorTableEntry, isReduction, useDedicatedSlot bool) (backends.Stream, int, error) {
	if len(entries) == 0 {
		return nil, -1, status.InvalidArgumentf("empty batch")
	}
	if c.begun {
		return nil, -1, errors.New("OpContext.Begin called twice")
	}
	c.device = entries[0].Device
	if err := c.state.backend.SetDevice(c.device); err != nil {
		return nil, -1, status.PreconditionErrorf("failed to select device %d: %v", c.device, err)
	}
	c.generation, c.slot = c.state.selectSlot(c.device, isReduction, useDedicatedSlot)
	stream, err := c.state.streams.GetOrCreateStream(c.generation, c.slot, c.device)
	if err != nil {
		return nil, -1, err
	}
	c.stream = stream
	c.begun = true
	return stream, c.slot, nil
}

// BeginQueue is like Begin, and also records the QUEUE marker (if the timeline is recording) and
// publishes the selected slot in the State.
//
// Batches without data (zero-length) don't record any device event.
func (c *OpContext) BeginQueue(entries []*TensorTableEntry, response *Response, isReduction, useDedicatedSlot bool) error {
	if _, _, err := c.Begin(entries, isReduction, useDedicatedSlot); err != nil {
		return err
	}
	c.zeroLength = isZeroLength(entries, response)
	c.events = EventQueue{}
	if err := c.RecordEvent(timeline.Queue); err != nil {
		return err
	}
	c.state.publishSlot(c.slot)
	klog.V(2).Infof("gpuops: %s on device %d, generation %d, slot %d", response, c.device, c.generation, c.slot)
	return nil
}

// isZeroLength returns whether the batch has no data to move on any rank.
func isZeroLength(entries []*TensorTableEntry, response *Response) bool {
	if response.Type == ResponseAllgather {
		for ii, e := range entries {
			if e.Tensor.Shape().RowSize() == 0 {
				continue
			}
			numRanks := len(response.TensorSizes) / len(entries)
			for _, size := range response.TensorSizes[ii*numRanks : (ii+1)*numRanks] {
				if size > 0 {
					return false
				}
			}
		}
		return true
	}
	if response.Type == ResponseAlltoall {
		// The other ranks may send data even if this one doesn't.
		return false
	}
	for _, e := range entries {
		if e.Tensor.Size() > 0 {
			return false
		}
	}
	return true
}

// Stream of the batch.
func (c *OpContext) Stream() backends.Stream { return c.stream }

// Slot of the batch, or -1 if it didn't begin.
func (c *OpContext) Slot() int { return c.slot }

// Generation of the batch.
func (c *OpContext) Generation() int { return c.generation }

// Device of the batch.
func (c *OpContext) Device() backends.DeviceNum { return c.device }

// IsZeroLength returns whether the batch has no data: no device work is issued for it.
func (c *OpContext) IsZeroLength() bool { return c.zeroLength }

// Events returns the event queue of the batch.
func (c *OpContext) Events() *EventQueue { return &c.events }

// RecordEvent records a named marker on the stream of the batch. Named markers are only recorded if the
// timeline is recording, and nothing is recorded for zero-length batches.
func (c *OpContext) RecordEvent(name string) error {
	if c.zeroLength || (name != "" && !c.state.timeline.Initialized()) {
		return nil
	}
	return c.events.record(c.state.backend, name, c.stream)
}

// AuxStream returns the n-th auxiliary stream of the current generation, used to issue work in parallel
// with the batch stream. Aux slots follow the dedicated reduction slot.
func (c *OpContext) AuxStream(n int) (backends.Stream, error) {
	numAux := c.state.config.NumAuxStreams
	if numAux == 0 {
		return c.stream, nil
	}
	slot := c.state.config.DedicatedSlot + 1 + n%numAux
	return c.state.streams.GetOrCreateStream(c.generation, slot, c.device)
}

// FusionBuffer returns the fusion buffer of the batch, with at least minSize bytes. The stream of the batch
// is ordered after the previous batch that used the same buffer.
//
// The batch holds a reference to the buffer until its finalization.
func (c *OpContext) FusionBuffer(entries []*TensorTableEntry, minSize int) (*FusionBuffer, error) {
	if c.fusionBuffer != nil && c.fusionBuffer.Size() >= minSize {
		return c.fusionBuffer, nil
	}
	ctx := entries[0].Context
	if err := c.state.fusion.InitializeBuffer(minSize, c.device, ctx, c.generation); err != nil {
		return nil, err
	}
	fb := c.state.fusion.GetBuffer(c.device, ctx.Framework(), c.generation)
	if fb == nil {
		return nil, status.PreconditionErrorf("fusion buffer for device %d, generation %d not found", c.device, c.generation)
	}
	if err := fb.waitFence(c.stream); err != nil {
		_ = fb.Release()
		return nil, err
	}
	if c.fusionBuffer != nil {
		_ = c.fusionBuffer.Release()
	}
	c.fusionBuffer = fb
	return fb, nil
}

// HostBuffer returns a host scratch buffer of size bytes, owned by the batch. It's returned to the pool
// by the finalization if freeHostBuffer is requested.
func (c *OpContext) HostBuffer(size int) []byte {
	if c.hostBuffer != nil && len(*c.hostBuffer) == size {
		return *c.hostBuffer
	}
	c.releaseHostBuffer()
	c.hostBuffer = c.state.hostBufferPool(size).Get().(*[]byte)
	c.state.hostBuffersInUse.Add(1)
	return *c.hostBuffer
}

func (c *OpContext) releaseHostBuffer() {
	if c.hostBuffer == nil {
		return
	}
	c.state.hostBufferPool(len(*c.hostBuffer)).Put(c.hostBuffer)
	c.state.hostBuffersInUse.Add(-1)
	c.hostBuffer = nil
}

// Finalize records the final marker of the batch and submits its finalization to the Finalizer. It never
// blocks: it returns status.InProgress, and the callbacks of the entries are called once the device work
// of the batch is done, with the first device error or the error returned by errorCheck (if not nil).
//
// It advances the stream generation, once per batch.
func (c *OpContext) Finalize(entries []*TensorTableEntry, freeHostBuffer bool, errorCheck func() error) status.Status {
	if !c.begun {
		return status.PreconditionErrorf("OpContext.Finalize called before Begin")
	}
	state := c.state
	var issueErr error
	if !c.zeroLength {
		if c.fusionBuffer != nil {
			issueErr = c.fusionBuffer.setFence(c.stream)
		}
		if err := c.RecordEvent(""); err != nil && issueErr == nil {
			issueErr = err
		}
	}

	// Captured by value: the context is not used after this point.
	events := c.events.take()
	fb := c.fusionBuffer
	c.fusionBuffer = nil
	var hostBuffer *[]byte
	if freeHostBuffer {
		hostBuffer = c.hostBuffer
		c.hostBuffer = nil
	}
	device := c.device
	names := entryNames(entries)

	task := func() {
		backend := state.backend
		if err := backend.SetDevice(device); err != nil {
			klog.Warningf("gpuops: finalizer failed to select device %d: %v", device, err)
		}
		err := waitForEvents(backend, events, names, state.timeline, errorCheck)
		if issueErr != nil {
			err = issueErr
		}
		if hostBuffer != nil {
			state.hostBufferPool(len(*hostBuffer)).Put(hostBuffer)
			state.hostBuffersInUse.Add(-1)
		}
		if fb != nil {
			if releaseErr := fb.Release(); releaseErr != nil {
				klog.Warningf("gpuops: %v", releaseErr)
			}
		}
		st := status.FromError(err)
		if st.IsError() {
			klog.V(1).Infof("gpuops: batch %v failed: %v", names, st)
		}
		for _, e := range entries {
			size := 0
			if e.Output != nil {
				size = e.Output.Size()
			}
			state.timeline.End(e.TensorName, size)
			InvokeCallback(e, st)
		}
	}
	if err := state.finalizer.Submit(task); err != nil {
		// Finalizer closed: wait for the batch here, the engine is shutting down.
		klog.Warningf("gpuops: %v, finalizing batch %v synchronously", err, names)
		task()
	}
	state.advanceGeneration()
	return status.InProgressStatus()
}

// InvokeCallback calls the callback of the entry, if any. Panics are logged and discarded.
func InvokeCallback(e *TensorTableEntry, st status.Status) {
	if e.Callback == nil {
		return
	}
	if exception := exceptions.Try(func() { e.Callback(st) }); exception != nil {
		klog.Errorf("gpuops: callback of %q panicked: %v", e.TensorName, exception)
	}
}
