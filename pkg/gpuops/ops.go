package gpuops

import (
	"unsafe"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/timeline"
	"github.com/pkg/errors"
)

// fusionAlignment is the alignment, in bytes, of each entry packed in a fusion buffer.
const fusionAlignment = 64

func alignUp(offset int) int {
	return (offset + fusionAlignment - 1) / fusionAlignment * fusionAlignment
}

// Op is the implementation of one collective for a class of devices.
type Op interface {
	// Name of the implementation, for logging.
	Name() string

	// Enabled returns whether the implementation can execute the batch.
	Enabled(entries []*TensorTableEntry, response *Response) bool

	// Execute issues the batch. It returns status.InProgress if the callbacks of the entries will be called
	// by the finalization of the batch, or the (synchronous) final status otherwise.
	Execute(entries []*TensorTableEntry, response *Response) status.Status
}

// OperationManager dispatches each response to the first enabled implementation of its collective.
type OperationManager struct {
	state *State
	ops   map[ResponseType][]Op
}

// NewOperationManager creates the manager with the device implementations of all collectives.
func NewOperationManager(state *State) *OperationManager {
	m := &OperationManager{state: state, ops: make(map[ResponseType][]Op)}
	m.Register(ResponseAllreduce, &AllreduceOp{gpuOp{state}})
	m.Register(ResponseAllgather, &AllgatherOp{gpuOp{state}})
	m.Register(ResponseBroadcast, &BroadcastOp{gpuOp{state}})
	m.Register(ResponseAlltoall, &AlltoallOp{gpuOp{state}})
	return m
}

// Register adds an implementation for the response type, with lower priority than the ones already registered.
func (m *OperationManager) Register(responseType ResponseType, op Op) {
	m.ops[responseType] = append(m.ops[responseType], op)
}

// ExecuteOperation executes the batch with the first enabled implementation.
//
// Error responses return their status, and join responses return OK, without any device work.
// If the returned status is not InProgress, the caller is responsible for calling the callbacks with it.
func (m *OperationManager) ExecuteOperation(entries []*TensorTableEntry, response *Response) status.Status {
	switch response.Type {
	case ResponseError:
		return response.Status()
	case ResponseJoin:
		return status.Ok()
	}
	if len(entries) == 0 {
		return status.InvalidArgumentf("%s with no entries", response.Type)
	}
	for _, op := range m.ops[response.Type] {
		if op.Enabled(entries, response) {
			return op.Execute(entries, response)
		}
	}
	return status.PreconditionErrorf("no implementation of %s enabled for device %d", response.Type, entries[0].Device)
}

// gpuOp is the common part of the device implementations.
type gpuOp struct {
	state *State
}

// hostActivity runs fn, which executes on the host, as the timeline activity of the entries.
func (op *gpuOp) hostActivity(entries []*TensorTableEntry, activity string, fn func() error) error {
	tl := op.state.timeline
	if !tl.Initialized() {
		return fn()
	}
	names := entryNames(entries)
	tl.ActivityStartAll(names, activity)
	defer tl.ActivityEndAll(names)
	return fn()
}

// Enabled returns true if the entries are on a device, as opposed to host memory.
func (op *gpuOp) Enabled(entries []*TensorTableEntry, _ *Response) bool {
	return len(entries) > 0 && entries[0].Device != backends.CPUDevice
}

// memcpy is a pending copy of src to dst.
type memcpy struct {
	dst, src []byte
}

// sameMemory returns whether a and b start at the same address.
func sameMemory(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && unsafe.SliceData(a) == unsafe.SliceData(b)
}

// parallelCopies issues the copies spread over the auxiliary streams, and makes the batch stream wait for all of them.
// The copies start after the work already enqueued on the batch stream.
func (op *gpuOp) parallelCopies(c *OpContext, copies []memcpy) error {
	backend := op.state.backend
	if op.state.config.NumAuxStreams == 0 || len(copies) < 2 {
		for _, cp := range copies {
			if len(cp.src) == 0 {
				continue
			}
			if err := backend.MemcpyAsync(cp.dst, cp.src, c.stream); err != nil {
				return err
			}
		}
		return nil
	}

	ready, err := backend.EventRecord(c.stream)
	if err != nil {
		return err
	}
	defer backend.EventRelease(ready)
	var used []backends.Stream
	waiting := make(map[backends.Stream]bool)
	for ii, cp := range copies {
		if len(cp.src) == 0 {
			continue
		}
		aux, err := c.AuxStream(ii)
		if err != nil {
			return err
		}
		if !waiting[aux] {
			if err := backend.StreamWaitEvent(aux, ready); err != nil {
				return err
			}
			waiting[aux] = true
			used = append(used, aux)
		}
		if err := backend.MemcpyAsync(cp.dst, cp.src, aux); err != nil {
			return err
		}
	}
	for _, aux := range used {
		done, err := backend.EventRecord(aux)
		if err != nil {
			return err
		}
		err = backend.StreamWaitEvent(c.stream, done)
		backend.EventRelease(done)
		if err != nil {
			return err
		}
	}
	return nil
}

// copyIntoStaging copies the input of the entry into the fusion buffer at destOffset.
func (op *gpuOp) copyIntoStaging(e *TensorTableEntry, buf []byte, destOffset int) memcpy {
	size := e.Tensor.Size()
	e.InputOffset = destOffset
	return memcpy{dst: buf[destOffset : destOffset+size], src: e.Tensor.Data()[:size]}
}

// copyOutOfStaging copies length bytes of the fusion buffer at srcOffset into the output of the entry at resultOffset.
func (op *gpuOp) copyOutOfStaging(buf []byte, srcOffset int, e *TensorTableEntry, resultOffset, length int) memcpy {
	e.OutputOffset = srcOffset
	return memcpy{dst: e.Output.Data()[resultOffset : resultOffset+length], src: buf[srcOffset : srcOffset+length]}
}

// scaleBuffer multiplies numElements of src by factor into dst, on the batch stream.
// A factor of 1.0 is an exact copy, or nothing if src and dst are the same buffer.
func (op *gpuOp) scaleBuffer(c *OpContext, factor float64, dtype dtypes.DType, src, dst []byte, numElements int) error {
	if numElements == 0 {
		return nil
	}
	numBytes := numElements * dtype.Size()
	if factor == 1.0 {
		if sameMemory(src, dst) {
			return nil
		}
		return op.state.backend.MemcpyAsync(dst[:numBytes], src[:numBytes], c.stream)
	}
	if dtype == dtypes.Bool {
		return status.InvalidArgumentf("can't scale tensors of dtype %s", dtype)
	}
	if err := op.state.backend.ScaleBufferAsync(src, dst, numElements, factor, dtype, c.stream); err != nil {
		return errors.WithMessagef(err, "scaling by %g", factor)
	}
	return c.RecordEvent(timeline.Scale)
}

// fail finalizes the batch with err: the callbacks get the error once the work already issued completes.
func fail(c *OpContext, entries []*TensorTableEntry, err error) status.Status {
	return c.Finalize(entries, true, func() error { return err })
}
