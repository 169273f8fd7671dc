package tensors

import (
	"sync"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Context implements framework.OpContext for tensors on one device of a backend.
// It can be shared by any number of requests on that device.
type Context struct {
	backend backends.Backend
	device  backends.DeviceNum

	mu     sync.Mutex
	stream backends.Stream // Used to zero memory, created on first use.
}

// Compile-time check.
var _ framework.OpContext = (*Context)(nil)

// NewContext returns a context that allocates on the device of backend.
// If device is backends.CPUDevice, it allocates host memory, and backend may be nil.
func NewContext(backend backends.Backend, device backends.DeviceNum) *Context {
	return &Context{backend: backend, device: device}
}

// Device of the context.
func (ctx *Context) Device() backends.DeviceNum { return ctx.device }

// Backend of the context.
func (ctx *Context) Backend() backends.Backend { return ctx.backend }

// Framework implements framework.OpContext.
func (ctx *Context) Framework() framework.Framework { return framework.Go }

func (ctx *Context) malloc(size int) ([]byte, error) {
	if ctx.device == backends.CPUDevice {
		return make([]byte, size), nil
	}
	return ctx.backend.Malloc(ctx.device, size)
}

// AllocatePersistent implements framework.OpContext.
func (ctx *Context) AllocatePersistent(size int) (framework.PersistentBuffer, error) {
	data, err := ctx.malloc(size)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating persistent buffer of %d bytes", size)
	}
	return &PersistentBuffer{ctx: ctx, data: data}, nil
}

// AllocateOutput implements framework.OpContext.
func (ctx *Context) AllocateOutput(shape shapes.Shape) (framework.Tensor, error) {
	return FromShape(ctx, shape)
}

// AllocateZeros implements framework.OpContext.
// It blocks until the zeroing of the device memory finishes.
func (ctx *Context) AllocateZeros(numElements int, dtype dtypes.DType) (framework.Tensor, error) {
	t, err := FromShape(ctx, shapes.Make(dtype, numElements))
	if err != nil {
		return nil, err
	}
	if ctx.device == backends.CPUDevice || len(t.data) == 0 {
		return t, nil
	}
	stream, err := ctx.zeroingStream()
	if err != nil {
		_ = t.Finalize()
		return nil, err
	}
	if err = ctx.backend.MemsetAsync(t.data, 0, stream); err == nil {
		var event backends.Event
		event, err = ctx.backend.EventRecord(stream)
		if err == nil {
			err = ctx.backend.EventSynchronize(event)
			ctx.backend.EventRelease(event)
		}
	}
	if err != nil {
		_ = t.Finalize()
		return nil, errors.WithMessagef(err, "zeroing %d elements of %s", numElements, dtype)
	}
	return t, nil
}

func (ctx *Context) zeroingStream() (backends.Stream, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.stream == nil {
		stream, err := ctx.backend.StreamCreate(ctx.device)
		if err != nil {
			return nil, err
		}
		ctx.stream = stream
	}
	return ctx.stream, nil
}

// Close releases the resources of the context. Tensors allocated with it are not affected.
func (ctx *Context) Close() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.stream == nil {
		return nil
	}
	err := ctx.backend.StreamDestroy(ctx.stream)
	ctx.stream = nil
	return err
}

// PersistentBuffer implements framework.PersistentBuffer.
type PersistentBuffer struct {
	ctx *Context

	mu       sync.Mutex
	data     []byte
	released bool
}

// AccessData implements framework.PersistentBuffer.
func (b *PersistentBuffer) AccessData(_ framework.OpContext) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// IsReleased returns whether Release was called.
func (b *PersistentBuffer) IsReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Release implements framework.PersistentBuffer.
func (b *PersistentBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return errors.New("persistent buffer released twice")
	}
	b.released = true
	data := b.data
	b.data = nil
	if b.ctx.device == backends.CPUDevice {
		return nil
	}
	return b.ctx.backend.Free(b.ctx.device, data)
}

// ReadyEvent implements framework.ReadyEvent with an event recorded on the stream producing a tensor.
type ReadyEvent struct {
	backend backends.Backend
	event   backends.Event
}

// NewReadyEvent records an event on stream: the tensors produced by work enqueued so far on the stream
// are ready when it completes.
func NewReadyEvent(backend backends.Backend, stream backends.Stream) (*ReadyEvent, error) {
	event, err := backend.EventRecord(stream)
	if err != nil {
		return nil, err
	}
	return &ReadyEvent{backend: backend, event: event}, nil
}

// Ready implements framework.ReadyEvent.
// A failed event is considered ready: the failure is reported by the collective itself.
func (e *ReadyEvent) Ready() bool {
	done, _ := e.backend.EventQuery(e.event)
	return done
}
