// Package tensors implements the Go-native framework adapter: a Tensor type backed by device memory
// of a backend, and a Context implementing framework.OpContext.
//
// Tensors are created on the device of a Context, either from Go data or with a given shape:
//
//	ctx := tensors.NewContext(backend, 0)
//	t, err := tensors.FromFlatDataAndDimensions(ctx, []float32{1, 2, 3, 4}, 2, 2)
//
// And the contents are copied back to Go with CopyFlatData. Since device memory of the backends is
// host addressable, no transfers are needed, but the contents must not be read while collective work
// using the tensor is in flight.
package tensors

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor is a multidimensional array stored in the memory of a device (or in host memory for backends.CPUDevice).
// It implements framework.Tensor.
type Tensor struct {
	shape   shapes.Shape
	device  backends.DeviceNum
	backend backends.Backend

	mu        sync.Mutex
	data      []byte
	finalized bool
}

// Compile-time check.
var _ framework.Tensor = (*Tensor)(nil)

// DType implements framework.Tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Shape implements framework.Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Data implements framework.Tensor.
func (t *Tensor) Data() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// Size implements framework.Tensor.
func (t *Tensor) Size() int { return t.shape.Memory() }

// Device where the tensor is stored.
func (t *Tensor) Device() backends.DeviceNum { return t.device }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.device == backends.CPUDevice {
		return fmt.Sprintf("Tensor%s@cpu", t.shape)
	}
	return fmt.Sprintf("Tensor%s@device#%d", t.shape, t.device)
}

// IsFinalized returns whether the tensor memory was already released.
func (t *Tensor) IsFinalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

// Finalize releases the memory of the tensor. It's a no-op if the tensor was already finalized.
func (t *Tensor) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return nil
	}
	t.finalized = true
	data := t.data
	t.data = nil
	if t.backend == nil || t.device == backends.CPUDevice {
		return nil
	}
	return errors.WithMessagef(t.backend.Free(t.device, data), "finalizing %s", t.shape)
}

// FromShape allocates an uninitialized tensor with the given shape on the device of ctx.
func FromShape(ctx *Context, shape shapes.Shape) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s", shape)
	}
	data, err := ctx.malloc(shape.Memory())
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating tensor %s", shape)
	}
	return &Tensor{shape: shape, device: ctx.device, backend: ctx.backend, data: data}, nil
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions on the device of ctx, and copies the
// flat data into it.
// The DType is inferred from the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](ctx *Context, data []T, dimensions ...int) (*Tensor, error) {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		return nil, errors.Errorf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t, err := FromShape(ctx, shape)
	if err != nil {
		return nil, err
	}
	copy(t.data, flatAsBytes(data))
	return t, nil
}

// CopyFlatData returns a copy of the tensor contents as a flat slice of T.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	if dtype := dtypes.FromGenericsType[T](); dtype != t.DType() {
		return nil, errors.Errorf("can't copy tensor of dtype %s to []%s", t.DType(), dtype)
	}
	data := t.Data()
	if data == nil && t.shape.Size() > 0 {
		return nil, errors.Errorf("tensor %s already finalized", t.shape)
	}
	flat := make([]T, t.shape.Size())
	copy(flatAsBytes(flat), data)
	return flat, nil
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// flatAsBytes returns the memory of the flat slice as bytes.
func flatAsBytes[T any](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var dummy T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), uintptr(len(flat))*unsafe.Sizeof(dummy))
}
