package simgpu

import (
	"unsafe"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/backends/internal/kernels"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Malloc implements backends.DataInterface.
func (b *Backend) Malloc(device backends.DeviceNum, size int) ([]byte, error) {
	if err := b.checkDevice(device); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.Errorf("simgpu: invalid allocation size %d", size)
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	b.allocations.LoadOrStore(unsafe.SliceData(buf), size)
	b.bytesInUse.Add(int64(size))
	return buf, nil
}

// Free implements backends.DataInterface.
func (b *Backend) Free(device backends.DeviceNum, buffer []byte) error {
	if err := b.checkDevice(device); err != nil {
		return err
	}
	if len(buffer) == 0 {
		return nil
	}
	size, found := b.allocations.LoadAndDelete(unsafe.SliceData(buffer))
	if !found {
		return errors.New("simgpu: freeing memory not allocated by Malloc, or already freed")
	}
	b.bytesInUse.Add(-int64(size))
	return nil
}

// BytesInUse returns the number of bytes allocated with Malloc and not yet freed.
func (b *Backend) BytesInUse() int64 {
	return b.bytesInUse.Load()
}

// NumAllocations returns the number of live allocations.
func (b *Backend) NumAllocations() int {
	return b.allocations.Len()
}

// MemcpyAsync implements backends.DataInterface.
func (b *Backend) MemcpyAsync(dst, src []byte, stream backends.Stream) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	if len(dst) != len(src) {
		return errors.Errorf("simgpu: memcpy of %d bytes into buffer of %d bytes", len(src), len(dst))
	}
	return s.enqueueKernel("memcpy", func() error {
		copy(dst, src)
		return nil
	})
}

// MemsetAsync implements backends.DataInterface.
func (b *Backend) MemsetAsync(dst []byte, value byte, stream backends.Stream) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	return s.enqueueKernel("memset", func() error {
		for ii := range dst {
			dst[ii] = value
		}
		return nil
	})
}

// ScaleBufferAsync implements backends.DataInterface.
func (b *Backend) ScaleBufferAsync(src, dst []byte, numElements int, factor float64, dtype dtypes.DType,
	stream backends.Stream) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	if dtype == dtypes.Bool || !dtype.IsSupported() {
		return errors.Errorf("simgpu: can't scale buffers of dtype %s", dtype)
	}
	if want := numElements * dtype.Size(); len(src) < want || len(dst) < want {
		return errors.Errorf("simgpu: scaling %d elements of %s requires %d bytes, got src=%d, dst=%d bytes",
			numElements, dtype, want, len(src), len(dst))
	}
	return s.enqueueKernel("scale_buffer", func() error {
		return kernels.Scale(dtype, src, dst, numElements, factor)
	})
}
