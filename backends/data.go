package backends

import "github.com/gomlx/collectives/pkg/core/dtypes"

// DataInterface is the Backend's sub-interface that defines the API to allocate and move device memory.
//
// Device memory is represented by byte slices: sub-slicing a buffer is the equivalent of pointer arithmetic
// on a device pointer. Memory returned by Malloc must not be touched by the host while work using it is
// enqueued on a stream.
type DataInterface interface {
	// Malloc allocates size bytes on the device. This is a synchronous operation: the memory is ready to
	// be used when it returns.
	Malloc(device DeviceNum, size int) ([]byte, error)

	// Free releases memory allocated by Malloc. It must not be called while work using it is in flight.
	Free(device DeviceNum, buffer []byte) error

	// MemcpyAsync enqueues a device-to-device copy of src into dst on stream.
	// Both must have the same length.
	MemcpyAsync(dst, src []byte, stream Stream) error

	// MemsetAsync enqueues the setting of every byte of dst to value on stream.
	MemsetAsync(dst []byte, value byte, stream Stream) error

	// ScaleBufferAsync enqueues on stream the multiplication of numElements elements of src by factor, storing
	// the result in dst. src and dst may be the same buffer.
	//
	// Values are multiplied in their native type, except for Float16 which uses a float32 intermediate, and
	// integers which use a float64 intermediate truncated toward zero. There is exactly one rounding per
	// element. A factor of 1.0 is an exact copy (or a no-op if src and dst are the same).
	ScaleBufferAsync(src, dst []byte, numElements int, factor float64, dtype dtypes.DType, stream Stream) error
}
