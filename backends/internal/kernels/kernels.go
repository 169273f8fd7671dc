// Package kernels implements the element-wise kernels of the simulated device: scaling and the
// reductions used by the collectives.
//
// Kernels work on raw device memory ([]byte), interpreted according to a dtypes.DType.
package kernels

import (
	"math"
	"unsafe"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// numeric are the Go types the kernels are instantiated for.
type numeric interface {
	constraints.Integer | constraints.Float
}

// asSlice returns the first n elements of buf as a []T.
// If buf is not aligned for T, it returns a copy and aligned=false: writes to it must be copied back with toBytes.
func asSlice[T any](buf []byte, n int) (s []T, aligned bool) {
	if n == 0 {
		return nil, true
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	ptr := unsafe.Pointer(unsafe.SliceData(buf))
	if uintptr(ptr)%unsafe.Alignof(zero) == 0 {
		return unsafe.Slice((*T)(ptr), n), true
	}
	s = make([]T, n)
	copy(toBytes(s), buf[:n*size])
	return s, false
}

// toBytes returns the memory of s as bytes.
func toBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// sameMemory returns whether a and b start at the same address.
func sameMemory(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && unsafe.SliceData(a) == unsafe.SliceData(b)
}

func checkSizes(dtype dtypes.DType, n int, buffers ...[]byte) error {
	if !dtype.IsSupported() {
		return errors.Errorf("dtype %s not supported by device kernels", dtype)
	}
	if n < 0 {
		return errors.Errorf("invalid number of elements %d", n)
	}
	want := n * dtype.Size()
	for _, buf := range buffers {
		if len(buf) < want {
			return errors.Errorf("buffer of %d bytes is too small for %d elements of %s", len(buf), n, dtype)
		}
	}
	return nil
}

// Scale multiplies the first n elements of src by factor, and writes them to dst.
//
// Floats are multiplied in their own precision, Float16 uses a float32 intermediate, and integers
// a float64 intermediate truncated toward zero. A factor of 1.0 is an exact copy, or a no-op if src
// and dst are the same memory.
func Scale(dtype dtypes.DType, src, dst []byte, n int, factor float64) error {
	if err := checkSizes(dtype, n, src, dst); err != nil {
		return err
	}
	if dtype == dtypes.Bool {
		return errors.Errorf("can't scale buffers of dtype %s", dtype)
	}
	if factor == 1.0 {
		if !sameMemory(src, dst) {
			numBytes := n * dtype.Size()
			copy(dst[:numBytes], src[:numBytes])
		}
		return nil
	}
	switch dtype {
	case dtypes.Float16:
		scaleFloat16(src, dst, n, float32(factor))
	case dtypes.Float32:
		scaleFloat(src, dst, n, float32(factor))
	case dtypes.Float64:
		scaleFloat(src, dst, n, factor)
	case dtypes.Int8:
		scaleInt[int8](src, dst, n, factor)
	case dtypes.Int16:
		scaleInt[int16](src, dst, n, factor)
	case dtypes.Int32:
		scaleInt[int32](src, dst, n, factor)
	case dtypes.Int64:
		scaleInt[int64](src, dst, n, factor)
	case dtypes.Uint8:
		scaleInt[uint8](src, dst, n, factor)
	case dtypes.Uint16:
		scaleInt[uint16](src, dst, n, factor)
	case dtypes.Uint32:
		scaleInt[uint32](src, dst, n, factor)
	case dtypes.Uint64:
		scaleInt[uint64](src, dst, n, factor)
	default:
		return errors.Errorf("can't scale buffers of dtype %s", dtype)
	}
	return nil
}

func scaleFloat[T constraints.Float](src, dst []byte, n int, factor T) {
	from, _ := asSlice[T](src, n)
	to, aligned := asSlice[T](dst, n)
	for ii, v := range from {
		to[ii] = v * factor
	}
	if !aligned {
		copy(dst, toBytes(to))
	}
}

func scaleFloat16(src, dst []byte, n int, factor float32) {
	from, _ := asSlice[float16.Float16](src, n)
	to, aligned := asSlice[float16.Float16](dst, n)
	for ii, v := range from {
		to[ii] = float16.Fromfloat32(v.Float32() * factor)
	}
	if !aligned {
		copy(dst, toBytes(to))
	}
}

func scaleInt[T constraints.Integer](src, dst []byte, n int, factor float64) {
	from, _ := asSlice[T](src, n)
	to, aligned := asSlice[T](dst, n)
	for ii, v := range from {
		to[ii] = T(math.Trunc(float64(v) * factor))
	}
	if !aligned {
		copy(dst, toBytes(to))
	}
}

// Reduce accumulates the first n elements of x into acc: acc[i] = op(acc[i], x[i]).
//
// Only ReduceOpSum, ReduceOpProduct, ReduceOpMax and ReduceOpMin are supported. Float16 values are
// combined with a float32 intermediate.
func Reduce(dtype dtypes.DType, op backends.ReduceOpType, acc, x []byte, n int) error {
	if err := checkSizes(dtype, n, acc, x); err != nil {
		return err
	}
	switch op {
	case backends.ReduceOpSum, backends.ReduceOpProduct, backends.ReduceOpMax, backends.ReduceOpMin:
	default:
		return errors.Errorf("reduce operation %s not supported by device kernels", op)
	}
	switch dtype {
	case dtypes.Float16:
		reduceFloat16(op, acc, x, n)
	case dtypes.Float32:
		reduceNumeric[float32](op, acc, x, n)
	case dtypes.Float64:
		reduceNumeric[float64](op, acc, x, n)
	case dtypes.Int8:
		reduceNumeric[int8](op, acc, x, n)
	case dtypes.Int16:
		reduceNumeric[int16](op, acc, x, n)
	case dtypes.Int32:
		reduceNumeric[int32](op, acc, x, n)
	case dtypes.Int64:
		reduceNumeric[int64](op, acc, x, n)
	case dtypes.Uint8:
		reduceNumeric[uint8](op, acc, x, n)
	case dtypes.Uint16:
		reduceNumeric[uint16](op, acc, x, n)
	case dtypes.Uint32:
		reduceNumeric[uint32](op, acc, x, n)
	case dtypes.Uint64:
		reduceNumeric[uint64](op, acc, x, n)
	default:
		return errors.Errorf("can't reduce buffers of dtype %s", dtype)
	}
	return nil
}

func reduceFn[T numeric](op backends.ReduceOpType) func(a, b T) T {
	switch op {
	case backends.ReduceOpProduct:
		return func(a, b T) T { return a * b }
	case backends.ReduceOpMax:
		return func(a, b T) T { return max(a, b) }
	case backends.ReduceOpMin:
		return func(a, b T) T { return min(a, b) }
	default:
		return func(a, b T) T { return a + b }
	}
}

func reduceNumeric[T numeric](op backends.ReduceOpType, acc, x []byte, n int) {
	fn := reduceFn[T](op)
	to, aligned := asSlice[T](acc, n)
	from, _ := asSlice[T](x, n)
	for ii, v := range from {
		to[ii] = fn(to[ii], v)
	}
	if !aligned {
		copy(acc, toBytes(to))
	}
}

func reduceFloat16(op backends.ReduceOpType, acc, x []byte, n int) {
	fn := reduceFn[float32](op)
	to, aligned := asSlice[float16.Float16](acc, n)
	from, _ := asSlice[float16.Float16](x, n)
	for ii, v := range from {
		to[ii] = float16.Fromfloat32(fn(to[ii].Float32(), v.Float32()))
	}
	if !aligned {
		copy(acc, toBytes(to))
	}
}
