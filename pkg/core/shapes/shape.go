// Package shapes defines Shape, the dtype and dimensions of a tensor exchanged by collective operations.
//
// Unlike shapes used to build computation graphs, dimensions here may be 0: a rank that joined early
// contributes tensors with zero rows to an allgather, and zero-sized tensors are valid requests.
//
// ## Glossary
//
//   - Rank (of a shape): number of axes (dimensions) of a tensor. Not to be confused with the rank of a worker.
//   - Axis: the index of a dimension.
//   - Dimension: the size of a tensor in one of its axes.
//   - DType: the data type of the unit element in a tensor, see package dtypes.
//   - Scalar: a shape without axes, holding a single value.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a tensor.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			panic(errors.Errorf("shapes.Make(%s): cannot create a shape with a negative dimension", s))
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		panic(errors.Errorf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s))
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store a tensor of the given shape.
func (s Shape) Memory() int {
	if !s.Ok() {
		return 0
	}
	return s.DType.Size() * s.Size()
}

// RowSize returns the number of elements in one "row": the product of all dimensions but the first.
// For a scalar it returns 1.
func (s Shape) RowSize() int {
	size := 1
	for _, d := range s.Dimensions[min(1, len(s.Dimensions)):] {
		size *= d
	}
	return size
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensionsAfterFirst compares dtype, rank and all dimensions except the first one.
// That's the requirement for tensors to be concatenated by an allgather.
func (s Shape) EqualDimensionsAfterFirst(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	if s.Rank() == 0 {
		return true
	}
	return slices.Equal(s.Dimensions[1:], s2.Dimensions[1:])
}

// WithFirstDim returns a copy of the shape with the first dimension replaced.
// It panics for scalars.
func (s Shape) WithFirstDim(dim int) Shape {
	if s.Rank() == 0 {
		panic(errors.Errorf("Shape.WithFirstDim(%d) cannot be applied to scalar shape %s", dim, s))
	}
	dims := slices.Clone(s.Dimensions)
	dims[0] = dim
	return Make(s.DType, dims...)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}
