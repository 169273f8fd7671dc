// Package framework defines what the collective engine needs from the ML framework that owns the tensors:
// access to tensor memory, allocation of outputs and scratch buffers, and readiness of inputs.
//
// Framework adapters (see package tensors for the Go-native one) implement these interfaces.
package framework

import (
	"fmt"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/shapes"
)

// Framework identifies the framework that owns the tensors of a request.
// Staging buffers are kept separately per framework, since they are allocated through it.
type Framework int

const (
	Go Framework = iota
	TensorFlow
	PyTorch
	MXNet
)

var frameworkNames = []string{"Go", "TensorFlow", "PyTorch", "MXNet"}

// String implements fmt.Stringer.
func (f Framework) String() string {
	if f < 0 || int(f) >= len(frameworkNames) {
		return fmt.Sprintf("Framework(%d)", int(f))
	}
	return frameworkNames[f]
}

// Tensor is a framework tensor whose memory is accessible to the engine.
type Tensor interface {
	// DType of the tensor elements.
	DType() dtypes.DType

	// Shape of the tensor.
	Shape() shapes.Shape

	// Data is the memory of the tensor, on the device that holds it.
	Data() []byte

	// Size of the tensor in bytes.
	Size() int
}

// PersistentBuffer is memory that outlives the request that allocated it.
// It's used for the staging (fusion) buffers.
type PersistentBuffer interface {
	// AccessData returns the memory of the buffer.
	AccessData(ctx OpContext) []byte

	// Release returns the memory to the framework. It must be called once, when no work using it is in flight.
	Release() error
}

// OpContext is the framework's allocation facility associated with a request.
type OpContext interface {
	// AllocatePersistent allocates size bytes on the device of the request.
	AllocatePersistent(size int) (PersistentBuffer, error)

	// AllocateOutput allocates an output tensor with the given shape on the device of the request.
	// Its contents are undefined.
	AllocateOutput(shape shapes.Shape) (Tensor, error)

	// AllocateZeros allocates a 1D tensor of numElements zeros. It's synchronous: the tensor is
	// zeroed when it returns.
	AllocateZeros(numElements int, dtype dtypes.DType) (Tensor, error)

	// Framework returns the framework the context belongs to.
	Framework() Framework

	// Device where the tensors of the request live, backends.CPUDevice for host memory.
	Device() backends.DeviceNum
}

// ReadyEvent tells whether an input tensor has been fully produced.
type ReadyEvent interface {
	// Ready checks, without blocking, whether the tensor is ready to be consumed.
	Ready() bool
}
