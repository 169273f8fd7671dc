// Package controller matches the requests of all ranks and decides, identically for every rank, which
// batches are executed and in which order.
//
// It's an in-process stand-in for a negotiation layer: each rank has a Controller that queues its requests
// until they are ready, and a Hub shared by all ranks collects them. Once every rank (that didn't join)
// requested a tensor, the Hub validates the requests, and delivers the same ordered list of Responses
// (possibly fused) to every rank.
package controller

import (
	"fmt"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/collectives/pkg/gpuops"
)

// Request of one rank for one tensor.
type Request struct {
	Rank       int
	Type       gpuops.ResponseType
	TensorName string
	Shape      shapes.Shape
	Device     backends.DeviceNum

	// RootRank is used by broadcast.
	RootRank int

	// ReduceOp, PrescaleFactor and PostscaleFactor are used by allreduce.
	ReduceOp                        backends.ReduceOpType
	PrescaleFactor, PostscaleFactor float64

	// UseDedicatedSlot asks for an allreduce on the dedicated stream.
	UseDedicatedSlot bool
}

// DType of the requested tensor.
func (r *Request) DType() dtypes.DType { return r.Shape.DType }

// String implements fmt.Stringer.
func (r *Request) String() string {
	if r.Type == gpuops.ResponseJoin {
		return fmt.Sprintf("%s@rank#%d", r.Type, r.Rank)
	}
	return fmt.Sprintf("%s(%q, %s)@rank#%d", r.Type, r.TensorName, r.Shape, r.Rank)
}
