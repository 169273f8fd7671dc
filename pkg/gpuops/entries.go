package gpuops

import (
	"fmt"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/collectives/pkg/core/status"
)

// TensorTableEntry is one request of a rank: a tensor to be communicated and where to deliver the result.
// It's retired when its callback is called.
type TensorTableEntry struct {
	// TensorName is unique among the requests in flight.
	TensorName string

	// Tensor is the input, and Output the result. For allreduce they may be the same tensor (in-place).
	// For allgather and alltoall Output is allocated by the engine, since its shape depends on the other ranks.
	Tensor, Output framework.Tensor

	// Splits, for alltoall only, is a 1D Int32 or Int64 tensor with how many rows (first axis) this rank
	// sends to each rank. If nil the rows are split evenly.
	Splits framework.Tensor

	// ReceivedSplits, for alltoall only, is set by the engine to how many rows each rank sent to this one.
	ReceivedSplits []int

	// RootRank, for broadcast only, is the rank that provides the value.
	RootRank int

	// Device holding the tensors, backends.CPUDevice for host tensors.
	Device backends.DeviceNum

	// Context of the framework owning the tensors, used for allocations.
	Context framework.OpContext

	// ReadyEvent, if not nil, tells when Tensor is ready to be read.
	ReadyEvent framework.ReadyEvent

	// Callback is called exactly once with the final status. It's nil for entries that only participate
	// on behalf of a joined rank.
	Callback status.Callback

	// InputOffset and OutputOffset are the positions of the entry in the staging buffer, when fused.
	InputOffset, OutputOffset int
}

// ResponseType is the collective operation of a Response.
type ResponseType int

const (
	ResponseAllreduce ResponseType = iota
	ResponseAllgather
	ResponseBroadcast
	ResponseAlltoall
	ResponseJoin
	ResponseError
)

var responseTypeNames = []string{"ALLREDUCE", "ALLGATHER", "BROADCAST", "ALLTOALL", "JOIN", "ERROR"}

// String implements fmt.Stringer.
func (t ResponseType) String() string {
	if t < 0 || int(t) >= len(responseTypeNames) {
		return fmt.Sprintf("ResponseType(%d)", int(t))
	}
	return responseTypeNames[t]
}

// Response is a batch of requests agreed upon by all ranks: the same collective for the same tensors,
// in the same order, on every rank.
type Response struct {
	Type        ResponseType
	TensorNames []string

	// DType of all the tensors of the batch.
	DType dtypes.DType

	// TensorSizes is used by allgather: it holds the first dimension of each tensor on each rank, indexed
	// by [entryIdx*numRanks + rank].
	TensorSizes []int

	// TensorShapes holds the shape of each tensor, as requested by the first rank that requested it.
	// Ranks that joined use it to participate with zeros.
	TensorShapes []shapes.Shape

	// Devices of the tensors on each rank.
	Devices []backends.DeviceNum

	// ReduceOp, PrescaleFactor and PostscaleFactor are used by allreduce.
	ReduceOp                        backends.ReduceOpType
	PrescaleFactor, PostscaleFactor float64

	// UseDedicatedSlot makes an allreduce run on the dedicated reduction stream.
	UseDedicatedSlot bool

	// ErrorType and ErrorMessage are used by ResponseError.
	ErrorType    status.Type
	ErrorMessage string
}

// String implements fmt.Stringer.
func (r *Response) String() string {
	if r.Type == ResponseError {
		return fmt.Sprintf("%s%v: %s: %s", r.Type, r.TensorNames, r.ErrorType, r.ErrorMessage)
	}
	return fmt.Sprintf("%s%v(%s)", r.Type, r.TensorNames, r.DType)
}

// Status returns the status carried by an error response.
func (r *Response) Status() status.Status {
	if r.Type != ResponseError {
		return status.Ok()
	}
	t := r.ErrorType
	if t == status.OK || t == status.InProgress {
		t = status.UnknownError
	}
	return status.Status{Type: t, Reason: r.ErrorMessage}
}

func entryNames(entries []*TensorTableEntry) []string {
	names := make([]string, len(entries))
	for ii, e := range entries {
		names[ii] = e.TensorName
	}
	return names
}
