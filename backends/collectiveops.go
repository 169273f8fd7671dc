package backends

import (
	"fmt"

	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ReduceOpType select among the basic types of reduction supported by the Communicator.
type ReduceOpType int

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOpType = iota

	// ReduceOpSum reduces by summing all elements being reduced.
	ReduceOpSum

	// ReduceOpProduct reduces by multiplying all elements being reduced.
	ReduceOpProduct

	// ReduceOpMax reduces by taking the maximum value.
	ReduceOpMax

	// ReduceOpMin reduces by taking the minimum value.
	ReduceOpMin

	// ReduceOpAverage is a sum followed by the division by the number of participants.
	// Communicators only implement ReduceOpSum: averaging is implemented by the engine as a post-scaling.
	ReduceOpAverage

	// ReduceOpAdasum is the adaptive summation algorithm. It is not supported by device execution.
	ReduceOpAdasum
)

var reduceOpNames = []string{"Undefined", "Sum", "Product", "Max", "Min", "Average", "Adasum"}

// String implements fmt.Stringer.
func (op ReduceOpType) String() string {
	if op < 0 || int(op) >= len(reduceOpNames) {
		return fmt.Sprintf("ReduceOpType(%d)", int(op))
	}
	return reduceOpNames[op]
}

// ReduceOpTypeFromName returns the ReduceOpType for the name (as returned by String), or an error.
func ReduceOpTypeFromName(name string) (ReduceOpType, error) {
	for ii, opName := range reduceOpNames {
		if ii > 0 && opName == name {
			return ReduceOpType(ii), nil
		}
	}
	return ReduceOpUndefined, errors.Errorf("unknown reduce operation %q", name)
}

// Communicator is the collective communication library (think NCCL) the engine delegates the data movement to.
// One Communicator connects one rank to all the others in the group.
//
// All data movement methods are asynchronous: they enqueue the operation on the stream and return immediately.
// Each operation completes on a rank once its part of the exchange is done, and the results are visible to work
// enqueued afterward on the same stream. Failures are reported as device errors on the stream (see
// Backend.LaunchHostFunc) and by AsyncError.
//
// Every rank must issue the same sequence of operations, with matching sizes.
type Communicator interface {
	// Rank of this communicator in the group, from 0 to Size-1.
	Rank() int

	// Size is the number of ranks in the group.
	Size() int

	// AllReduce reduces count elements of send across all ranks, and stores the result in recv on every rank.
	// send and recv may be the same buffer.
	AllReduce(stream Stream, send, recv []byte, count int, dtype dtypes.DType, op ReduceOpType) error

	// AllGatherV concatenates the send buffers of all ranks, in rank order, into recv.
	// recvSizes holds the number of bytes contributed by each rank, and len(send) must match recvSizes[Rank()].
	// send may be a sub-slice of recv at this rank's own displacement (in-place operation).
	AllGatherV(stream Stream, send, recv []byte, recvSizes []int) error

	// Broadcast copies buffer from the root rank to buffer in all other ranks.
	Broadcast(stream Stream, buffer []byte, root int) error

	// AllToAllV sends sendSizes[r] bytes of send (consecutive chunks, in rank order) to rank r, and receives
	// into recv recvSizes[r] bytes from rank r, also in rank order.
	AllToAllV(stream Stream, send []byte, sendSizes []int, recv []byte, recvSizes []int) error

	// ExchangeSplits is a host-synchronous exchange: each rank provides how many rows it will send to
	// each rank, and receives how many rows each rank will send to it.
	// It blocks until all ranks called it.
	ExchangeSplits(splits []int) ([]int, error)

	// AsyncError returns the asynchronous error of the communicator, if any (e.g.: if the group was aborted).
	AsyncError() error
}
