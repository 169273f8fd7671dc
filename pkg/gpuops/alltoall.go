package gpuops

import (
	"encoding/binary"
	"slices"

	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/support/xslices"
	"github.com/gomlx/collectives/pkg/timeline"
)

// AlltoallOp implements alltoall on devices, one collective per entry: each rank sends consecutive chunks of
// rows of its input to each rank, and receives the chunks sent to it, in rank order.
//
// The number of rows sent to each rank (the splits) is read back to the host and exchanged with the other
// ranks before the transfer, since the output shape depends on it. So Execute blocks the calling goroutine
// until all ranks reached the exchange.
type AlltoallOp struct {
	gpuOp
}

// Name implements Op.
func (op *AlltoallOp) Name() string { return "GPU_ALLTOALL" }

// Execute implements Op.
func (op *AlltoallOp) Execute(entries []*TensorTableEntry, response *Response) status.Status {
	c := NewOpContext(op.state)
	if err := c.BeginQueue(entries, response, false, false); err != nil {
		return status.FromErrorWithType(err, status.PreconditionError)
	}
	comm := op.state.comm
	for _, e := range entries {
		shape := e.Tensor.Shape()
		if shape.Rank() == 0 {
			return fail(c, entries, status.InvalidArgumentf("alltoall of scalar %q", e.TensorName))
		}
		splits, splitsErr := op.readSplits(c, e)
		exchanged := splits
		if splitsErr != nil {
			// Negative splits tell the peers this rank won't send anything.
			exchanged = slices.Repeat([]int{-1}, comm.Size())
		}
		received, err := comm.ExchangeSplits(exchanged)
		if splitsErr != nil {
			return fail(c, entries, splitsErr)
		}
		if err != nil {
			return fail(c, entries, status.Abortedf("exchanging alltoall splits of %q: %v", e.TensorName, err))
		}
		for r, n := range received {
			if n < 0 {
				return fail(c, entries, status.InvalidArgumentf("alltoall of %q: rank %d has invalid splits", e.TensorName, r))
			}
		}
		e.ReceivedSplits = received

		outShape := shape.WithFirstDim(xslices.Sum(received))
		if e.Output == nil || !e.Output.Shape().Equal(outShape) {
			err := op.hostActivity([]*TensorTableEntry{e}, timeline.AllocateOutput, func() error {
				output, err := e.Context.AllocateOutput(outShape)
				if err != nil {
					return err
				}
				e.Output = output
				return nil
			})
			if err != nil {
				return fail(c, entries, status.PreconditionErrorf(
					"failed to allocate alltoall output %s for %q: %v", outShape, e.TensorName, err))
			}
		}

		rowBytes := shape.RowSize() * e.Tensor.DType().Size()
		sendSizes := make([]int, len(splits))
		for r, n := range splits {
			sendSizes[r] = n * rowBytes
		}
		recvSizes := make([]int, len(received))
		for r, n := range received {
			recvSizes[r] = n * rowBytes
		}
		if err := comm.AllToAllV(c.stream, e.Tensor.Data(), sendSizes, e.Output.Data(), recvSizes); err != nil {
			return fail(c, entries, err)
		}
	}
	if err := c.RecordEvent(timeline.Alltoall); err != nil {
		return fail(c, entries, err)
	}
	return c.Finalize(entries, true, comm.AsyncError)
}

// readSplits returns the rows sent to each rank by the entry: they are staged from the splits tensor
// into a host buffer. Without splits the rows are split evenly.
//
// It blocks until the stream of the batch has copied the splits to the host.
func (op *AlltoallOp) readSplits(c *OpContext, e *TensorTableEntry) ([]int, error) {
	numRanks := op.state.comm.Size()
	rows := e.Tensor.Shape().Dim(0)
	splits := make([]int, numRanks)
	if e.Splits == nil {
		if rows%numRanks != 0 {
			return nil, status.InvalidArgumentf("alltoall of %q: first dimension %d is not divisible by the number of ranks %d, splits must be given",
				e.TensorName, rows, numRanks)
		}
		for r := range splits {
			splits[r] = rows / numRanks
		}
		return splits, nil
	}

	dtype := e.Splits.DType()
	if dtype != dtypes.Int32 && dtype != dtypes.Int64 {
		return nil, status.InvalidArgumentf("alltoall splits of %q must be Int32 or Int64, got %s", e.TensorName, dtype)
	}
	if e.Splits.Shape().Size() != numRanks {
		return nil, status.InvalidArgumentf("alltoall splits of %q have %d values, expected one per rank (%d)",
			e.TensorName, e.Splits.Shape().Size(), numRanks)
	}
	backend := op.state.backend
	hostBuf := c.HostBuffer(e.Splits.Size())
	if err := backend.MemcpyAsync(hostBuf, e.Splits.Data()[:e.Splits.Size()], c.stream); err != nil {
		return nil, err
	}
	event, err := backend.EventRecord(c.stream)
	if err != nil {
		return nil, err
	}
	err = backend.EventSynchronize(event)
	backend.EventRelease(event)
	if err != nil {
		return nil, err
	}

	total := 0
	for r := range splits {
		if dtype == dtypes.Int32 {
			splits[r] = int(int32(binary.NativeEndian.Uint32(hostBuf[4*r:])))
		} else {
			splits[r] = int(int64(binary.NativeEndian.Uint64(hostBuf[8*r:])))
		}
		if splits[r] < 0 {
			return nil, status.InvalidArgumentf("alltoall splits of %q can't be negative: rank %d has %d", e.TensorName, r, splits[r])
		}
		total += splits[r]
	}
	if total != rows {
		return nil, status.InvalidArgumentf("alltoall splits of %q sum to %d, but the first dimension is %d", e.TensorName, total, rows)
	}
	return splits, nil
}
