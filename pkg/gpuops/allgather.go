package gpuops

import (
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/timeline"
)

// AllgatherOp implements allgather on devices: the output of each entry is the concatenation, along the first
// axis and in rank order, of the inputs of all ranks.
//
// Multiple entries are packed in the fusion buffer rank-major: the blocks of rank 0 for every entry, then
// the blocks of rank 1, and so on. So each rank contributes one contiguous segment.
type AllgatherOp struct {
	gpuOp
}

// Name implements Op.
func (op *AllgatherOp) Name() string { return "GPU_ALLGATHER" }

// allgatherLayout holds the byte sizes of the blocks of each (entry, rank).
type allgatherLayout struct {
	numRanks int
	// blockSizes[entryIdx][rank] in bytes.
	blockSizes [][]int
	// rankSizes[rank] is the sum of the blocks of the rank over all entries.
	rankSizes []int
}

func newAllgatherLayout(entries []*TensorTableEntry, response *Response, numRanks int) (*allgatherLayout, error) {
	if len(response.TensorSizes) != len(entries)*numRanks {
		return nil, status.InvalidArgumentf("allgather response has %d tensor sizes, expected %d (%d entries x %d ranks)",
			len(response.TensorSizes), len(entries)*numRanks, len(entries), numRanks)
	}
	l := &allgatherLayout{
		numRanks:   numRanks,
		blockSizes: make([][]int, len(entries)),
		rankSizes:  make([]int, numRanks),
	}
	for ii, e := range entries {
		if e.Tensor.Shape().Rank() == 0 {
			return nil, status.InvalidArgumentf("allgather of scalar %q", e.TensorName)
		}
		rowBytes := e.Tensor.Shape().RowSize() * e.Tensor.DType().Size()
		l.blockSizes[ii] = make([]int, numRanks)
		for rank := range numRanks {
			size := response.TensorSizes[ii*numRanks+rank] * rowBytes
			l.blockSizes[ii][rank] = size
			l.rankSizes[rank] += size
		}
	}
	return l, nil
}

// totalRows returns the first dimension of the output of entry ii.
func totalRows(response *Response, ii, numRanks int) int {
	rows := 0
	for _, r := range response.TensorSizes[ii*numRanks : (ii+1)*numRanks] {
		rows += r
	}
	return rows
}

// allocateOutputs allocates the outputs of the entries whose shape doesn't match the gathered one.
func (op *AllgatherOp) allocateOutputs(entries []*TensorTableEntry, response *Response, numRanks int) error {
	for ii, e := range entries {
		shape := e.Tensor.Shape().WithFirstDim(totalRows(response, ii, numRanks))
		if e.Output != nil && e.Output.Shape().Equal(shape) {
			continue
		}
		output, err := e.Context.AllocateOutput(shape)
		if err != nil {
			return status.PreconditionErrorf("failed to allocate allgather output %s for %q: %v", shape, e.TensorName, err)
		}
		e.Output = output
	}
	return nil
}

// Execute implements Op.
func (op *AllgatherOp) Execute(entries []*TensorTableEntry, response *Response) status.Status {
	numRanks := op.state.comm.Size()
	layout, err := newAllgatherLayout(entries, response, numRanks)
	if err != nil {
		return status.FromError(err)
	}
	err = op.hostActivity(entries, timeline.AllocateOutput, func() error {
		return op.allocateOutputs(entries, response, numRanks)
	})
	if err != nil {
		return status.FromError(err)
	}
	c := NewOpContext(op.state)
	if err := c.BeginQueue(entries, response, false, false); err != nil {
		return status.FromErrorWithType(err, status.PreconditionError)
	}
	if c.IsZeroLength() {
		return c.Finalize(entries, false, nil)
	}
	if len(entries) > 1 {
		err = op.executeFused(c, entries, layout)
	} else {
		e := entries[0]
		rank := op.state.comm.Rank()
		send := e.Tensor.Data()[:layout.blockSizes[0][rank]]
		err = op.state.comm.AllGatherV(c.stream, send, e.Output.Data(), layout.blockSizes[0])
		if err == nil {
			err = c.RecordEvent(timeline.Allgather)
		}
	}
	if err != nil {
		return fail(c, entries, err)
	}
	return c.Finalize(entries, true, op.state.comm.AsyncError)
}

func (op *AllgatherOp) executeFused(c *OpContext, entries []*TensorTableEntry, layout *allgatherLayout) error {
	rank := op.state.comm.Rank()

	// blockOffsets[entryIdx][rank] in the fusion buffer.
	blockOffsets := make([][]int, len(entries))
	for ii := range entries {
		blockOffsets[ii] = make([]int, layout.numRanks)
	}
	offset := 0
	rankOffsets := make([]int, layout.numRanks)
	for r := range layout.numRanks {
		rankOffsets[r] = offset
		for ii := range entries {
			blockOffsets[ii][r] = offset
			offset += layout.blockSizes[ii][r]
		}
	}
	total := offset
	fb, err := c.FusionBuffer(entries, total)
	if err != nil {
		return err
	}
	buf := fb.Data()[:total]

	copies := make([]memcpy, 0, len(entries)*layout.numRanks)
	for ii, e := range entries {
		cp := op.copyIntoStaging(e, buf, blockOffsets[ii][rank])
		copies = append(copies, cp)
	}
	if err := op.parallelCopies(c, copies); err != nil {
		return err
	}
	if err := c.RecordEvent(timeline.MemcpyInFusionBuffer); err != nil {
		return err
	}

	send := buf[rankOffsets[rank] : rankOffsets[rank]+layout.rankSizes[rank]]
	if err := op.state.comm.AllGatherV(c.stream, send, buf, layout.rankSizes); err != nil {
		return err
	}
	if err := c.RecordEvent(timeline.Allgather); err != nil {
		return err
	}

	copies = copies[:0]
	for ii, e := range entries {
		resultOffset := 0
		for r := range layout.numRanks {
			length := layout.blockSizes[ii][r]
			copies = append(copies, op.copyOutOfStaging(buf, blockOffsets[ii][r], e, resultOffset, length))
			resultOffset += length
		}
		e.OutputOffset = blockOffsets[ii][0]
	}
	if err := op.parallelCopies(c, copies); err != nil {
		return err
	}
	return c.RecordEvent(timeline.MemcpyOutFusionBuffer)
}
