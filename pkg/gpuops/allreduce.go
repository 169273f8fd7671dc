package gpuops

import (
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/timeline"
)

// AllreduceOp implements allreduce on devices.
//
// A single entry is reduced in place on its output. Multiple entries are packed in the fusion buffer,
// reduced with one collective, and unpacked.
type AllreduceOp struct {
	gpuOp
}

// Name implements Op.
func (op *AllreduceOp) Name() string { return "GPU_ALLREDUCE" }

// Execute implements Op.
func (op *AllreduceOp) Execute(entries []*TensorTableEntry, response *Response) status.Status {
	c := NewOpContext(op.state)
	if err := c.BeginQueue(entries, response, true, response.UseDedicatedSlot); err != nil {
		return status.FromErrorWithType(err, status.PreconditionError)
	}
	if c.IsZeroLength() {
		return c.Finalize(entries, false, nil)
	}
	var err error
	if len(entries) > 1 {
		err = op.executeFused(c, entries, response)
	} else {
		err = op.executeSingle(c, entries[0], response)
	}
	if err != nil {
		return fail(c, entries, err)
	}
	return c.Finalize(entries, true, op.state.comm.AsyncError)
}

func (op *AllreduceOp) executeSingle(c *OpContext, e *TensorTableEntry, response *Response) error {
	dtype := e.Tensor.DType()
	numElements := e.Tensor.Shape().Size()
	size := e.Tensor.Size()
	input, output := e.Tensor.Data()[:size], e.Output.Data()[:size]
	if err := op.scaleBuffer(c, response.PrescaleFactor, dtype, input, output, numElements); err != nil {
		return err
	}
	if err := op.state.comm.AllReduce(c.stream, output, output, numElements, dtype, response.ReduceOp); err != nil {
		return err
	}
	if err := c.RecordEvent(timeline.Allreduce); err != nil {
		return err
	}
	return op.scaleBuffer(c, response.PostscaleFactor, dtype, output, output, numElements)
}

func (op *AllreduceOp) executeFused(c *OpContext, entries []*TensorTableEntry, response *Response) error {
	dtype := entries[0].Tensor.DType()
	offset := 0
	offsets := make([]int, len(entries))
	for ii, e := range entries {
		offsets[ii] = offset
		offset = alignUp(offset + e.Tensor.Size())
	}
	total := offset
	fb, err := c.FusionBuffer(entries, total)
	if err != nil {
		return err
	}
	buf := fb.Data()[:total]

	copies := make([]memcpy, len(entries))
	for ii, e := range entries {
		copies[ii] = op.copyIntoStaging(e, buf, offsets[ii])
	}
	if err := op.parallelCopies(c, copies); err != nil {
		return err
	}
	if err := c.RecordEvent(timeline.MemcpyInFusionBuffer); err != nil {
		return err
	}

	// Padding between entries is reduced along, and never copied out.
	numElements := total / dtype.Size()
	if err := op.scaleBuffer(c, response.PrescaleFactor, dtype, buf, buf, numElements); err != nil {
		return err
	}
	if err := op.state.comm.AllReduce(c.stream, buf, buf, numElements, dtype, response.ReduceOp); err != nil {
		return err
	}
	if err := c.RecordEvent(timeline.Allreduce); err != nil {
		return err
	}
	if err := op.scaleBuffer(c, response.PostscaleFactor, dtype, buf, buf, numElements); err != nil {
		return err
	}

	for ii, e := range entries {
		copies[ii] = op.copyOutOfStaging(buf, offsets[ii], e, 0, e.Tensor.Size())
	}
	if err := op.parallelCopies(c, copies); err != nil {
		return err
	}
	return c.RecordEvent(timeline.MemcpyOutFusionBuffer)
}
