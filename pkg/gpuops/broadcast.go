package gpuops

import (
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/timeline"
)

// BroadcastOp implements broadcast on devices, one collective per entry: the output of every rank gets
// the input of the root rank of the entry.
type BroadcastOp struct {
	gpuOp
}

// Name implements Op.
func (op *BroadcastOp) Name() string { return "GPU_BROADCAST" }

// Execute implements Op.
func (op *BroadcastOp) Execute(entries []*TensorTableEntry, response *Response) status.Status {
	rank := op.state.comm.Rank()
	for _, e := range entries {
		if e.Output != nil {
			continue
		}
		if rank == e.RootRank {
			e.Output = e.Tensor
			continue
		}
		output, err := e.Context.AllocateOutput(e.Tensor.Shape())
		if err != nil {
			return status.PreconditionErrorf("failed to allocate broadcast output for %q: %v", e.TensorName, err)
		}
		e.Output = output
	}

	c := NewOpContext(op.state)
	if err := c.BeginQueue(entries, response, false, false); err != nil {
		return status.FromErrorWithType(err, status.PreconditionError)
	}
	if c.IsZeroLength() {
		return c.Finalize(entries, false, nil)
	}
	for _, e := range entries {
		size := e.Tensor.Size()
		buf := e.Output.Data()[:size]
		if rank == e.RootRank {
			buf = e.Tensor.Data()[:size]
		}
		if err := op.state.comm.Broadcast(c.stream, buf, e.RootRank); err != nil {
			return fail(c, entries, err)
		}
		if rank == e.RootRank && !sameMemory(buf, e.Output.Data()) && size > 0 {
			if err := op.state.backend.MemcpyAsync(e.Output.Data()[:size], buf, c.stream); err != nil {
				return fail(c, entries, err)
			}
		}
	}
	if err := c.RecordEvent(timeline.Broadcast); err != nil {
		return fail(c, entries, err)
	}
	return c.Finalize(entries, true, op.state.comm.AsyncError)
}
