package loopback

import (
	"slices"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/backends/internal/kernels"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/pkg/errors"
)

type opKind int

const (
	kindAllReduce opKind = iota
	kindAllGather
	kindBroadcast
	kindAllToAll
	kindExchangeSplits
)

var opKindNames = []string{"allreduce", "allgather", "broadcast", "alltoall", "exchange_splits"}

func (k opKind) String() string { return opKindNames[k] }

// contribution of one rank to a round.
type contribution struct {
	data      []byte
	sizes     []int // Gathered sizes, send sizes or splits, depending on the operation.
	recvSizes []int
	count     int
	dtype     dtypes.DType
	op        backends.ReduceOpType
	root      int
}

// round is one collective operation, shared by all ranks.
type round struct {
	seq           int64
	kind          opKind
	contributions []*contribution
	arrived, left int

	// outputs either hold one shared result (outputs[0]), or one result per rank.
	outputs [][]byte
	splits  [][]int
	done    *xsync.LatchWithValue[error]
}

// participate registers the contribution of rank to the round seq, and waits for all ranks to arrive.
// The last rank to arrive computes the results.
func (g *Group) participate(seq int64, kind opKind, rank int, contrib *contribution) (*round, error) {
	g.mu.Lock()
	if g.abortErr != nil {
		err := g.abortErr
		g.mu.Unlock()
		return nil, err
	}
	r, found := g.rounds[seq]
	if !found {
		r = &round{
			seq:           seq,
			kind:          kind,
			contributions: make([]*contribution, g.size),
			done:          xsync.NewLatchWithValue[error](),
		}
		g.rounds[seq] = r
	}
	if r.contributions[rank] != nil {
		g.mu.Unlock()
		return nil, errors.Errorf("loopback: rank %d joined operation #%d twice", rank, seq)
	}
	r.contributions[rank] = contrib
	if r.kind != kind {
		r.done.Trigger(status.InvalidArgumentf("loopback: operation #%d mismatch: rank %d issued %s, others issued %s",
			seq, rank, kind, r.kind))
	}
	r.arrived++
	last := r.arrived == g.size
	g.mu.Unlock()

	if last && !r.done.Test() {
		r.done.Trigger(r.compute())
	}
	err := r.done.Wait()

	g.mu.Lock()
	r.left++
	if r.left == g.size {
		delete(g.rounds, seq)
	}
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// compute the results of the round, once all contributions arrived.
func (r *round) compute() error {
	first := r.contributions[0]
	switch r.kind {
	case kindAllReduce:
		result := cloneBytes(first.data)
		for rank, contrib := range r.contributions[1:] {
			if contrib.count != first.count || contrib.dtype != first.dtype || contrib.op != first.op {
				return status.InvalidArgumentf("loopback: all-reduce #%d mismatch: rank 0 has %d x %s (%s), rank %d has %d x %s (%s)",
					r.seq, first.count, first.dtype, first.op, rank+1, contrib.count, contrib.dtype, contrib.op)
			}
			if err := kernels.Reduce(first.dtype, first.op, result, contrib.data, first.count); err != nil {
				return err
			}
		}
		r.outputs = [][]byte{result}

	case kindAllGather:
		var result []byte
		for rank, contrib := range r.contributions {
			if !slices.Equal(contrib.sizes, first.sizes) {
				return status.InvalidArgumentf("loopback: all-gather #%d mismatch: rank 0 sizes %v, rank %d sizes %v",
					r.seq, first.sizes, rank, contrib.sizes)
			}
			result = append(result, contrib.data...)
		}
		r.outputs = [][]byte{result}

	case kindBroadcast:
		root := first.root
		for rank, contrib := range r.contributions {
			if contrib.root != root || contrib.count != first.count {
				return status.InvalidArgumentf("loopback: broadcast #%d mismatch: rank 0 has root %d and %d bytes, rank %d has root %d and %d bytes",
					r.seq, root, first.count, rank, contrib.root, contrib.count)
			}
		}
		r.outputs = [][]byte{r.contributions[root].data}

	case kindAllToAll:
		size := len(r.contributions)
		r.outputs = make([][]byte, size)
		offsets := make([]int, size) // Read position in each sender's data.
		for dst := range size {
			var received []byte
			for src, contrib := range r.contributions {
				n := contrib.sizes[dst]
				if want := r.contributions[dst].recvSizes[src]; want != n {
					return status.InvalidArgumentf("loopback: all-to-all #%d mismatch: rank %d sends %d bytes to rank %d, which expects %d bytes",
						r.seq, src, n, dst, want)
				}
				received = append(received, contrib.data[offsets[src]:offsets[src]+n]...)
				offsets[src] += n
			}
			r.outputs[dst] = received
		}

	case kindExchangeSplits:
		size := len(r.contributions)
		r.splits = make([][]int, size)
		for dst := range size {
			r.splits[dst] = make([]int, size)
			for src, contrib := range r.contributions {
				r.splits[dst][src] = contrib.sizes[dst]
			}
		}
	}
	return nil
}
