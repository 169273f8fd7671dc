// Package loopback implements backends.Communicator for ranks living in the same process.
//
// All ranks of a Group rendezvous for each collective operation: operations are matched by the
// order in which each rank issued them (like NCCL, every rank must issue the same sequence of
// collectives), the last rank to arrive computes the result, and each rank copies its part out.
// The data movement runs as host functions on the streams given, so it's ordered with the device
// work around it.
package loopback

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Group of ranks connected by loopback communicators.
type Group struct {
	id   uuid.UUID
	size int

	mu       sync.Mutex
	rounds   map[int64]*round
	abortErr error
}

// NewGroup creates a group with the given number of ranks.
func NewGroup(size int) *Group {
	if size <= 0 {
		exceptions.Panicf("loopback.NewGroup: invalid size %d", size)
	}
	return &Group{
		id:     uuid.New(),
		size:   size,
		rounds: make(map[int64]*round),
	}
}

// ID returns the unique id of the group.
func (g *Group) ID() uuid.UUID { return g.id }

// Size of the group.
func (g *Group) Size() int { return g.size }

// Abort the group: pending and future operations of all ranks fail with an Aborted status.
func (g *Group) Abort(reason error) {
	g.mu.Lock()
	if g.abortErr != nil {
		g.mu.Unlock()
		return
	}
	g.abortErr = status.Abortedf("communicator group %s aborted: %v", g.id, reason)
	pending := make([]*round, 0, len(g.rounds))
	for _, r := range g.rounds {
		pending = append(pending, r)
	}
	abortErr := g.abortErr
	g.mu.Unlock()

	klog.Warningf("loopback: %v (%d operations pending)", abortErr, len(pending))
	for _, r := range pending {
		r.done.Trigger(abortErr)
	}
}

func (g *Group) asyncError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abortErr
}

// Communicator returns the communicator for the given rank, that will execute its operations on streams of backend.
// There should be only one communicator per rank.
func (g *Group) Communicator(rank int, backend backends.Backend) *Communicator {
	if rank < 0 || rank >= g.size {
		exceptions.Panicf("loopback: invalid rank %d for group of size %d", rank, g.size)
	}
	return &Communicator{group: g, rank: rank, backend: backend}
}

// Communicator implements backends.Communicator for one rank of a Group.
type Communicator struct {
	group   *Group
	rank    int
	backend backends.Backend
	seq     atomic.Int64
}

// Compile-time check.
var _ backends.Communicator = (*Communicator)(nil)

// Rank implements backends.Communicator.
func (c *Communicator) Rank() int { return c.rank }

// Size implements backends.Communicator.
func (c *Communicator) Size() int { return c.group.size }

// Group returns the group of the communicator.
func (c *Communicator) Group() *Group { return c.group }

// AsyncError implements backends.Communicator.
func (c *Communicator) AsyncError() error { return c.group.asyncError() }

// String implements fmt.Stringer.
func (c *Communicator) String() string {
	return fmt.Sprintf("loopback[%s] rank %d/%d", c.group.id, c.rank, c.group.size)
}

// launch takes the next sequence number and enqueues the participation of this rank on the stream.
// contribute is called when the stream reaches the operation, so it reads the data at that point.
func (c *Communicator) launch(stream backends.Stream, kind opKind, contribute func() *contribution,
	deliver func(r *round) error) error {
	if err := c.AsyncError(); err != nil {
		return err
	}
	seq := c.seq.Add(1)
	return c.backend.LaunchHostFunc(stream, "loopback_"+kind.String(), func() error {
		r, err := c.group.participate(seq, kind, c.rank, contribute())
		if err != nil {
			return err
		}
		return deliver(r)
	})
}

// AllReduce implements backends.Communicator.
func (c *Communicator) AllReduce(stream backends.Stream, send, recv []byte, count int, dtype dtypes.DType,
	op backends.ReduceOpType) error {
	switch op {
	case backends.ReduceOpSum, backends.ReduceOpProduct, backends.ReduceOpMax, backends.ReduceOpMin:
	default:
		return errors.Errorf("loopback: reduce operation %s not supported", op)
	}
	if !dtype.IsNumber() {
		return errors.Errorf("loopback: can't all-reduce dtype %s", dtype)
	}
	numBytes := count * dtype.Size()
	if count < 0 || len(send) < numBytes || len(recv) < numBytes {
		return errors.Errorf("loopback: all-reduce of %d elements of %s (%d bytes) with send=%d, recv=%d bytes",
			count, dtype, numBytes, len(send), len(recv))
	}
	return c.launch(stream, kindAllReduce,
		func() *contribution {
			return &contribution{data: cloneBytes(send[:numBytes]), count: count, dtype: dtype, op: op}
		},
		func(r *round) error {
			copy(recv[:numBytes], r.outputs[0])
			return nil
		})
}

// AllGatherV implements backends.Communicator.
func (c *Communicator) AllGatherV(stream backends.Stream, send, recv []byte, recvSizes []int) error {
	if len(recvSizes) != c.group.size {
		return errors.Errorf("loopback: all-gather with %d sizes for group of size %d", len(recvSizes), c.group.size)
	}
	total := 0
	for _, size := range recvSizes {
		if size < 0 {
			return errors.Errorf("loopback: all-gather with negative size in %v", recvSizes)
		}
		total += size
	}
	if len(send) != recvSizes[c.rank] {
		return errors.Errorf("loopback: all-gather sending %d bytes from rank %d, but sizes are %v",
			len(send), c.rank, recvSizes)
	}
	if len(recv) < total {
		return errors.Errorf("loopback: all-gather of %d bytes into a buffer of %d bytes", total, len(recv))
	}
	sizes := append([]int(nil), recvSizes...)
	return c.launch(stream, kindAllGather,
		func() *contribution { return &contribution{data: cloneBytes(send), sizes: sizes} },
		func(r *round) error {
			copy(recv[:total], r.outputs[0])
			return nil
		})
}

// Broadcast implements backends.Communicator.
func (c *Communicator) Broadcast(stream backends.Stream, buffer []byte, root int) error {
	if root < 0 || root >= c.group.size {
		return errors.Errorf("loopback: invalid broadcast root %d for group of size %d", root, c.group.size)
	}
	return c.launch(stream, kindBroadcast,
		func() *contribution {
			contrib := &contribution{root: root, count: len(buffer)}
			if c.rank == root {
				contrib.data = cloneBytes(buffer)
			}
			return contrib
		},
		func(r *round) error {
			if c.rank != root {
				copy(buffer, r.outputs[0])
			}
			return nil
		})
}

// AllToAllV implements backends.Communicator.
func (c *Communicator) AllToAllV(stream backends.Stream, send []byte, sendSizes []int, recv []byte, recvSizes []int) error {
	if len(sendSizes) != c.group.size || len(recvSizes) != c.group.size {
		return errors.Errorf("loopback: all-to-all with %d send sizes and %d receive sizes for group of size %d",
			len(sendSizes), len(recvSizes), c.group.size)
	}
	sendTotal, recvTotal := 0, 0
	for ii := range sendSizes {
		if sendSizes[ii] < 0 || recvSizes[ii] < 0 {
			return errors.Errorf("loopback: all-to-all with negative sizes: send=%v, recv=%v", sendSizes, recvSizes)
		}
		sendTotal += sendSizes[ii]
		recvTotal += recvSizes[ii]
	}
	if len(send) < sendTotal || len(recv) < recvTotal {
		return errors.Errorf("loopback: all-to-all sending %d bytes (buffer %d) and receiving %d bytes (buffer %d)",
			sendTotal, len(send), recvTotal, len(recv))
	}
	sendSizes = append([]int(nil), sendSizes...)
	recvSizes = append([]int(nil), recvSizes...)
	return c.launch(stream, kindAllToAll,
		func() *contribution {
			return &contribution{data: cloneBytes(send[:sendTotal]), sizes: sendSizes, recvSizes: recvSizes}
		},
		func(r *round) error {
			copy(recv[:recvTotal], r.outputs[c.rank])
			return nil
		})
}

// ExchangeSplits implements backends.Communicator.
func (c *Communicator) ExchangeSplits(splits []int) ([]int, error) {
	if len(splits) != c.group.size {
		return nil, errors.Errorf("loopback: exchanging %d splits for group of size %d", len(splits), c.group.size)
	}
	if err := c.AsyncError(); err != nil {
		return nil, err
	}
	seq := c.seq.Add(1)
	r, err := c.group.participate(seq, kindExchangeSplits, c.rank, &contribution{sizes: append([]int(nil), splits...)})
	if err != nil {
		return nil, err
	}
	return r.splits[c.rank], nil
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
