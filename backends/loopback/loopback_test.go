package loopback

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/backends/simgpu"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRank struct {
	comm   *Communicator
	stream backends.Stream
}

func setup(t *testing.T, size int) (*simgpu.Backend, []testRank) {
	backend, err := simgpu.NewBackend("devices=4")
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	group := NewGroup(size)
	ranks := make([]testRank, size)
	for rank := range ranks {
		ranks[rank].comm = group.Communicator(rank, backend)
		ranks[rank].stream, err = backend.StreamCreate(backends.DeviceNum(rank % 4))
		require.NoError(t, err)
	}
	return backend, ranks
}

// sync waits for all the work enqueued on the streams of the ranks, and returns the error of each.
func syncRanks(t *testing.T, backend *simgpu.Backend, ranks []testRank) []error {
	errs := make([]error, len(ranks))
	for ii, r := range ranks {
		ev, err := backend.EventRecord(r.stream)
		require.NoError(t, err)
		errs[ii] = backend.EventSynchronize(ev)
		backend.EventRelease(ev)
	}
	return errs
}

func f32(values ...float32) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), 4*len(values))...)
}

func TestAllReduce(t *testing.T) {
	backend, ranks := setup(t, 3)
	bufs := [][]byte{f32(1, 2), f32(10, 20), f32(100, 200)}
	for ii, r := range ranks {
		require.NoError(t, r.comm.AllReduce(r.stream, bufs[ii], bufs[ii], 2, dtypes.Float32, backends.ReduceOpSum))
	}
	for _, err := range syncRanks(t, backend, ranks) {
		require.NoError(t, err)
	}
	for _, buf := range bufs {
		assert.Equal(t, f32(111, 222), buf)
	}

	// Max into separate output.
	outs := make([][]byte, 3)
	for ii, r := range ranks {
		outs[ii] = make([]byte, 8)
		require.NoError(t, r.comm.AllReduce(r.stream, f32(float32(ii), float32(-ii)), outs[ii], 2, dtypes.Float32, backends.ReduceOpMax))
	}
	syncRanks(t, backend, ranks)
	for _, out := range outs {
		assert.Equal(t, f32(2, 0), out)
	}

	require.Error(t, ranks[0].comm.AllReduce(ranks[0].stream, bufs[0], bufs[0], 2, dtypes.Float32, backends.ReduceOpAverage))
	require.Error(t, ranks[0].comm.AllReduce(ranks[0].stream, bufs[0], bufs[0], 3, dtypes.Float32, backends.ReduceOpSum))
}

func TestAllGatherVAndBroadcast(t *testing.T) {
	backend, ranks := setup(t, 2)
	sizes := []int{4, 8}
	recvs := [][]byte{make([]byte, 12), make([]byte, 12)}
	sends := [][]byte{f32(1), f32(2, 3)}
	for ii, r := range ranks {
		require.NoError(t, r.comm.AllGatherV(r.stream, sends[ii], recvs[ii], sizes))
	}
	syncRanks(t, backend, ranks)
	for _, recv := range recvs {
		assert.Equal(t, f32(1, 2, 3), recv)
	}

	bufs := [][]byte{make([]byte, 8), f32(7, 8)}
	for ii, r := range ranks {
		require.NoError(t, r.comm.Broadcast(r.stream, bufs[ii], 1))
	}
	syncRanks(t, backend, ranks)
	assert.Equal(t, f32(7, 8), bufs[0])
	assert.Equal(t, f32(7, 8), bufs[1])
}

func TestAllToAllV(t *testing.T) {
	backend, ranks := setup(t, 2)
	// Rank 0 sends 1 row to itself and 2 to rank 1; rank 1 sends 3 rows to rank 0 and none to itself.
	splits := [][]int{{1, 2}, {3, 0}}
	var wg sync.WaitGroup
	received := make([][]int, 2)
	for ii, r := range ranks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			received[ii], err = r.comm.ExchangeSplits(splits[ii])
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, []int{1, 3}, received[0])
	assert.Equal(t, []int{2, 0}, received[1])

	sends := [][]byte{f32(0, 1, 2), f32(10, 11, 12)}
	recvs := [][]byte{make([]byte, 16), make([]byte, 8)}
	for ii, r := range ranks {
		sendSizes := []int{4 * splits[ii][0], 4 * splits[ii][1]}
		recvSizes := []int{4 * received[ii][0], 4 * received[ii][1]}
		require.NoError(t, r.comm.AllToAllV(r.stream, sends[ii], sendSizes, recvs[ii], recvSizes))
	}
	for _, err := range syncRanks(t, backend, ranks) {
		require.NoError(t, err)
	}
	assert.Equal(t, f32(0, 10, 11, 12), recvs[0])
	assert.Equal(t, f32(1, 2), recvs[1])
}

func TestMismatchAndAbort(t *testing.T) {
	backend, ranks := setup(t, 2)
	require.NoError(t, ranks[0].comm.AllReduce(ranks[0].stream, f32(1), f32(1), 1, dtypes.Float32, backends.ReduceOpSum))
	require.NoError(t, ranks[1].comm.Broadcast(ranks[1].stream, f32(1), 0))
	for _, err := range syncRanks(t, backend, ranks) {
		require.Error(t, err)
		assert.Equal(t, status.InvalidArgument, status.FromError(err).Type)
	}

	// Abort releases a rank waiting for its peer.
	_, ranks = setup(t, 2)
	buf := f32(1)
	require.NoError(t, ranks[0].comm.AllReduce(ranks[0].stream, buf, buf, 1, dtypes.Float32, backends.ReduceOpSum))
	ranks[0].comm.Group().Abort(errors.New("rank 1 crashed"))
	err := ranks[0].comm.AsyncError()
	require.Error(t, err)
	assert.Equal(t, status.Aborted, status.FromError(err).Type)
	require.Error(t, ranks[1].comm.Broadcast(ranks[1].stream, buf, 0), "launching on an aborted group must fail")
}

func TestInvalidGroup(t *testing.T) {
	require.Panics(t, func() { NewGroup(0) })
	backend, err := simgpu.NewBackend("devices=1")
	require.NoError(t, err)
	defer backend.Finalize()
	group := NewGroup(2)
	require.Panics(t, func() { group.Communicator(2, backend) })
	require.Panics(t, func() { group.Communicator(-1, backend) })
	require.NotPanics(t, func() { group.Communicator(1, backend) })
}

func TestMismatchedAllGatherSizes(t *testing.T) {
	backend, ranks := setup(t, 2)
	recv0, recv1 := f32(0, 0), f32(0, 0, 0)
	require.NoError(t, ranks[0].comm.AllGatherV(ranks[0].stream, f32(1), recv0, []int{4, 4}))
	require.NoError(t, ranks[1].comm.AllGatherV(ranks[1].stream, f32(1, 2), recv1, []int{4, 8}))
	for _, err := range syncRanks(t, backend, ranks) {
		require.Error(t, err)
		assert.Equal(t, status.InvalidArgument, status.FromError(err).Type)
	}
}
