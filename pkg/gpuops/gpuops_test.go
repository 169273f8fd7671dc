package gpuops

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/backends/loopback"
	"github.com/gomlx/collectives/backends/simgpu"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/gomlx/collectives/pkg/timeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRank is one rank of a test group: all ranks share the simulated backend, each on its own device.
type testRank struct {
	rank  int
	state *State
	ctx   *tensors.Context
	ops   *OperationManager
}

func newTestBackend(t *testing.T, numDevices int) *simgpu.Backend {
	backend, err := simgpu.NewBackend(fmt.Sprintf("devices=%d", numDevices))
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	return backend
}

func newTestRanks(t *testing.T, backend *simgpu.Backend, numRanks int, config Config, tl timeline.Timeline) []*testRank {
	group := loopback.NewGroup(numRanks)
	ranks := make([]*testRank, numRanks)
	for rank := range numRanks {
		state, err := NewState(config, backend, group.Communicator(rank, backend), tl)
		require.NoError(t, err)
		r := &testRank{rank: rank, state: state, ctx: tensors.NewContext(backend, backends.DeviceNum(rank))}
		r.ops = NewOperationManager(state)
		ranks[rank] = r
		t.Cleanup(func() {
			assert.NoError(t, state.Close())
			assert.NoError(t, r.ctx.Close())
		})
	}
	return ranks
}

// forEachRank runs fn concurrently for every rank, and waits for all of them.
func forEachRank(ranks []*testRank, fn func(r *testRank)) {
	var wg sync.WaitGroup
	for _, r := range ranks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(r)
		}()
	}
	wg.Wait()
}

func newEntry[T dtypes.Supported](t *testing.T, r *testRank, name string, values []T, dims ...int) (*TensorTableEntry, <-chan status.Status) {
	t.Helper()
	x, err := tensors.FromFlatDataAndDimensions(r.ctx, values, dims...)
	require.NoError(t, err)
	done := make(chan status.Status, 2)
	return &TensorTableEntry{
		TensorName: name,
		Tensor:     x,
		Output:     x,
		Device:     r.ctx.Device(),
		Context:    r.ctx,
		Callback:   func(s status.Status) { done <- s },
	}, done
}

func waitStatus(t *testing.T, done <-chan status.Status) status.Status {
	t.Helper()
	select {
	case s := <-done:
		return s
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for the callback")
	}
	return status.Status{}
}

func outputOf[T dtypes.Supported](e *TensorTableEntry) []T {
	return tensors.MustCopyFlatData[T](e.Output.(*tensors.Tensor))
}

func allreduceResponse(entries []*TensorTableEntry, prescale, postscale float64) *Response {
	return &Response{
		Type:            ResponseAllreduce,
		TensorNames:     entryNames(entries),
		DType:           entries[0].Tensor.DType(),
		ReduceOp:        backends.ReduceOpSum,
		PrescaleFactor:  prescale,
		PostscaleFactor: postscale,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	config := DefaultConfig()
	config.StreamAssignment = nil
	require.Error(t, config.Validate())
	config = DefaultConfig()
	config.NumStreams = 0
	require.Error(t, config.Validate())
	config = DefaultConfig()
	config.FinalizerThreads = 0
	require.Error(t, config.Validate())
}

func TestAllreducePrescale(t *testing.T) {
	backend := newTestBackend(t, 2)
	ranks := newTestRanks(t, backend, 2, DefaultConfig(), nil)
	entries := make([]*TensorTableEntry, 2)
	dones := make([]<-chan status.Status, 2)
	for ii, r := range ranks {
		entries[ii], dones[ii] = newEntry(t, r, "grad", []float32{1, 2, 3, 4}, 4)
	}
	forEachRank(ranks, func(r *testRank) {
		st := r.ops.ExecuteOperation(entries[r.rank:r.rank+1], allreduceResponse(entries[r.rank:r.rank+1], 2, 1))
		assert.True(t, st.IsInProgress(), "got %s", st)
	})
	for ii := range ranks {
		require.True(t, waitStatus(t, dones[ii]).IsOk())
		assert.Equal(t, []float32{4, 8, 12, 16}, outputOf[float32](entries[ii]))
		assert.Empty(t, dones[ii], "callback called more than once")
	}
}

func TestAllreduceFusionIsTransparent(t *testing.T) {
	backend := newTestBackend(t, 2)
	config := DefaultConfig()
	config.FusionThreshold = 256
	ranks := newTestRanks(t, backend, 2, config, nil)

	makeEntries := func(r *testRank, prefix string) ([]*TensorTableEntry, []<-chan status.Status) {
		base := float32(10 * r.rank)
		var entries []*TensorTableEntry
		var dones []<-chan status.Status
		for ii, dims := range [][]int{{3}, {5}, {2, 2}} {
			size := 1
			for _, d := range dims {
				size *= d
			}
			values := make([]float32, size)
			for jj := range values {
				values[jj] = base + float32(ii*100+jj)
			}
			e, done := newEntry(t, r, fmt.Sprintf("%s/%d", prefix, ii), values, dims...)
			entries = append(entries, e)
			dones = append(dones, done)
		}
		return entries, dones
	}
	fused := make([][]*TensorTableEntry, 2)
	fusedDones := make([][]<-chan status.Status, 2)
	single := make([][]*TensorTableEntry, 2)
	singleDones := make([][]<-chan status.Status, 2)
	for _, r := range ranks {
		fused[r.rank], fusedDones[r.rank] = makeEntries(r, "fused")
		single[r.rank], singleDones[r.rank] = makeEntries(r, "single")
	}

	forEachRank(ranks, func(r *testRank) {
		entries := fused[r.rank]
		assert.True(t, r.ops.ExecuteOperation(entries, allreduceResponse(entries, 1, 0.5)).IsInProgress())
		for _, e := range single[r.rank] {
			batch := []*TensorTableEntry{e}
			assert.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 0.5)).IsInProgress())
		}
	})
	for _, r := range ranks {
		for ii := range fused[r.rank] {
			require.True(t, waitStatus(t, fusedDones[r.rank][ii]).IsOk())
			require.True(t, waitStatus(t, singleDones[r.rank][ii]).IsOk())
			assert.Equal(t, outputOf[float32](single[r.rank][ii]), outputOf[float32](fused[r.rank][ii]))
		}
		// (0+jj + 10+jj) / 2
		assert.Equal(t, []float32{5, 6, 7}, outputOf[float32](fused[r.rank][0]))
		assert.Equal(t, 64, fused[r.rank][1].InputOffset)
		assert.Equal(t, 1, r.state.FusionBuffers().NumBuffers())
	}
}

func TestAllreduceIntegers(t *testing.T) {
	backend := newTestBackend(t, 2)
	ranks := newTestRanks(t, backend, 2, DefaultConfig(), nil)
	entries := make([]*TensorTableEntry, 2)
	dones := make([]<-chan status.Status, 2)
	for ii, r := range ranks {
		entries[ii], dones[ii] = newEntry(t, r, "counts", []int32{3, -3, 7}, 3)
	}
	forEachRank(ranks, func(r *testRank) {
		batch := entries[r.rank : r.rank+1]
		assert.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 0.5)).IsInProgress())
	})
	for ii := range ranks {
		require.True(t, waitStatus(t, dones[ii]).IsOk())
		assert.Equal(t, []int32{3, -3, 7}, outputOf[int32](entries[ii]))
	}
}

func TestCallbacksOnlyAfterDeviceWork(t *testing.T) {
	backend := newTestBackend(t, 2)
	ranks := newTestRanks(t, backend, 2, DefaultConfig(), nil)
	entries := make([]*TensorTableEntry, 2)
	dones := make([]<-chan status.Status, 2)
	for ii, r := range ranks {
		entries[ii], dones[ii] = newEntry(t, r, "x", []float64{1, 2}, 2)
	}

	backend.Hold()
	forEachRank(ranks, func(r *testRank) {
		batch := entries[r.rank : r.rank+1]
		assert.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 1)).IsInProgress())
	})
	time.Sleep(50 * time.Millisecond)
	for ii, r := range ranks {
		assert.Empty(t, dones[ii], "callback called before the device work completed")
		assert.Equal(t, 1, r.state.Finalizer().NumPending())
	}
	backend.Resume()
	for ii, r := range ranks {
		require.True(t, waitStatus(t, dones[ii]).IsOk())
		assert.Equal(t, []float64{2, 4}, outputOf[float64](entries[ii]))
		r.state.Finalizer().Wait()
		assert.Zero(t, r.state.Finalizer().NumPending())
		assert.Empty(t, dones[ii])
	}
}

func TestScaleOneIsExact(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	values := []float32{
		math.Float32frombits(0x7fc00001), // NaN with payload.
		float32(math.Copysign(0, -1)),
		math.SmallestNonzeroFloat32,
		-3.5,
	}
	src, _ := newEntry(t, r, "src", values, 4)
	dst, _ := newEntry(t, r, "dst", make([]float32, 4), 4)
	batch := []*TensorTableEntry{src}

	c := NewOpContext(r.state)
	require.NoError(t, c.BeginQueue(batch, allreduceResponse(batch, 1, 1), true, false))
	op := &gpuOp{r.state}
	require.NoError(t, op.scaleBuffer(c, 1.0, dtypes.Float32, src.Tensor.Data(), dst.Tensor.Data(), 4))
	require.NoError(t, op.scaleBuffer(c, 1.0, dtypes.Float32, dst.Tensor.Data(), dst.Tensor.Data(), 4))
	require.Error(t, op.scaleBuffer(c, 2.0, dtypes.Bool, src.Tensor.Data(), dst.Tensor.Data(), 4))
	done := make(chan status.Status, 1)
	batch[0].Callback = func(s status.Status) { done <- s }
	require.True(t, c.Finalize(batch, true, nil).IsInProgress())
	require.True(t, waitStatus(t, done).IsOk())
	assert.Equal(t, src.Tensor.Data(), dst.Tensor.Data())
	assert.Equal(t, uint32(0x7fc00001), math.Float32bits(outputOf[float32](dst)[0]))
}

func TestSlotRotation(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	require.Equal(t, -1, r.state.LastSlot())

	run := func(response func(entries []*TensorTableEntry) *Response) int {
		e, done := newEntry(t, r, "x", []float32{1}, 1)
		batch := []*TensorTableEntry{e}
		require.True(t, r.ops.ExecuteOperation(batch, response(batch)).IsInProgress())
		require.True(t, waitStatus(t, done).IsOk())
		return r.state.LastSlot()
	}
	var slots []int
	for range 5 {
		slots = append(slots, run(func(entries []*TensorTableEntry) *Response {
			return allreduceResponse(entries, 1, 1)
		}))
	}
	assert.Equal(t, []int{4, 5, 6, 7, 4}, slots)
	assert.Equal(t, 8, run(func(entries []*TensorTableEntry) *Response {
		response := allreduceResponse(entries, 1, 1)
		response.UseDedicatedSlot = true
		return response
	}))
	assert.Equal(t, 0, run(func(entries []*TensorTableEntry) *Response {
		return &Response{Type: ResponseBroadcast, TensorNames: entryNames(entries), DType: dtypes.Float32}
	}))
	// Slots 4 to 8 and 0: one stream each, a single generation.
	assert.Equal(t, 6, r.state.Streams().Len())
	assert.Zero(t, r.state.Generation())
}

func TestGenerations(t *testing.T) {
	backend := newTestBackend(t, 1)
	config := DefaultConfig()
	config.NumStreams = 2
	config.StreamAssignment = []int{4}
	ranks := newTestRanks(t, backend, 1, config, nil)
	r := ranks[0]
	var generations []int
	for range 3 {
		generations = append(generations, r.state.Generation())
		e, done := newEntry(t, r, "x", []int64{1, 2}, 2)
		batch := []*TensorTableEntry{e}
		require.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 1)).IsInProgress())
		require.True(t, waitStatus(t, done).IsOk())
	}
	assert.Equal(t, []int{0, 1, 0}, generations)
	assert.Equal(t, 2, r.state.Streams().Len())
}

func TestStreamTableConcurrentCreation(t *testing.T) {
	backend := newTestBackend(t, 1)
	table := NewStreamTable(backend)
	defer func() { require.NoError(t, table.Close()) }()

	const numGoroutines = 16
	streams := make([]backends.Stream, numGoroutines)
	var wg sync.WaitGroup
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := table.GetOrCreateStream(0, 4, 0)
			assert.NoError(t, err)
			streams[ii] = s
		}()
	}
	wg.Wait()
	for _, s := range streams {
		assert.Same(t, streams[0], s)
	}
	assert.Equal(t, 1, table.Len())

	_, err := table.GetOrCreateStream(0, 5, 3)
	require.Error(t, err)
	assert.Equal(t, status.PreconditionError, status.FromError(err).Type)
}

func TestZeroLengthBatch(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	e, done := newEntry(t, r, "empty", []float32{}, 0)
	batch := []*TensorTableEntry{e}
	numEvents := backend.NumEventsRecorded()
	require.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 2, 2)).IsInProgress())
	require.True(t, waitStatus(t, done).IsOk())
	assert.Equal(t, numEvents, backend.NumEventsRecorded())
}

func TestFusedBatchFailure(t *testing.T) {
	backend := newTestBackend(t, 1)
	config := DefaultConfig()
	config.FusionThreshold = 0
	ranks := newTestRanks(t, backend, 1, config, nil)
	r := ranks[0]
	var batch []*TensorTableEntry
	var dones []<-chan status.Status
	for ii := range 3 {
		e, done := newEntry(t, r, fmt.Sprintf("t%d", ii), []float32{1, 2, 3}, 3)
		batch = append(batch, e)
		dones = append(dones, done)
	}
	tensorBytes := backend.BytesInUse()

	backend.InjectFault(errors.New("uncorrectable ECC error"))
	require.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 1)).IsInProgress())
	var statuses []status.Status
	for _, done := range dones {
		statuses = append(statuses, waitStatus(t, done))
	}
	require.True(t, statuses[0].IsError())
	assert.Contains(t, statuses[0].Reason, "uncorrectable ECC error")
	for _, st := range statuses[1:] {
		assert.Equal(t, statuses[0], st)
	}

	// Only the manager still references the fusion buffer.
	fb := r.state.FusionBuffers().GetBuffer(0, framework.Go, 0)
	require.NotNil(t, fb)
	assert.Equal(t, tensorBytes+int64(fb.Size()), backend.BytesInUse())
	require.NoError(t, fb.Release())
	r.state.Finalizer().Wait()
	require.NoError(t, r.state.FusionBuffers().Close())
	assert.True(t, fb.IsReleased())
	assert.Equal(t, tensorBytes, backend.BytesInUse())
}

func TestFusionBufferManager(t *testing.T) {
	backend := newTestBackend(t, 1)
	ctx := tensors.NewContext(backend, 0)
	defer func() { require.NoError(t, ctx.Close()) }()
	m := NewFusionBufferManager(backend, 128)
	require.Nil(t, m.GetBuffer(0, framework.Go, 0))

	require.NoError(t, m.InitializeBuffer(16, 0, ctx, 0))
	fb := m.GetBuffer(0, framework.Go, 0)
	require.NotNil(t, fb)
	assert.Equal(t, 128, fb.Size())
	assert.Len(t, fb.Data(), 128)

	// Growing replaces the buffer: the old one lives until its last reference is dropped.
	require.NoError(t, m.InitializeBuffer(1000, 0, ctx, 0))
	assert.False(t, fb.IsReleased())
	require.NoError(t, fb.Release())
	assert.True(t, fb.IsReleased())
	assert.Panics(t, func() { fb.Acquire() })

	grown := m.GetBuffer(0, framework.Go, 0)
	assert.Equal(t, 1000, grown.Size())
	require.NoError(t, grown.Release())
	assert.Nil(t, m.GetBuffer(0, framework.TensorFlow, 0))
	assert.Equal(t, 1, m.NumBuffers())
	require.NoError(t, m.Close())
	assert.True(t, grown.IsReleased())
	assert.Zero(t, backend.BytesInUse())
}

func TestEventQueue(t *testing.T) {
	backend := newTestBackend(t, 1)
	stream, err := backend.StreamCreate(0)
	require.NoError(t, err)
	recorder := timeline.NewRecorder(false)

	var q EventQueue
	backend.Hold()
	require.NoError(t, q.record(backend, timeline.Allreduce, stream))
	require.NoError(t, q.record(backend, "", stream))
	assert.Equal(t, []string{timeline.Allreduce, ""}, q.Names())
	done, err := q.Poll(backend)
	require.NoError(t, err)
	assert.False(t, done)
	backend.Resume()

	events := q.take()
	assert.Zero(t, q.Len())
	checked := false
	err = waitForEvents(backend, events, []string{"a", "b"}, recorder, func() error {
		checked = true
		return status.Abortedf("peer left")
	})
	assert.True(t, checked)
	assert.Equal(t, status.Aborted, status.FromError(err).Type)
	aEvents := recorder.EventsFor("a")
	require.Len(t, aEvents, 2)
	assert.Equal(t, timeline.EventActivityStart, aEvents[0].Type)
	assert.Equal(t, timeline.Allreduce, aEvents[0].Name)
	assert.Equal(t, timeline.EventActivityEnd, aEvents[1].Type)
}

func TestTimelineMarkers(t *testing.T) {
	backend := newTestBackend(t, 1)
	recorder := timeline.NewRecorder(false)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), recorder)
	r := ranks[0]
	a, doneA := newEntry(t, r, "a", []float32{1, 2}, 2)
	b, doneB := newEntry(t, r, "b", []float32{3}, 1)
	batch := []*TensorTableEntry{a, b}
	require.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 1)).IsInProgress())
	require.True(t, waitStatus(t, doneA).IsOk())
	require.True(t, waitStatus(t, doneB).IsOk())

	var activities []string
	for _, e := range recorder.EventsFor("b") {
		if e.Type == timeline.EventActivityStart {
			activities = append(activities, e.Name)
		}
	}
	assert.Equal(t, []string{timeline.Queue, timeline.MemcpyInFusionBuffer, timeline.Allreduce,
		timeline.MemcpyOutFusionBuffer}, activities)
	events := recorder.EventsFor("b")
	last := events[len(events)-1]
	assert.Equal(t, timeline.EventEnd, last.Type)
	assert.Equal(t, 4, last.Size)
}

func TestTimelineScaleAndAllocation(t *testing.T) {
	backend := newTestBackend(t, 1)
	recorder := timeline.NewRecorder(false)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), recorder)
	r := ranks[0]
	activitiesOf := func(name string) []string {
		var activities []string
		for _, e := range recorder.EventsFor(name) {
			if e.Type == timeline.EventActivityStart {
				activities = append(activities, e.Name)
			}
		}
		return activities
	}

	x, doneX := newEntry(t, r, "scaled", []float32{1, 2}, 2)
	batch := []*TensorTableEntry{x}
	require.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 2, 1)).IsInProgress())
	require.True(t, waitStatus(t, doneX).IsOk())
	assert.Equal(t, []float32{2, 4}, outputOf[float32](x))
	assert.Equal(t, []string{timeline.Queue, timeline.Scale, timeline.Allreduce}, activitiesOf("scaled"))

	g, doneG := newEntry(t, r, "gathered", []int32{1, 2}, 2)
	g.Output = nil
	batch = []*TensorTableEntry{g}
	st := r.ops.ExecuteOperation(batch, &Response{
		Type: ResponseAllgather, TensorNames: entryNames(batch), DType: dtypes.Int32, TensorSizes: []int{2}})
	require.True(t, st.IsInProgress(), "got %s", st)
	require.True(t, waitStatus(t, doneG).IsOk())
	assert.Equal(t, []int32{1, 2}, outputOf[int32](g))
	assert.Equal(t, []string{timeline.AllocateOutput, timeline.Queue, timeline.Allgather}, activitiesOf("gathered"))
}

func TestAllgather(t *testing.T) {
	backend := newTestBackend(t, 2)
	config := DefaultConfig()
	config.FusionThreshold = 0
	ranks := newTestRanks(t, backend, 2, config, nil)

	// Single entry: rank 0 has 1 row, rank 1 has 2 rows.
	single := make([]*TensorTableEntry, 2)
	singleDones := make([]<-chan status.Status, 2)
	single[0], singleDones[0] = newEntry(t, ranks[0], "single", []int32{1}, 1)
	single[1], singleDones[1] = newEntry(t, ranks[1], "single", []int32{2, 3}, 2)

	// Two fused entries: a with rows of 2 elements and b with rows of 1.
	fused := make([][]*TensorTableEntry, 2)
	fusedDones := make([]<-chan status.Status, 4)
	a0, da0 := newEntry(t, ranks[0], "a", []float32{1, 2}, 1, 2)
	b0, db0 := newEntry(t, ranks[0], "b", []float32{10, 11, 12}, 3)
	a1, da1 := newEntry(t, ranks[1], "a", []float32{3, 4, 5, 6}, 2, 2)
	b1, db1 := newEntry(t, ranks[1], "b", []float32{}, 0)
	fused[0] = []*TensorTableEntry{a0, b0}
	fused[1] = []*TensorTableEntry{a1, b1}
	fusedDones[0], fusedDones[1], fusedDones[2], fusedDones[3] = da0, db0, da1, db1

	forEachRank(ranks, func(r *testRank) {
		single[r.rank].Output = nil
		for _, e := range fused[r.rank] {
			e.Output = nil
		}
		batch := single[r.rank : r.rank+1]
		st := r.ops.ExecuteOperation(batch, &Response{
			Type: ResponseAllgather, TensorNames: entryNames(batch), DType: dtypes.Int32, TensorSizes: []int{1, 2}})
		assert.True(t, st.IsInProgress(), "got %s", st)
		batch = fused[r.rank]
		st = r.ops.ExecuteOperation(batch, &Response{
			Type: ResponseAllgather, TensorNames: entryNames(batch), DType: dtypes.Float32, TensorSizes: []int{1, 2, 3, 0}})
		assert.True(t, st.IsInProgress(), "got %s", st)
	})
	for _, done := range append(singleDones, fusedDones...) {
		require.True(t, waitStatus(t, done).IsOk())
	}
	for rank := range ranks {
		assert.Equal(t, []int32{1, 2, 3}, outputOf[int32](single[rank]))
		assert.Equal(t, []int{3}, single[rank].Output.Shape().Dimensions)
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, outputOf[float32](fused[rank][0]))
		assert.Equal(t, []int{3, 2}, fused[rank][0].Output.Shape().Dimensions)
		assert.Equal(t, []float32{10, 11, 12}, outputOf[float32](fused[rank][1]))
	}
}

func TestAllgatherValidation(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	e, done := newEntry(t, r, "x", []float32{1}, 1)
	batch := []*TensorTableEntry{e}
	st := r.ops.ExecuteOperation(batch, &Response{Type: ResponseAllgather, TensorNames: []string{"x"}, TensorSizes: []int{1, 1}})
	assert.Equal(t, status.InvalidArgument, st.Type)

	scalar, _ := newEntry(t, r, "s", []float32{1})
	st = r.ops.ExecuteOperation([]*TensorTableEntry{scalar}, &Response{Type: ResponseAllgather, TensorSizes: []int{1}})
	assert.Equal(t, status.InvalidArgument, st.Type)
	assert.Empty(t, done)
}

func TestBroadcast(t *testing.T) {
	backend := newTestBackend(t, 3)
	ranks := newTestRanks(t, backend, 3, DefaultConfig(), nil)
	entries := make([]*TensorTableEntry, 3)
	dones := make([]<-chan status.Status, 3)
	for ii, r := range ranks {
		value := float32(100 * ii)
		entries[ii], dones[ii] = newEntry(t, r, "weights", []float32{value, value + 1}, 2)
		entries[ii].RootRank = 1
		entries[ii].Output = nil
	}
	forEachRank(ranks, func(r *testRank) {
		batch := entries[r.rank : r.rank+1]
		st := r.ops.ExecuteOperation(batch, &Response{Type: ResponseBroadcast, TensorNames: entryNames(batch), DType: dtypes.Float32})
		assert.True(t, st.IsInProgress(), "got %s", st)
	})
	for ii := range ranks {
		require.True(t, waitStatus(t, dones[ii]).IsOk())
		assert.Equal(t, []float32{100, 101}, outputOf[float32](entries[ii]))
	}
	assert.Same(t, entries[1].Tensor, entries[1].Output)
}

func TestAlltoall(t *testing.T) {
	backend := newTestBackend(t, 2)
	ranks := newTestRanks(t, backend, 2, DefaultConfig(), nil)
	entries := make([]*TensorTableEntry, 2)
	dones := make([]<-chan status.Status, 2)
	entries[0], dones[0] = newEntry(t, ranks[0], "tokens", []int64{0, 1, 2}, 3)
	entries[1], dones[1] = newEntry(t, ranks[1], "tokens", []int64{10, 11, 12, 13}, 4)
	splits0, err := tensors.FromFlatDataAndDimensions(ranks[0].ctx, []int32{1, 2}, 2)
	require.NoError(t, err)
	splits1, err := tensors.FromFlatDataAndDimensions(ranks[1].ctx, []int64{3, 1}, 2)
	require.NoError(t, err)
	entries[0].Splits, entries[1].Splits = splits0, splits1

	// Even split, without splits tensor.
	even := make([]*TensorTableEntry, 2)
	evenDones := make([]<-chan status.Status, 2)
	for ii, r := range ranks {
		base := float32(10 * ii)
		even[ii], evenDones[ii] = newEntry(t, r, "even", []float32{base, base + 1, base + 2, base + 3}, 2, 2)
	}

	forEachRank(ranks, func(r *testRank) {
		for _, batch := range [][]*TensorTableEntry{entries[r.rank : r.rank+1], even[r.rank : r.rank+1]} {
			batch[0].Output = nil
			st := r.ops.ExecuteOperation(batch, &Response{Type: ResponseAlltoall, TensorNames: entryNames(batch)})
			assert.True(t, st.IsInProgress(), "got %s", st)
		}
	})
	for ii, r := range ranks {
		require.True(t, waitStatus(t, dones[ii]).IsOk())
		require.True(t, waitStatus(t, evenDones[ii]).IsOk())
		r.state.Finalizer().Wait()
		assert.Zero(t, r.state.HostBuffersInUse())
	}
	assert.Equal(t, []int64{0, 10, 11, 12}, outputOf[int64](entries[0]))
	assert.Equal(t, []int{1, 3}, entries[0].ReceivedSplits)
	assert.Equal(t, []int64{1, 2, 13}, outputOf[int64](entries[1]))
	assert.Equal(t, []int{2, 1}, entries[1].ReceivedSplits)
	assert.Equal(t, []float32{0, 1, 10, 11}, outputOf[float32](even[0]))
	assert.Equal(t, []float32{2, 3, 12, 13}, outputOf[float32](even[1]))
}

func TestAlltoallInvalidSplits(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	e, done := newEntry(t, r, "x", []float32{1, 2, 3}, 3)
	splits, err := tensors.FromFlatDataAndDimensions(r.ctx, []int32{2}, 1)
	require.NoError(t, err)
	e.Splits = splits
	batch := []*TensorTableEntry{e}
	require.True(t, r.ops.ExecuteOperation(batch, &Response{Type: ResponseAlltoall, TensorNames: []string{"x"}}).IsInProgress())
	st := waitStatus(t, done)
	assert.Equal(t, status.InvalidArgument, st.Type)
	assert.Contains(t, st.Reason, "sum to 2")
}

func TestOperationManager(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	e, done := newEntry(t, r, "x", []float32{1}, 1)
	batch := []*TensorTableEntry{e}

	st := r.ops.ExecuteOperation(batch, &Response{Type: ResponseError, ErrorType: status.InvalidArgument, ErrorMessage: "mismatched dtypes"})
	assert.Equal(t, status.InvalidArgumentf("mismatched dtypes"), st)
	assert.True(t, r.ops.ExecuteOperation(nil, &Response{Type: ResponseJoin}).IsOk())
	assert.Equal(t, status.InvalidArgument, r.ops.ExecuteOperation(nil, allreduceResponse(batch, 1, 1)).Type)

	e.Device = backends.CPUDevice
	st = r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 1))
	assert.Equal(t, status.PreconditionError, st.Type)
	assert.Empty(t, done)

	// A host implementation registered after the device one serves the CPU batches.
	host := &hostOp{}
	r.ops.Register(ResponseAllreduce, host)
	st = r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 1))
	assert.True(t, st.IsOk(), "got %s", st)
	assert.Equal(t, []string{"x"}, host.executed)
}

// hostOp accepts only host batches, and completes them synchronously.
type hostOp struct {
	executed []string
}

func (op *hostOp) Name() string { return "HOST_ALLREDUCE" }

func (op *hostOp) Enabled(entries []*TensorTableEntry, _ *Response) bool {
	return entries[0].Device == backends.CPUDevice
}

func (op *hostOp) Execute(entries []*TensorTableEntry, _ *Response) status.Status {
	op.executed = append(op.executed, entryNames(entries)...)
	return status.Ok()
}

func TestHostBuffers(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	e, done := newEntry(t, r, "x", []float32{1}, 1)
	batch := []*TensorTableEntry{e}
	c := NewOpContext(r.state)
	require.NoError(t, c.BeginQueue(batch, allreduceResponse(batch, 1, 1), true, false))
	buf := c.HostBuffer(32)
	assert.Len(t, buf, 32)
	assert.True(t, unsafe.SliceData(buf) == unsafe.SliceData(c.HostBuffer(32)))
	assert.Len(t, c.HostBuffer(8), 8)
	assert.Equal(t, 1, r.state.HostBuffersInUse())
	require.True(t, c.Finalize(batch, true, nil).IsInProgress())
	require.True(t, waitStatus(t, done).IsOk())
	r.state.Finalizer().Wait()
	assert.Zero(t, r.state.HostBuffersInUse())
}

func TestCallbackPanicIsContained(t *testing.T) {
	backend := newTestBackend(t, 1)
	ranks := newTestRanks(t, backend, 1, DefaultConfig(), nil)
	r := ranks[0]
	bad, _ := newEntry(t, r, "bad", []float32{1}, 1)
	bad.Callback = func(status.Status) { panic("user callback failure") }
	good, done := newEntry(t, r, "good", []float32{2}, 1)
	batch := []*TensorTableEntry{bad, good}
	require.True(t, r.ops.ExecuteOperation(batch, allreduceResponse(batch, 1, 1)).IsInProgress())
	require.True(t, waitStatus(t, done).IsOk())
}

func TestFinalizerClosed(t *testing.T) {
	f := NewFinalizer(2, 1)
	var count sync.WaitGroup
	count.Add(3)
	for range 3 {
		require.NoError(t, f.Submit(count.Done))
	}
	count.Wait()
	f.Close()
	err := f.Submit(func() {})
	require.Error(t, err)
	assert.Equal(t, status.Aborted, status.FromError(err).Type)
	assert.Zero(t, f.NumPending())
}
