package tensors

import (
	"testing"
	"time"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/backends/simgpu"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensors(t *testing.T) {
	backend, err := simgpu.NewBackend("devices=2")
	require.NoError(t, err)
	defer backend.Finalize()
	ctx := NewContext(backend, 1)
	defer func() { require.NoError(t, ctx.Close()) }()
	require.Equal(t, framework.Go, ctx.Framework())

	x, err := FromFlatDataAndDimensions(ctx, []int32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, x.DType())
	assert.Equal(t, 24, x.Size())
	assert.Equal(t, "Tensor(Int32)[2 3]@device#1", x.String())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, MustCopyFlatData[int32](x))
	_, err = CopyFlatData[float32](x)
	require.Error(t, err)
	_, err = FromFlatDataAndDimensions(ctx, []int32{1, 2}, 3)
	require.Error(t, err)
	require.Equal(t, int64(24), backend.BytesInUse())

	require.NoError(t, x.Finalize())
	require.NoError(t, x.Finalize())
	require.True(t, x.IsFinalized())
	require.Zero(t, backend.BytesInUse())
}

func TestContextAllocations(t *testing.T) {
	backend, err := simgpu.NewBackend("")
	require.NoError(t, err)
	defer backend.Finalize()
	ctx := NewContext(backend, 0)

	zeros, err := ctx.AllocateZeros(5, dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Float64, 5), zeros.Shape())
	assert.Equal(t, make([]byte, 40), zeros.Data())

	out, err := ctx.AllocateOutput(shapes.Make(dtypes.Float16, 0, 3))
	require.NoError(t, err)
	assert.Zero(t, out.Size())

	buf, err := ctx.AllocatePersistent(128)
	require.NoError(t, err)
	assert.Len(t, buf.AccessData(ctx), 128)
	require.NoError(t, buf.Release())
	require.Error(t, buf.Release())

	// Host memory.
	cpu := NewContext(nil, backends.CPUDevice)
	h, err := FromFlatDataAndDimensions(cpu, []float32{1, 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, "Tensor(Float32)[2]@cpu", h.String())
	require.NoError(t, h.Finalize())
}

func TestReadyEvent(t *testing.T) {
	backend, err := simgpu.NewBackend("")
	require.NoError(t, err)
	defer backend.Finalize()
	stream, err := backend.StreamCreate(0)
	require.NoError(t, err)
	backend.Hold()
	ready, err := NewReadyEvent(backend, stream)
	require.NoError(t, err)
	require.False(t, ready.Ready())
	backend.Resume()
	require.Eventually(t, ready.Ready, time.Second, time.Millisecond)
}
