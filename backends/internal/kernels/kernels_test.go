package kernels

import (
	"math"
	"testing"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestScale(t *testing.T) {
	// Float32 in place.
	values := []float32{1, 2, 3, 4}
	buf := toBytes(values)
	require.NoError(t, Scale(dtypes.Float32, buf, buf, 4, 2))
	require.Equal(t, []float32{2, 4, 6, 8}, values)

	// Factor 1.0 is an exact copy, even for NaNs.
	src := []float64{math.NaN(), math.Inf(-1), 1e-310, -0.0}
	dst := make([]float64, 4)
	require.NoError(t, Scale(dtypes.Float64, toBytes(src), toBytes(dst), 4, 1.0))
	for ii := range src {
		require.Equal(t, math.Float64bits(src[ii]), math.Float64bits(dst[ii]))
	}

	// Integers are truncated toward zero.
	ints := []int32{3, -3, 7}
	require.NoError(t, Scale(dtypes.Int32, toBytes(ints), toBytes(ints), 3, 0.5))
	require.Equal(t, []int32{1, -1, 3}, ints)

	// Float16 uses a float32 intermediate.
	halves := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}
	require.NoError(t, Scale(dtypes.Float16, toBytes(halves), toBytes(halves), 2, 0.5))
	require.Equal(t, float32(0.75), halves[0].Float32())
	require.Equal(t, float32(-1), halves[1].Float32())

	// Only the first n elements are touched.
	partial := []int64{10, 10, 10}
	require.NoError(t, Scale(dtypes.Int64, toBytes(partial), toBytes(partial), 2, 3))
	require.Equal(t, []int64{30, 30, 10}, partial)

	// Errors.
	require.Error(t, Scale(dtypes.Bool, make([]byte, 4), make([]byte, 4), 4, 2))
	require.Error(t, Scale(dtypes.Float32, make([]byte, 4), make([]byte, 4), 2, 2))
}

func TestScaleMisaligned(t *testing.T) {
	values := []float32{1, 2, 3}
	raw := make([]byte, 1+3*4)
	copy(raw[1:], toBytes(values))
	require.NoError(t, Scale(dtypes.Float32, raw[1:], raw[1:], 3, -1))
	got, _ := asSlice[float32](raw[1:], 3)
	require.Equal(t, []float32{-1, -2, -3}, got)
}

func TestReduce(t *testing.T) {
	acc := []float32{1, 5, -1}
	require.NoError(t, Reduce(dtypes.Float32, backends.ReduceOpSum, toBytes(acc), toBytes([]float32{1, 1, 1}), 3))
	require.Equal(t, []float32{2, 6, 0}, acc)
	require.NoError(t, Reduce(dtypes.Float32, backends.ReduceOpMax, toBytes(acc), toBytes([]float32{3, 3, 3}), 3))
	require.Equal(t, []float32{3, 6, 3}, acc)

	ints := []uint8{2, 200}
	require.NoError(t, Reduce(dtypes.Uint8, backends.ReduceOpProduct, toBytes(ints), toBytes([]uint8{3, 2}), 2))
	require.Equal(t, []uint8{6, 144}, ints) // 400 wraps around.

	halves := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(4)}
	other := []float16.Float16{float16.Fromfloat32(2), float16.Fromfloat32(3)}
	require.NoError(t, Reduce(dtypes.Float16, backends.ReduceOpMin, toBytes(halves), toBytes(other), 2))
	require.Equal(t, float32(1), halves[0].Float32())
	require.Equal(t, float32(3), halves[1].Float32())

	require.Error(t, Reduce(dtypes.Float32, backends.ReduceOpAdasum, toBytes(acc), toBytes(acc), 3))
	require.Error(t, Reduce(dtypes.Bool, backends.ReduceOpSum, make([]byte, 2), make([]byte, 2), 2))
}
