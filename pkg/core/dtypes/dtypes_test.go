package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["half"])
	require.Equal(t, Uint8, MapOfNames["u8"])

	dtype, err := FromName("float32")
	require.NoError(t, err)
	require.Equal(t, Float32, dtype)
	_, err = FromName("complex64")
	require.Error(t, err)
}

func TestSizes(t *testing.T) {
	want := map[DType]int{
		Bool: 1, Int8: 1, Uint8: 1,
		Int16: 2, Uint16: 2, Float16: 2,
		Int32: 4, Uint32: 4, Float32: 4,
		Int64: 8, Uint64: 8, Float64: 8,
	}
	for _, dtype := range All {
		t.Run(dtype.String(), func(t *testing.T) {
			assert.Equal(t, want[dtype], dtype.Size())
			assert.Equal(t, int(dtype.GoType().Size()), dtype.Size())
			assert.Equal(t, dtype, FromGoType(dtype.GoType()))
		})
	}
	require.Equal(t, 24, Float32.SizeForDimensions(2, 3))
	require.Equal(t, 8, Float64.SizeForDimensions())
	require.Panics(t, func() { _ = InvalidDType.Size() })
}

func TestFromGenericsType(t *testing.T) {
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Uint16, FromGenericsType[uint16]())
	require.Equal(t, Bool, FromGenericsType[bool]())
	require.Equal(t, Float16, FromAny(float16.Fromfloat32(1)))
	require.Equal(t, InvalidDType, FromGoType(reflect.TypeOf("")))
}

func TestPredicates(t *testing.T) {
	require.True(t, Float16.IsFloat())
	require.True(t, Float16.IsFloat16())
	require.False(t, Int32.IsFloat())
	require.True(t, Uint64.IsUnsigned())
	require.False(t, Bool.IsNumber())
	require.True(t, Bool.IsSupported())
	require.False(t, InvalidDType.IsSupported())
	require.Equal(t, "DType(99)", DType(99).String())
}
