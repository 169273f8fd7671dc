package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAndSum(t *testing.T) {
	assert.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, strconv.Itoa))
	assert.Equal(t, 6, Sum([]int{1, 2, 3}))
	assert.Equal(t, 0.0, Sum([]float64(nil)))
}

func TestSliceFlag(t *testing.T) {
	f := NewSliceFlag([]int{4, 5}, strconv.Atoi, nil)
	assert.Equal(t, "4,5", f.String())
	require.NoError(t, f.Set("1, 2,3"))
	assert.Equal(t, []int{1, 2, 3}, f.Values())
	require.Error(t, f.Set("1,x"))
	assert.Equal(t, []int{1, 2, 3}, f.Values(), "a failed Set keeps the previous values")
	require.NoError(t, f.Set(""))
	assert.Empty(t, f.Values())
}
