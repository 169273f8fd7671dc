package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceOpTypeFromName(t *testing.T) {
	for _, op := range []ReduceOpType{ReduceOpSum, ReduceOpProduct, ReduceOpMax, ReduceOpMin, ReduceOpAverage, ReduceOpAdasum} {
		t.Run(op.String(), func(t *testing.T) {
			got, err := ReduceOpTypeFromName(op.String())
			require.NoError(t, err)
			assert.Equal(t, op, got)
		})
	}
	for _, name := range []string{"Undefined", "bogus", ""} {
		t.Run("invalid/"+name, func(t *testing.T) {
			got, err := ReduceOpTypeFromName(name)
			require.Error(t, err)
			assert.Equal(t, ReduceOpUndefined, got)
		})
	}
	assert.Equal(t, "ReduceOpType(99)", ReduceOpType(99).String())
}
