package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder(true)
	require.True(t, r.Initialized())
	require.False(t, Noop{}.Initialized())

	names := []string{"a", "b"}
	r.Start("a", Allreduce)
	r.Start("b", Allreduce)
	r.ActivityStartAll(names, Queue)
	r.ActivityStartAll(names, MemcpyInFusionBuffer)
	r.ActivityEndAll(names)
	r.End("a", 1024)

	var got []string
	for _, e := range r.EventsFor("a") {
		got = append(got, e.Type.String()+":"+e.Name)
	}
	require.Equal(t, []string{
		"Start:ALLREDUCE",
		"ActivityStart:QUEUE",
		"ActivityEnd:QUEUE",
		"ActivityStart:MEMCPY_IN_FUSION_BUFFER",
		"ActivityEnd:MEMCPY_IN_FUSION_BUFFER",
		"End:",
	}, got)
	require.Len(t, r.Events(), 11)
}
