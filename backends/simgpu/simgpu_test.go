package simgpu

import (
	"testing"
	"time"
	"unsafe"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, config string) *Backend {
	b, err := NewBackend(config)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

func float32Bytes(values ...float32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), 4*len(values))
}

func TestConfig(t *testing.T) {
	b := newTestBackend(t, "devices=4, latency=1ms")
	assert.Equal(t, 4, b.NumDevices())
	assert.Equal(t, time.Millisecond, b.latency)
	assert.NoError(t, b.SetDevice(3))
	assert.Error(t, b.SetDevice(4))
	assert.Error(t, b.SetDevice(backends.CPUDevice))

	_, err := NewBackend("devices=0")
	assert.Error(t, err)
	_, err = NewBackend("colors=3")
	assert.Error(t, err)
	require.Panics(t, func() { New("devices") })

	b2 := backends.NewWithConfig("simgpu:devices=2")
	defer b2.Finalize()
	assert.Equal(t, 2, b2.NumDevices())
	assert.Equal(t, BackendName, b2.Name())
}

func TestStreamOrdering(t *testing.T) {
	b := newTestBackend(t, "")
	s, err := b.StreamCreate(0)
	require.NoError(t, err)

	buf, err := b.Malloc(0, 16)
	require.NoError(t, err)
	src := float32Bytes(1, 2, 3, 4)

	b.Hold()
	require.NoError(t, b.MemcpyAsync(buf, src, s))
	require.NoError(t, b.ScaleBufferAsync(buf, buf, 4, 2, dtypes.Float32, s))
	ev, err := b.EventRecord(s)
	require.NoError(t, err)

	// Nothing executes while on hold.
	time.Sleep(10 * time.Millisecond)
	done, _ := b.EventQuery(ev)
	require.False(t, done)
	require.Equal(t, make([]byte, 16), buf)

	b.Resume()
	require.NoError(t, b.EventSynchronize(ev))
	require.Equal(t, float32Bytes(2, 4, 6, 8), buf)
	b.EventRelease(ev)

	require.NoError(t, b.Free(0, buf))
	require.Error(t, b.Free(0, buf), "double free")
	require.Zero(t, b.BytesInUse())
}

func TestStickyErrors(t *testing.T) {
	b := newTestBackend(t, "devices=2")
	s0, err := b.StreamCreate(0)
	require.NoError(t, err)
	s1, err := b.StreamCreate(1)
	require.NoError(t, err)

	injected := errors.New("ECC error")
	b.InjectFault(injected)
	var ran bool
	require.NoError(t, b.LaunchHostFunc(s0, "first", func() error { return nil }))
	require.NoError(t, b.LaunchHostFunc(s0, "second", func() error { ran = true; return nil }))
	ev0, err := b.EventRecord(s0)
	require.NoError(t, err)
	require.ErrorIs(t, b.EventSynchronize(ev0), injected)
	require.False(t, ran, "work after a device error must not run")

	// Later events on the stream report the same error.
	ev0b, err := b.EventRecord(s0)
	require.NoError(t, err)
	require.ErrorIs(t, b.EventSynchronize(ev0b), injected)

	// Another stream waiting on the failed event fails as well.
	require.NoError(t, b.StreamWaitEvent(s1, ev0))
	ev1, err := b.EventRecord(s1)
	require.NoError(t, err)
	require.ErrorIs(t, b.EventSynchronize(ev1), injected)

	// But a fresh stream works.
	s2, err := b.StreamCreate(1)
	require.NoError(t, err)
	ev2, err := b.EventRecord(s2)
	require.NoError(t, err)
	done, err := b.EventQuery(ev2)
	for !done {
		time.Sleep(time.Millisecond)
		done, err = b.EventQuery(ev2)
	}
	require.NoError(t, err)
	require.Equal(t, 3, b.NumStreamsCreated())
}

func TestStreamWaitEvent(t *testing.T) {
	b := newTestBackend(t, "")
	producer, err := b.StreamCreate(0)
	require.NoError(t, err)
	consumer, err := b.StreamCreate(0)
	require.NoError(t, err)

	buf, err := b.Malloc(0, 4)
	require.NoError(t, err)
	out, err := b.Malloc(0, 4)
	require.NoError(t, err)
	release := make(chan struct{})
	require.NoError(t, b.LaunchHostFunc(producer, "slow", func() error {
		<-release
		return nil
	}))
	require.NoError(t, b.MemsetAsync(buf, 7, producer))
	ready, err := b.EventRecord(producer)
	require.NoError(t, err)
	require.NoError(t, b.StreamWaitEvent(consumer, ready))
	require.NoError(t, b.MemcpyAsync(out, buf, consumer))
	finished, err := b.EventRecord(consumer)
	require.NoError(t, err)

	close(release)
	require.NoError(t, b.EventSynchronize(finished))
	require.Equal(t, []byte{7, 7, 7, 7}, out)
}

func TestInvalidArguments(t *testing.T) {
	b := newTestBackend(t, "")
	s, err := b.StreamCreate(0)
	require.NoError(t, err)
	require.Error(t, b.MemcpyAsync(make([]byte, 2), make([]byte, 3), s))
	require.Error(t, b.ScaleBufferAsync(make([]byte, 4), make([]byte, 4), 4, 2, dtypes.Bool, s))
	require.Error(t, b.ScaleBufferAsync(make([]byte, 4), make([]byte, 4), 2, 2, dtypes.Float32, s))
	_, err = b.StreamCreate(1)
	require.Error(t, err)
	_, err = b.Malloc(0, -1)
	require.Error(t, err)
	require.Error(t, b.Free(0, make([]byte, 4)))

	require.NoError(t, b.StreamDestroy(s))
	require.Error(t, b.MemsetAsync(make([]byte, 4), 0, s))
	_, err = b.EventRecord(s)
	require.Error(t, err)
}
