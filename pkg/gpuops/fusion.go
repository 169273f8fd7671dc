package gpuops

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type fusionKey struct {
	device     backends.DeviceNum
	framework  framework.Framework
	generation int
}

// FusionBuffer is a reference-counted staging buffer, where the entries of a batch are packed so a single
// collective serves all of them.
//
// The FusionBufferManager holds one reference, and so does every batch using it until its finalization.
// The memory is released by whoever drops the last reference.
type FusionBuffer struct {
	key     fusionKey
	backend backends.Backend
	ctx     framework.OpContext
	buffer  framework.PersistentBuffer
	size    int
	refs    atomic.Int32

	// fence is recorded after the last batch that used the buffer: the next batch using the buffer
	// waits for it on its own stream, so two batches never touch the buffer at the same time, even
	// if they run on different streams.
	muFence sync.Mutex
	fence   backends.Event
}

// Size of the buffer in bytes.
func (fb *FusionBuffer) Size() int { return fb.size }

// Data returns the memory of the buffer.
func (fb *FusionBuffer) Data() []byte {
	return fb.buffer.AccessData(fb.ctx)[:fb.size]
}

// Acquire a new reference to the buffer. It returns the buffer itself, for convenience.
func (fb *FusionBuffer) Acquire() *FusionBuffer {
	if fb.refs.Add(1) <= 1 {
		panic(errors.Errorf("FusionBuffer.Acquire() on a released buffer (device=%d, generation=%d)",
			fb.key.device, fb.key.generation))
	}
	return fb
}

// Release a reference to the buffer. The memory is released with the last reference.
func (fb *FusionBuffer) Release() error {
	refs := fb.refs.Add(-1)
	if refs > 0 {
		return nil
	}
	if refs < 0 {
		panic(errors.Errorf("FusionBuffer.Release() called too many times (device=%d, generation=%d)",
			fb.key.device, fb.key.generation))
	}
	fb.muFence.Lock()
	if fb.fence != nil {
		fb.backend.EventRelease(fb.fence)
		fb.fence = nil
	}
	fb.muFence.Unlock()
	klog.V(2).Infof("gpuops: releasing fusion buffer of %s (device=%d, %s, generation=%d)",
		humanize.IBytes(uint64(fb.size)), fb.key.device, fb.key.framework, fb.key.generation)
	return errors.WithMessage(fb.buffer.Release(), "releasing fusion buffer")
}

// IsReleased returns whether the last reference was released.
func (fb *FusionBuffer) IsReleased() bool {
	return fb.refs.Load() <= 0
}

// waitFence makes stream wait for the previous batch that used the buffer.
func (fb *FusionBuffer) waitFence(stream backends.Stream) error {
	fb.muFence.Lock()
	defer fb.muFence.Unlock()
	if fb.fence == nil {
		return nil
	}
	return fb.backend.StreamWaitEvent(stream, fb.fence)
}

// setFence records on stream the event the next user of the buffer will wait for.
func (fb *FusionBuffer) setFence(stream backends.Stream) error {
	event, err := fb.backend.EventRecord(stream)
	if err != nil {
		return err
	}
	fb.muFence.Lock()
	defer fb.muFence.Unlock()
	if fb.fence != nil {
		fb.backend.EventRelease(fb.fence)
	}
	fb.fence = event
	return nil
}

// FusionBufferManager keeps one fusion buffer per (device, framework, generation).
// Buffers are allocated through the framework on first use, and grow to the largest batch seen.
type FusionBufferManager struct {
	backend   backends.Backend
	threshold int

	mu      sync.Mutex
	buffers map[fusionKey]*FusionBuffer
}

// NewFusionBufferManager creates a manager whose buffers are at least threshold bytes.
func NewFusionBufferManager(backend backends.Backend, threshold int) *FusionBufferManager {
	return &FusionBufferManager{
		backend:   backend,
		threshold: threshold,
		buffers:   make(map[fusionKey]*FusionBuffer),
	}
}

// Threshold returns the minimum size of the buffers.
func (m *FusionBufferManager) Threshold() int { return m.threshold }

// InitializeBuffer makes sure the buffer for (device, ctx.Framework(), generation) has at least minSize bytes.
// It allocates it with ctx on first use, or replaces it by a larger one. The replaced buffer is
// released once the batches using it are finalized.
func (m *FusionBufferManager) InitializeBuffer(minSize int, device backends.DeviceNum, ctx framework.OpContext, generation int) error {
	key := fusionKey{device: device, framework: ctx.Framework(), generation: generation}
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.buffers[key]
	if old != nil && old.size >= minSize {
		return nil
	}
	size := max(m.threshold, minSize)
	buffer, err := ctx.AllocatePersistent(size)
	if err != nil {
		return status.PreconditionErrorf("failed to allocate fusion buffer of %s on device %d: %v",
			humanize.IBytes(uint64(size)), device, err)
	}
	fb := &FusionBuffer{key: key, backend: m.backend, ctx: ctx, buffer: buffer, size: size}
	fb.refs.Store(1)
	m.buffers[key] = fb
	klog.V(1).Infof("gpuops: allocated fusion buffer of %s (device=%d, %s, generation=%d)",
		humanize.IBytes(uint64(size)), device, key.framework, generation)
	if old != nil {
		if err := old.Release(); err != nil {
			klog.Warningf("gpuops: %v", err)
		}
	}
	return nil
}

// GetBuffer returns a new reference to the buffer for (device, fw, generation), or nil if it was not initialized.
// The caller must Release it.
func (m *FusionBufferManager) GetBuffer(device backends.DeviceNum, fw framework.Framework, generation int) *FusionBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	fb := m.buffers[fusionKey{device: device, framework: fw, generation: generation}]
	if fb == nil {
		return nil
	}
	return fb.Acquire()
}

// NumBuffers returns the number of buffers currently held by the manager.
func (m *FusionBufferManager) NumBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

// Close drops the references held by the manager. Buffers still used by batches are released when these finish.
func (m *FusionBufferManager) Close() error {
	m.mu.Lock()
	buffers := m.buffers
	m.buffers = make(map[fusionKey]*FusionBuffer)
	m.mu.Unlock()
	var firstErr error
	for _, fb := range buffers {
		if err := fb.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
