package gpuops

import (
	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type streamKey struct {
	generation, slot int
}

// StreamTable lazily creates and caches the streams used by the batches, by generation and slot.
//
// Streams are created on first use and live until Close.
// Concurrent first lookups of the same key all get the same stream: the losers of the race destroy the
// stream they created.
type StreamTable struct {
	backend backends.Backend
	streams xsync.SyncMap[streamKey, backends.Stream]
}

// NewStreamTable creates an empty table of streams of backend.
func NewStreamTable(backend backends.Backend) *StreamTable {
	return &StreamTable{backend: backend}
}

// GetOrCreateStream returns the stream for (generation, slot), creating it on device if needed.
// Creation failures are reported as status.PreconditionError.
func (t *StreamTable) GetOrCreateStream(generation, slot int, device backends.DeviceNum) (backends.Stream, error) {
	key := streamKey{generation, slot}
	if stream, found := t.streams.Load(key); found {
		return stream, nil
	}
	stream, err := t.backend.StreamCreate(device)
	if err != nil {
		return nil, status.PreconditionErrorf("failed to create stream (generation=%d, slot=%d) on device %d: %v",
			generation, slot, device, err)
	}
	actual, loaded := t.streams.LoadOrStore(key, stream)
	if loaded {
		if err := t.backend.StreamDestroy(stream); err != nil {
			klog.Warningf("gpuops: failed to destroy duplicate stream (generation=%d, slot=%d): %v", generation, slot, err)
		}
		return actual, nil
	}
	klog.V(2).Infof("gpuops: created stream (generation=%d, slot=%d) on device %d", generation, slot, device)
	return stream, nil
}

// Len returns the number of streams in the table.
func (t *StreamTable) Len() int {
	return t.streams.Len()
}

// Close destroys all streams of the table.
func (t *StreamTable) Close() error {
	var firstErr error
	t.streams.Range(func(key streamKey, stream backends.Stream) bool {
		if _, loaded := t.streams.LoadAndDelete(key); !loaded {
			return true
		}
		if err := t.backend.StreamDestroy(stream); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "destroying stream (generation=%d, slot=%d)", key.generation, key.slot)
		}
		return true
	})
	return firstErr
}
