// Package gpuops is the device execution engine of the collectives: it takes batches of requests already
// agreed upon by all ranks (a Response and its entries), stages them into fusion buffers, runs the
// collective on a device stream, and hands the completion of the batch to a background Finalizer that
// calls the entries' callbacks once the device work is done.
//
// Nothing here blocks the issuing goroutine on device work: Execute returns status.InProgress as soon as
// the batch is enqueued.
//
// All the state is in State, shared by every operation of one rank.
package gpuops

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/timeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the device execution.
type Config struct {
	// NumStreams is the number of stream generations: consecutive batches rotate over them, so independent
	// batches can overlap.
	NumStreams int

	// StreamAssignment is the table of slots used, in rotation, by reduction batches.
	StreamAssignment []int

	// DedicatedSlot is the slot of reductions that ask for the dedicated stream.
	DedicatedSlot int

	// NumAuxStreams is the number of auxiliary streams, used to copy entries into the fusion buffer in parallel.
	// If 0, copies run on the batch stream.
	NumAuxStreams int

	// FusionThreshold is the minimum size in bytes of the fusion buffers.
	FusionThreshold int

	// FinalizerThreads is the number of background workers waiting for batches to complete.
	FinalizerThreads int

	// FinalizerQueueWarn is the finalizer queue depth above which a warning is logged.
	FinalizerQueueWarn int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		NumStreams:         1,
		StreamAssignment:   []int{4, 5, 6, 7},
		DedicatedSlot:      8,
		NumAuxStreams:      4,
		FusionThreshold:    64 << 20,
		FinalizerThreads:   1,
		FinalizerQueueWarn: 1024,
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.NumStreams <= 0 {
		return errors.Errorf("NumStreams must be > 0, got %d", c.NumStreams)
	}
	if len(c.StreamAssignment) == 0 {
		return errors.New("StreamAssignment can't be empty")
	}
	for _, slot := range c.StreamAssignment {
		if slot < 0 {
			return errors.Errorf("invalid slot %d in StreamAssignment %v", slot, c.StreamAssignment)
		}
	}
	if c.DedicatedSlot < 0 || c.NumAuxStreams < 0 || c.FusionThreshold < 0 {
		return errors.Errorf("DedicatedSlot (%d), NumAuxStreams (%d) and FusionThreshold (%d) must be >= 0",
			c.DedicatedSlot, c.NumAuxStreams, c.FusionThreshold)
	}
	if c.FinalizerThreads <= 0 {
		return errors.Errorf("FinalizerThreads must be > 0, got %d", c.FinalizerThreads)
	}
	return nil
}

// State is the device execution state of one rank: the stream table, the fusion buffers, the finalizer
// and the rotation counters. It's shared by all the operations, and there are no globals: independent
// instances can coexist in the same process.
type State struct {
	config   Config
	backend  backends.Backend
	comm     backends.Communicator
	timeline timeline.Timeline

	streams   *StreamTable
	fusion    *FusionBufferManager
	finalizer *Finalizer

	// hostBuffers are pools of host scratch buffers, by size.
	hostBuffers      sync.Map
	hostBuffersInUse atomic.Int64

	// mu protects the rotation counters. They are only advanced by the issuing goroutine, but can be inspected.
	mu                sync.Mutex
	currentGeneration int
	currentAssignment int
	lastSlot          int
}

// NewState creates the device execution state. tl may be nil, in which case nothing is recorded.
func NewState(config Config, backend backends.Backend, comm backends.Communicator, tl timeline.Timeline) (*State, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid device execution configuration")
	}
	if backend == nil || comm == nil {
		return nil, errors.New("device execution requires a backend and a communicator")
	}
	if tl == nil {
		tl = timeline.Noop{}
	}
	s := &State{
		config:   config,
		backend:  backend,
		comm:     comm,
		timeline: tl,
		lastSlot: -1,
	}
	s.streams = NewStreamTable(backend)
	s.fusion = NewFusionBufferManager(backend, config.FusionThreshold)
	s.finalizer = NewFinalizer(config.FinalizerThreads, config.FinalizerQueueWarn)
	klog.V(1).Infof("gpuops: rank %d/%d on %s: %d stream generations, reduction slots %v, dedicated slot %d, %d aux streams",
		comm.Rank(), comm.Size(), backend.Name(), config.NumStreams, config.StreamAssignment, config.DedicatedSlot,
		config.NumAuxStreams)
	return s, nil
}

// Config returns the configuration of the state.
func (s *State) Config() Config { return s.config }

// Backend returns the device backend.
func (s *State) Backend() backends.Backend { return s.backend }

// Communicator returns the collective communicator.
func (s *State) Communicator() backends.Communicator { return s.comm }

// Timeline returns the timeline used to record the batches.
func (s *State) Timeline() timeline.Timeline { return s.timeline }

// Streams returns the stream table.
func (s *State) Streams() *StreamTable { return s.streams }

// FusionBuffers returns the fusion buffer manager.
func (s *State) FusionBuffers() *FusionBufferManager { return s.fusion }

// Finalizer returns the background finalizer.
func (s *State) Finalizer() *Finalizer { return s.finalizer }

// Generation returns the current stream generation.
func (s *State) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentGeneration
}

// LastSlot returns the slot selected by the last batch that started, or -1 if none started yet.
func (s *State) LastSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSlot
}

// selectSlot implements the slot selection of a batch. It advances the rotation of the reduction slots.
func (s *State) selectSlot(device backends.DeviceNum, isReduction, useDedicatedSlot bool) (generation, slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case useDedicatedSlot:
		slot = s.config.DedicatedSlot
	case isReduction:
		slot = s.config.StreamAssignment[s.currentAssignment]
		s.currentAssignment = (s.currentAssignment + 1) % len(s.config.StreamAssignment)
	default:
		slot = int(device)
	}
	return s.currentGeneration, slot
}

func (s *State) publishSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSlot = slot
}

// advanceGeneration moves to the next stream generation, once per finalized batch.
func (s *State) advanceGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentGeneration = (s.currentGeneration + 1) % s.config.NumStreams
}

// hostBufferPool returns the pool of host buffers of the given size.
func (s *State) hostBufferPool(size int) *sync.Pool {
	pool, ok := s.hostBuffers.Load(size)
	if !ok {
		pool, _ = s.hostBuffers.LoadOrStore(size, &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		})
	}
	return pool.(*sync.Pool)
}

// HostBuffersInUse returns the number of host scratch buffers taken and not yet returned.
func (s *State) HostBuffersInUse() int {
	return int(s.hostBuffersInUse.Load())
}

// Close waits for all batches being finalized, and releases the streams and fusion buffers.
func (s *State) Close() error {
	s.finalizer.Close()
	err := s.fusion.Close()
	if streamsErr := s.streams.Close(); err == nil {
		err = streamsErr
	}
	return err
}
