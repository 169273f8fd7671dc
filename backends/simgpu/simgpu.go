// Package simgpu implements a simulated GPU backend: device memory is host memory, and each stream
// is a goroutine executing its queue of work in order.
//
// It behaves like a real device from the point of view of the engine: every operation on a stream is
// asynchronous, events complete only after the work before them, and device errors are sticky for the
// stream they happened in. It also offers hooks to control the simulation in tests: Hold/Resume to
// stall all streams, and InjectFault to make the next device operation fail.
//
// The configuration string is a comma-separated list of options:
//
//   - devices=<n>: number of simulated devices, default 1.
//   - latency=<duration>: extra time taken by every kernel, e.g. "latency=100us". Default 0.
package simgpu

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in COLLECTIVES_BACKEND to specify this backend.
const BackendName = "simgpu"

// Registers New() as the default constructor for "simgpu" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new simulated Backend. It panics if the config is invalid.
func New(config string) backends.Backend {
	b, err := NewBackend(config)
	if err != nil {
		exceptions.Panicf("simgpu.New(%q): %+v", config, err)
	}
	return b
}

// NewBackend parses the config and constructs a new simulated Backend.
func NewBackend(config string) (*Backend, error) {
	b := &Backend{
		numDevices: 1,
		streams:    make(map[*Stream]struct{}),
	}
	b.eventPool.New = func() any { return &Event{} }
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid option %q, expected <key>=<value>", part)
		}
		switch key {
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("invalid number of devices %q", value)
			}
			b.numDevices = n
		case "latency":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid latency %q", value)
			}
			b.latency = d
		default:
			return nil, errors.Errorf("unknown option %q", key)
		}
	}
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	numDevices int
	latency    time.Duration

	mu        sync.Mutex
	streams   map[*Stream]struct{}
	nextID    int
	gate      *xsync.Latch // If not nil, streams wait for it before executing anything.
	finalized bool

	// allocations maps the address of each allocated buffer to its size.
	allocations xsync.SyncMap[*byte, int]
	bytesInUse  atomic.Int64

	fault     atomic.Pointer[error]
	eventPool sync.Pool

	numStreamsCreated, numEventsRecorded atomic.Int64
}

// Compile-time check that simgpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simulated GPU backend (%d devices)", b.numDevices)
}

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() int { return b.numDevices }

func (b *Backend) checkDevice(device backends.DeviceNum) error {
	if device < 0 || int(device) >= b.numDevices {
		return errors.Errorf("invalid device %d for backend %q with %d devices", device, BackendName, b.numDevices)
	}
	return nil
}

// SetDevice validates the device: there is no per-thread device state in the simulation.
func (b *Backend) SetDevice(device backends.DeviceNum) error {
	return b.checkDevice(device)
}

// Hold stalls all streams: work already executing finishes, but nothing else starts until Resume is called.
// Work can still be enqueued.
func (b *Backend) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate == nil {
		b.gate = xsync.NewLatch()
	}
}

// Resume streams stalled by Hold.
func (b *Backend) Resume() {
	b.mu.Lock()
	gate := b.gate
	b.gate = nil
	b.mu.Unlock()
	if gate != nil {
		gate.Trigger()
	}
}

func (b *Backend) waitGate() {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		gate.Wait()
	}
}

// InjectFault makes the next device operation (memory operation, kernel or host function) executed by any
// stream fail with err. The error becomes sticky for that stream.
func (b *Backend) InjectFault(err error) {
	b.fault.Store(&err)
}

func (b *Backend) takeFault() error {
	if p := b.fault.Swap(nil); p != nil {
		return *p
	}
	return nil
}

// NumStreamsCreated returns how many streams were created since the start.
func (b *Backend) NumStreamsCreated() int { return int(b.numStreamsCreated.Load()) }

// NumEventsRecorded returns how many events were recorded since the start.
func (b *Backend) NumEventsRecorded() int { return int(b.numEventsRecorded.Load()) }

// Finalize destroys all streams (they finish executing the work already enqueued) and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	streams := make([]*Stream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.streams = nil
	gate := b.gate
	b.gate = nil
	b.mu.Unlock()
	if gate != nil {
		gate.Trigger()
	}
	for _, s := range streams {
		s.destroy()
	}
	klog.V(1).Infof("simgpu: backend finalized, %d streams destroyed", len(streams))
}
