package simgpu

import (
	"sync"
	"time"

	"github.com/gomlx/collectives/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream is the simulated in-order execution queue. It implements backends.Stream.
//
// Work is executed by a dedicated goroutine, in submission order. The queue is unbounded, so enqueueing never blocks.
type Stream struct {
	backend *Backend
	device  backends.DeviceNum
	id      int

	mu        sync.Mutex
	cond      sync.Cond
	queue     []streamWork
	destroyed bool
	done      chan struct{}

	// err is the sticky device error: only accessed by the executor goroutine.
	err error
}

// streamWork is one item of work in a stream. fn receives the sticky error of the stream, if any, and
// returns the error of this work.
type streamWork struct {
	name   string
	kernel bool
	fn     func(stickyErr error) error
}

// Device returns the device the stream belongs to.
func (s *Stream) Device() backends.DeviceNum { return s.device }

// ID returns a unique id of the stream within the backend.
func (s *Stream) ID() int { return s.id }

// StreamCreate implements backends.Backend.
func (b *Backend) StreamCreate(device backends.DeviceNum) (backends.Stream, error) {
	if err := b.checkDevice(device); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.New("simgpu: backend already finalized")
	}
	s := &Stream{
		backend: b,
		device:  device,
		id:      b.nextID,
		done:    make(chan struct{}),
	}
	s.cond = sync.Cond{L: &s.mu}
	b.nextID++
	b.streams[s] = struct{}{}
	b.numStreamsCreated.Add(1)
	go s.execute()
	klog.V(2).Infof("simgpu: created stream #%d on device %d", s.id, device)
	return s, nil
}

// StreamDestroy implements backends.Backend.
func (b *Backend) StreamDestroy(stream backends.Stream) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.streams != nil {
		delete(b.streams, s)
	}
	b.mu.Unlock()
	s.destroy()
	return nil
}

func (b *Backend) castStream(stream backends.Stream) (*Stream, error) {
	s, ok := stream.(*Stream)
	if !ok || s == nil {
		return nil, errors.Errorf("simgpu: invalid stream of type %T", stream)
	}
	if s.backend != b {
		return nil, errors.Errorf("simgpu: stream #%d belongs to another backend", s.id)
	}
	return s, nil
}

func (s *Stream) destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// enqueue work in the stream. It never blocks.
func (s *Stream) enqueue(w streamWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errors.Errorf("simgpu: stream #%d was destroyed, can't enqueue %q", s.id, w.name)
	}
	s.queue = append(s.queue, w)
	s.cond.Signal()
	return nil
}

// enqueueKernel enqueues fn to be executed unless the stream is already in error.
func (s *Stream) enqueueKernel(name string, fn func() error) error {
	return s.enqueue(streamWork{
		name:   name,
		kernel: true,
		fn: func(stickyErr error) error {
			if stickyErr != nil {
				return stickyErr
			}
			if err := s.backend.takeFault(); err != nil {
				return errors.WithMessagef(err, "%s on stream #%d", name, s.id)
			}
			return fn()
		},
	})
}

// execute is the executor loop of the stream.
func (s *Stream) execute() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.destroyed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		w := s.queue[0]
		s.queue[0] = streamWork{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.backend.waitGate()
		if w.kernel && s.backend.latency > 0 && s.err == nil {
			time.Sleep(s.backend.latency)
		}
		err := w.fn(s.err)
		if err != nil && s.err == nil {
			klog.Warningf("simgpu: device error on stream #%d (device %d) executing %q: %v", s.id, s.device, w.name, err)
			s.err = err
		}
	}
}

// LaunchHostFunc implements backends.Backend.
func (b *Backend) LaunchHostFunc(stream backends.Stream, name string, fn func() error) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	return s.enqueueKernel(name, fn)
}
