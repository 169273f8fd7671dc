package simgpu

import (
	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Event implements backends.Event for the simulated backend.
// It's a latch triggered by the stream executor, carrying the sticky error of the stream at that point.
type Event struct {
	backend *Backend
	latch   *xsync.LatchWithValue[error]
}

// Compile-time check.
var _ backends.EventInterface = (*Backend)(nil)

func (b *Backend) castEvent(event backends.Event) (*Event, error) {
	e, ok := event.(*Event)
	if !ok || e == nil || e.latch == nil {
		return nil, errors.Errorf("simgpu: invalid event of type %T", event)
	}
	if e.backend != b {
		return nil, errors.New("simgpu: event belongs to another backend")
	}
	return e, nil
}

// EventRecord implements backends.EventInterface.
func (b *Backend) EventRecord(stream backends.Stream) (backends.Event, error) {
	s, err := b.castStream(stream)
	if err != nil {
		return nil, err
	}
	e := b.eventPool.Get().(*Event)
	e.backend = b
	e.latch = xsync.NewLatchWithValue[error]()
	latch := e.latch // Released events may be reused: the closure only holds the latch.
	err = s.enqueue(streamWork{
		name: "record_event",
		fn: func(stickyErr error) error {
			latch.Trigger(stickyErr)
			return nil
		},
	})
	if err != nil {
		b.EventRelease(e)
		return nil, err
	}
	b.numEventsRecorded.Add(1)
	return e, nil
}

// EventQuery implements backends.EventInterface.
func (b *Backend) EventQuery(event backends.Event) (done bool, err error) {
	e, err := b.castEvent(event)
	if err != nil {
		return true, err
	}
	err, done = e.latch.TestValue()
	return done, err
}

// EventSynchronize implements backends.EventInterface.
func (b *Backend) EventSynchronize(event backends.Event) error {
	e, err := b.castEvent(event)
	if err != nil {
		return err
	}
	return e.latch.Wait()
}

// EventRelease implements backends.EventInterface.
func (b *Backend) EventRelease(event backends.Event) {
	e, err := b.castEvent(event)
	if err != nil {
		return
	}
	e.latch = nil
	b.eventPool.Put(e)
}

// StreamWaitEvent implements backends.Backend.
// A failed event makes the waiting stream fail as well, since the work after it would read invalid data.
func (b *Backend) StreamWaitEvent(stream backends.Stream, event backends.Event) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	e, err := b.castEvent(event)
	if err != nil {
		return err
	}
	latch := e.latch
	return s.enqueue(streamWork{
		name: "wait_event",
		fn: func(stickyErr error) error {
			eventErr := latch.Wait()
			if stickyErr != nil {
				return stickyErr
			}
			return eventErr
		},
	})
}
