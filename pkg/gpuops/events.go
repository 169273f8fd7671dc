package gpuops

import (
	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/timeline"
	"github.com/pkg/errors"
)

// namedEvent is a marker recorded on the stream of a batch. An empty name is the final marker.
type namedEvent struct {
	name  string
	event backends.Event
}

// EventQueue is the ordered list of markers recorded by a batch. It's appended to while the batch is
// issued, and consumed by its finalization.
type EventQueue struct {
	events []namedEvent
}

// Len returns the number of events in the queue.
func (q *EventQueue) Len() int { return len(q.events) }

// Names returns the names of the events in the queue, in order.
func (q *EventQueue) Names() []string {
	names := make([]string, len(q.events))
	for ii, e := range q.events {
		names[ii] = e.name
	}
	return names
}

func (q *EventQueue) record(backend backends.Backend, name string, stream backends.Stream) error {
	event, err := backend.EventRecord(stream)
	if err != nil {
		return errors.WithMessagef(err, "recording event %q", name)
	}
	q.events = append(q.events, namedEvent{name: name, event: event})
	return nil
}

// take moves the events out of the queue.
func (q *EventQueue) take() []namedEvent {
	events := q.events
	q.events = nil
	return events
}

// Poll checks, without blocking, whether all the events of the queue completed.
// It returns the first device error found, if any.
func (q *EventQueue) Poll(backend backends.Backend) (done bool, err error) {
	for _, e := range q.events {
		eventDone, eventErr := backend.EventQuery(e.event)
		if !eventDone {
			return false, nil
		}
		if eventErr != nil && err == nil {
			err = eventErr
		}
	}
	return true, err
}

// waitForEvents blocks until all events complete, in order, and releases them.
// Named markers are recorded as timeline activities of the entries.
//
// It returns the first device error, or else the error returned by errorCheck (if not nil).
func waitForEvents(backend backends.Backend, events []namedEvent, names []string, tl timeline.Timeline,
	errorCheck func() error) error {
	var firstErr error
	for _, e := range events {
		if e.name != "" {
			tl.ActivityStartAll(names, e.name)
		}
		if err := backend.EventSynchronize(e.event); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "waiting for %q", e.name)
		}
		if e.name != "" {
			tl.ActivityEndAll(names)
		}
		backend.EventRelease(e.event)
	}
	if firstErr == nil && errorCheck != nil {
		firstErr = errorCheck()
	}
	return firstErr
}
