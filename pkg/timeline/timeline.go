// Package timeline records the life of each tensor going through the engine: when its collective
// started, the activities (phases) it went through, and when it ended.
//
// The engine only calls the Timeline interface; Recorder is the in-memory implementation, that can
// also trace to the log.
package timeline

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// Activity names used by the engine.
const (
	Queue                 = "QUEUE"
	MemcpyInFusionBuffer  = "MEMCPY_IN_FUSION_BUFFER"
	MemcpyOutFusionBuffer = "MEMCPY_OUT_FUSION_BUFFER"
	Scale                 = "SCALE"
	Allreduce             = "ALLREDUCE"
	Allgather             = "ALLGATHER"
	Broadcast             = "BROADCAST"
	Alltoall              = "ALLTOALL"
	AllocateOutput        = "ALLOCATE_OUTPUT"
	WaitForData           = "WAIT_FOR_DATA"
)

// Timeline is what the engine uses to record the timeline of the tensors.
// Implementations must be safe for concurrent use.
type Timeline interface {
	// Initialized returns whether the timeline is recording. If not, the engine skips recording
	// fine-grained markers.
	Initialized() bool

	// Start of the collective of a tensor, with the given operation name (e.g.: "ALLREDUCE").
	Start(tensorName, operation string)

	// ActivityStartAll starts the activity for all tensors of a batch.
	ActivityStartAll(tensorNames []string, activity string)

	// ActivityEndAll ends the current activity of all tensors of a batch.
	ActivityEndAll(tensorNames []string)

	// End of the collective of a tensor. size is the number of bytes of its output.
	End(tensorName string, size int)
}

// Noop is a Timeline that records nothing.
type Noop struct{}

// Compile-time check.
var _ Timeline = Noop{}

func (Noop) Initialized() bool { return false }
func (Noop) Start(_, _ string) {}
func (Noop) ActivityStartAll(_ []string, _ string) {}
func (Noop) ActivityEndAll(_ []string) {}
func (Noop) End(_ string, _ int) {}

// EventType of a recorded Event.
type EventType int

const (
	EventStart EventType = iota
	EventActivityStart
	EventActivityEnd
	EventEnd
)

var eventTypeNames = []string{"Start", "ActivityStart", "ActivityEnd", "End"}

func (t EventType) String() string { return eventTypeNames[t] }

// Event recorded for a tensor.
type Event struct {
	Type   EventType
	Tensor string
	Name   string // Operation for EventStart, activity for the activity events.
	Size   int    // Only for EventEnd.
	Time   time.Time
}

// Recorder is an in-memory Timeline.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	activity map[string]string // Current activity per tensor.
	trace    bool
}

// Compile-time check.
var _ Timeline = (*Recorder)(nil)

// NewRecorder creates a recorder. If trace is true, it also logs every event with klog.
func NewRecorder(trace bool) *Recorder {
	return &Recorder{activity: make(map[string]string), trace: trace}
}

// Initialized implements Timeline.
func (r *Recorder) Initialized() bool { return true }

func (r *Recorder) record(e Event) {
	e.Time = time.Now()
	r.events = append(r.events, e)
	if r.trace {
		switch e.Type {
		case EventEnd:
			klog.Infof("timeline: %s %q (%s)", e.Type, e.Tensor, humanize.IBytes(uint64(e.Size)))
		default:
			klog.Infof("timeline: %s %q %s", e.Type, e.Tensor, e.Name)
		}
	}
}

// Start implements Timeline.
func (r *Recorder) Start(tensorName, operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Event{Type: EventStart, Tensor: tensorName, Name: operation})
}

// ActivityStartAll implements Timeline.
func (r *Recorder) ActivityStartAll(tensorNames []string, activity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range tensorNames {
		if current, found := r.activity[name]; found {
			r.record(Event{Type: EventActivityEnd, Tensor: name, Name: current})
		}
		r.activity[name] = activity
		r.record(Event{Type: EventActivityStart, Tensor: name, Name: activity})
	}
}

// ActivityEndAll implements Timeline.
func (r *Recorder) ActivityEndAll(tensorNames []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range tensorNames {
		if current, found := r.activity[name]; found {
			delete(r.activity, name)
			r.record(Event{Type: EventActivityEnd, Tensor: name, Name: current})
		}
	}
}

// End implements Timeline.
func (r *Recorder) End(tensorName string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, found := r.activity[tensorName]; found {
		delete(r.activity, tensorName)
		r.record(Event{Type: EventActivityEnd, Tensor: tensorName, Name: current})
	}
	r.record(Event{Type: EventEnd, Tensor: tensorName, Size: size})
}

// Events returns a copy of the events recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsFor returns the events recorded for the given tensor.
func (r *Recorder) EventsFor(tensorName string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []Event
	for _, e := range r.events {
		if e.Tensor == tensorName {
			events = append(events, e)
		}
	}
	return events
}
