// Package backends defines the interface a device backend needs to implement to be driven by the
// collective execution engine.
//
// A backend exposes devices (GPUs), in-order execution streams on those devices, events
// (markers recorded on a stream that complete when all previously enqueued work on the stream
// has completed), asynchronous device memory operations and the few kernels the engine needs
// (scaling). Everything enqueued on a stream is asynchronous: methods return as soon as the work
// is queued, and the only blocking calls are EventSynchronize and, for allocations, Malloc.
//
// It also defines Communicator, the opaque collective primitives (think NCCL) that move data
// between ranks on a stream.
//
// Backends register themselves with Register, and are instantiated with New or NewWithConfig.
// To simplify the registry, constructors are expected to panic with a stack trace in case of
// errors, see package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum represents which device holds a buffer, or should execute some work.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices,
// or CPUDevice.
type DeviceNum int

// CPUDevice is the device number used by tensors that live in host memory. Batches for the CPU
// device are served by a different (host) execution path, not by device backends.
const CPUDevice DeviceNum = -1

// Stream is an opaque handle to an in-order execution queue on a device.
// Work submitted to the same stream executes in submission order; work on different streams is unordered.
type Stream any

// Event is an opaque handle to a marker recorded on a stream.
type Event any

// Backend is the API that needs to be implemented by a device backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "simgpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() int

	// SetDevice selects the device used by the calling goroutine's subsequent work.
	// It returns an error if the device doesn't exist.
	SetDevice(device DeviceNum) error

	// StreamCreate creates a new stream on the given device.
	StreamCreate(device DeviceNum) (Stream, error)

	// StreamDestroy releases a stream. Work already enqueued on it is still executed.
	StreamDestroy(stream Stream) error

	// StreamWaitEvent makes all future work submitted to stream wait for the completion of event,
	// without blocking the host.
	StreamWaitEvent(stream Stream, event Event) error

	// LaunchHostFunc enqueues fn on the stream: it will run after all previously enqueued work on the stream
	// completes, and work enqueued later will wait for it. An error returned by fn is a device error: it
	// is sticky for the stream, and reported by every event recorded on the stream afterward.
	LaunchHostFunc(stream Stream, name string, fn func() error) error

	// EventInterface is the sub-interface to record and query events.
	EventInterface

	// DataInterface is the sub-interface that defines the API to allocate and move device memory.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// EventInterface is the Backend's sub-interface to record and query events.
type EventInterface interface {
	// EventRecord records a new event on the stream: it completes when all the work enqueued on the stream
	// so far completes.
	EventRecord(stream Stream) (Event, error)

	// EventQuery checks, without blocking, whether event completed. If the work before the event failed,
	// it returns done=true and the device error.
	EventQuery(event Event) (done bool, err error)

	// EventSynchronize blocks until event completes, and returns the device error, if any.
	EventSynchronize(event Event) error

	// EventRelease returns the event to the backend, it should not be used afterward.
	EventRelease(event Event)
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// COLLECTIVES_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "simgpu") and
// "<backend_configuration>" is backend specific (e.g.: for simgpu, "devices=4").
const COLLECTIVES_BACKEND = "COLLECTIVES_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment COLLECTIVES_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(COLLECTIVES_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "simgpu") and
// "<backend_configuration>" is backend specific.
// If there is no ":" in config, it is taken as the backend name if one is registered with that name,
// otherwise as the configuration of the first registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the simulated one with import _ "github.com/gomlx/collectives/backends/simgpu"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
