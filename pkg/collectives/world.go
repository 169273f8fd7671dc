// Package collectives is the user-facing API of the collective execution engine.
//
// A World is a group of ranks running in the same process, sharing a device backend: each rank has an
// Engine, with its own background loop, that negotiates its requests with the other ranks and executes
// the agreed batches on its device. Collectives are enqueued asynchronously, and complete through a
// Handle (or a callback) once the device work is done.
//
// Typical use:
//
//	world, err := collectives.Init(config)
//	...
//	defer world.Shutdown()
//	engine := world.Engine(rank)
//	handle, err := engine.EnqueueAllreduce(engine.Context(), "gradients/w", w, nil)
//	...
//	if st := handle.Wait(); st.IsError() { ... }
//
// Backends must be registered, e.g. with:
//
//	import _ "github.com/gomlx/collectives/backends/default"
package collectives

import (
	"sync"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/backends/loopback"
	"github.com/gomlx/collectives/pkg/controller"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// World is a group of ranks in the same process.
type World struct {
	id      uuid.UUID
	config  Config
	backend backends.Backend
	group   *loopback.Group
	hub     *controller.Hub
	engines []*Engine

	mu       sync.Mutex
	shutdown bool
}

// NewWorld creates the backend and the engines of all ranks, but doesn't initialize them: see Engine.Init.
func NewWorld(config Config) (*World, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() {
		if config.Backend == "" {
			backend = backends.New()
		} else {
			backend = backends.NewWithConfig(config.Backend)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", config.Backend)
	}
	return NewWorldWithBackend(config, backend)
}

// NewWorldWithBackend creates the engines of all ranks using the given backend, which is owned by the
// World from then on: it's finalized by Shutdown.
func NewWorldWithBackend(config Config, backend backends.Backend) (*World, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	if backend.NumDevices() <= 0 {
		return nil, errors.Errorf("backend %s has no devices", backend.Name())
	}
	w := &World{
		id:      uuid.New(),
		config:  config,
		backend: backend,
		group:   loopback.NewGroup(config.Size),
		hub: controller.NewHub(config.Size, controller.HubConfig{
			FusionThreshold:  config.FusionThreshold,
			StallWarningTime: config.StallWarningTime,
		}),
	}
	w.engines = make([]*Engine, config.Size)
	for rank := range config.Size {
		w.engines[rank] = newEngine(w, rank)
	}
	klog.V(1).Infof("collectives: world %s with %d ranks (%d per node) on %s", w.id, config.Size,
		config.localSize(), backend.Description())
	return w, nil
}

// Init creates a World and initializes the engines of all its ranks.
func Init(config Config) (*World, error) {
	w, err := NewWorld(config)
	if err != nil {
		return nil, err
	}
	for _, e := range w.engines {
		if err := e.Init(); err != nil {
			w.Shutdown()
			return nil, err
		}
	}
	return w, nil
}

// ID is a unique identifier of the world, used in logs.
func (w *World) ID() uuid.UUID { return w.id }

// Config returns the configuration of the world.
func (w *World) Config() Config { return w.config }

// Backend used by all ranks.
func (w *World) Backend() backends.Backend { return w.backend }

// Size is the number of ranks.
func (w *World) Size() int { return w.config.Size }

// Engine returns the engine of rank. It panics if rank is out of range.
func (w *World) Engine(rank int) *Engine {
	if rank < 0 || rank >= len(w.engines) {
		exceptions.Panicf("rank %d out of range for a world of %d ranks", rank, len(w.engines))
	}
	return w.engines[rank]
}

// IsShutdown returns whether Shutdown was called.
func (w *World) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

// Shutdown stops all engines. It's safe to call more than once.
//
// Batches already agreed upon by all ranks are executed and finalized normally. Every other pending
// request fails with an Aborted status. It returns after all callbacks were called, and the backend
// is finalized.
func (w *World) Shutdown() {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return
	}
	w.shutdown = true
	w.mu.Unlock()

	// No more matching: what's already matched is delivered to the ranks, and executed by their loops
	// before they exit, so all ranks issue the same sequence of collectives.
	unmatched := w.hub.Close()
	if len(unmatched) > 0 {
		klog.Warningf("collectives: world %s shutting down with %d tensors not requested by all ranks: %v",
			w.id, len(unmatched), unmatched)
	}
	var wg sync.WaitGroup
	for _, e := range w.engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.stop()
		}()
	}
	wg.Wait()

	aborted := status.Abortedf("world %s is shutting down", w.id)
	for _, e := range w.engines {
		e.abortPending(aborted)
	}
	w.group.Abort(aborted)
	w.backend.Finalize()
	klog.V(1).Infof("collectives: world %s shut down", w.id)
}
