package controller

import (
	"sync"

	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/gpuops"
	"github.com/gomlx/collectives/pkg/timeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// message is a request queued by the rank, with its entry.
type message struct {
	request *Request
	entry   *gpuops.TensorTableEntry
	waiting bool // Held back in the WAIT_FOR_DATA activity.
}

// Controller is the per-rank side of the negotiation: it owns the table of the tensors in flight of the rank,
// submits the requests to the Hub once their inputs are ready, and maps the responses back to entries.
//
// Enqueue can be called concurrently, the other methods are called by the rank's background loop.
type Controller struct {
	rank     int
	hub      *Hub
	timeline timeline.Timeline

	mu sync.Mutex
	// table of the entries in flight, from Enqueue to their execution.
	table map[string]*gpuops.TensorTableEntry
	// queue of requests not yet submitted to the hub, in enqueue order.
	queue []*message
	// joins holds the entries of the pending joins of this rank.
	joins []*gpuops.TensorTableEntry
}

// New creates the controller of rank, connected to hub. Requests held back waiting for their
// ready event are reported to tl, which can be nil.
func New(rank int, hub *Hub, tl timeline.Timeline) *Controller {
	if tl == nil {
		tl = timeline.Noop{}
	}
	return &Controller{
		rank:     rank,
		hub:      hub,
		timeline: tl,
		table:    make(map[string]*gpuops.TensorTableEntry),
	}
}

// Rank of the controller.
func (c *Controller) Rank() int { return c.rank }

// Enqueue a request. It fails synchronously with InvalidArgument if a tensor with the same name is already
// in flight.
func (c *Controller) Enqueue(entry *gpuops.TensorTableEntry, request *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	request.Rank = c.rank
	if request.Type == gpuops.ResponseJoin {
		c.joins = append(c.joins, entry)
		c.queue = append(c.queue, &message{request: request, entry: entry})
		return nil
	}
	if _, found := c.table[entry.TensorName]; found {
		return status.InvalidArgumentf("a request for tensor %q is already in flight: tensor names must be unique", entry.TensorName)
	}
	c.table[entry.TensorName] = entry
	c.queue = append(c.queue, &message{request: request, entry: entry})
	return nil
}

// InFlight returns whether a request for the tensor is queued or waiting for a response.
func (c *Controller) InFlight(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.table[name]
	return found
}

// NumPending returns the number of tensors in flight (queued or waiting for a response).
func (c *Controller) NumPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// ComputeResponseList submits to the hub the requests whose inputs are ready, and returns the responses
// this rank must execute, in order.
func (c *Controller) ComputeResponseList() ([]*gpuops.Response, error) {
	c.mu.Lock()
	var ready []*Request
	var waiting, resumed []string
	remaining := c.queue[:0]
	blocked := false
	for _, m := range c.queue {
		// Requests are submitted in order: one waiting for its input holds back the ones after it.
		if blocked || (m.entry.ReadyEvent != nil && !m.entry.ReadyEvent.Ready()) {
			blocked = true
			if !m.waiting {
				m.waiting = true
				waiting = append(waiting, m.entry.TensorName)
			}
			remaining = append(remaining, m)
			continue
		}
		if m.waiting {
			resumed = append(resumed, m.entry.TensorName)
		}
		ready = append(ready, m.request)
	}
	clear(c.queue[len(remaining):])
	c.queue = remaining
	c.mu.Unlock()

	if len(waiting) > 0 {
		c.timeline.ActivityStartAll(waiting, timeline.WaitForData)
	}
	if len(resumed) > 0 {
		c.timeline.ActivityEndAll(resumed)
	}

	if len(ready) > 0 {
		if err := c.hub.Submit(c.rank, ready); err != nil {
			return nil, err
		}
	}
	return c.hub.Responses(c.rank)
}

// GetEntries returns the entries of this rank for the response, and removes them from the table.
//
// For tensors this rank didn't request (because it joined), it creates entries without callback that
// participate with zeros (allreduce) or no rows (allgather). For join responses, it returns the join entries.
// If an entry for a joined rank can't be created, it returns the entries of the rank's own requests along
// with the error, so they can be failed.
func (c *Controller) GetEntries(response *gpuops.Response) ([]*gpuops.TensorTableEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if response.Type == gpuops.ResponseJoin {
		entries := c.joins
		c.joins = nil
		return entries, nil
	}
	entries := make([]*gpuops.TensorTableEntry, 0, len(response.TensorNames))
	var firstErr error
	for ii, name := range response.TensorNames {
		if e, found := c.table[name]; found {
			delete(c.table, name)
			entries = append(entries, e)
			continue
		}
		if response.Type == gpuops.ResponseError {
			continue
		}
		e, err := c.joinedEntry(name, response, ii)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entries = append(entries, e)
	}
	return entries, firstErr
}

// joinedEntry creates the entry of a tensor on behalf of this joined rank.
func (c *Controller) joinedEntry(name string, response *gpuops.Response, idx int) (*gpuops.TensorTableEntry, error) {
	if len(c.joins) == 0 {
		return nil, errors.Errorf("rank %d received %s for tensor %q it never requested, and it didn't join",
			c.rank, response.Type, name)
	}
	join := c.joins[0]
	shape := response.TensorShapes[idx]
	var tensor framework.Tensor
	var err error
	switch response.Type {
	case gpuops.ResponseAllreduce:
		tensor, err = join.Context.AllocateZeros(shape.Size(), shape.DType)
	case gpuops.ResponseAllgather:
		tensor, err = join.Context.AllocateOutput(shape.WithFirstDim(0))
	default:
		return nil, status.InvalidArgumentf("%s of %q with joined rank %d", response.Type, name, c.rank)
	}
	if err != nil {
		return nil, status.PreconditionErrorf("allocating %s for joined rank %d: %v", shape, c.rank, err)
	}
	klog.V(2).Infof("controller: joined rank %d participates in %s of %q", c.rank, response.Type, name)
	e := &gpuops.TensorTableEntry{
		TensorName: name,
		Tensor:     tensor,
		Device:     join.Device,
		Context:    join.Context,
	}
	if response.Type == gpuops.ResponseAllreduce {
		e.Output = tensor
	}
	return e, nil
}

// AbortAll removes every entry still queued or waiting for a response, including pending joins, and
// returns them. The caller is responsible for calling their callbacks.
func (c *Controller) AbortAll() []*gpuops.TensorTableEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var aborted []*gpuops.TensorTableEntry
	for _, m := range c.queue {
		if m.request.Type != gpuops.ResponseJoin {
			aborted = append(aborted, m.entry)
			delete(c.table, m.entry.TensorName)
		}
	}
	for _, e := range c.table {
		aborted = append(aborted, e)
	}
	aborted = append(aborted, c.joins...)
	c.table = make(map[string]*gpuops.TensorTableEntry)
	c.queue = nil
	c.joins = nil
	return aborted
}
