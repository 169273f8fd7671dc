package controller

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/gpuops"
	"github.com/gomlx/collectives/pkg/support/sets"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HubConfig configures the matching of requests.
type HubConfig struct {
	// FusionThreshold is the maximum size in bytes of a fused batch. If 0, batches are not fused.
	FusionThreshold int

	// StallWarningTime is how long a tensor can be requested by some ranks but not the others before a
	// warning is logged. If 0, stalls are not checked.
	StallWarningTime time.Duration
}

// pendingTensor holds the requests received so far for one tensor.
type pendingTensor struct {
	name      string
	requests  []*Request // Indexed by rank.
	ranks     sets.Set[int]
	firstSeen time.Time
}

// Hub collects the requests of all ranks, and produces the ordered lists of responses.
// It's safe for concurrent use by the controllers of all ranks.
type Hub struct {
	size   int
	config HubConfig

	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingTensor
	// order of the pending tensors, by first request.
	order []string
	// ready responses, not yet fused and delivered.
	ready       []*gpuops.Response
	joined      sets.Set[int]
	joinDevices []backends.DeviceNum
	outboxes    [][]*gpuops.Response

	stallLimiter *catrate.Limiter
}

// NewHub creates a hub for size ranks.
func NewHub(size int, config HubConfig) *Hub {
	h := &Hub{
		size:        size,
		config:      config,
		pending:     make(map[string]*pendingTensor),
		joined:      sets.Make[int](size),
		joinDevices: make([]backends.DeviceNum, size),
		outboxes:    make([][]*gpuops.Response, size),
	}
	if config.StallWarningTime > 0 {
		h.stallLimiter = catrate.NewLimiter(map[time.Duration]int{config.StallWarningTime: 1})
	}
	return h
}

// Size returns the number of ranks.
func (h *Hub) Size() int { return h.size }

// Submit the requests of a rank.
//
// Requests are processed in order. It returns an Aborted error if the hub was closed.
func (h *Hub) Submit(rank int, requests []*Request) error {
	if rank < 0 || rank >= h.size {
		return status.InvalidArgumentf("rank %d out of range for %d ranks", rank, h.size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return status.Abortedf("controller hub closed")
	}
	now := time.Now()
	for _, req := range requests {
		req.Rank = rank
		if req.Type == gpuops.ResponseJoin {
			h.joined.Insert(rank)
			h.joinDevices[rank] = req.Device
			klog.V(1).Infof("controller: rank %d joined (%d/%d)", rank, h.joined.Len(), h.size)
			continue
		}
		p := h.pending[req.TensorName]
		if p == nil {
			p = &pendingTensor{
				name:      req.TensorName,
				requests:  make([]*Request, h.size),
				ranks:     sets.Make[int](h.size),
				firstSeen: now,
			}
			h.pending[req.TensorName] = p
			h.order = append(h.order, req.TensorName)
		}
		if p.ranks.Has(rank) {
			// The controller rejects duplicates: this is a bug of the caller.
			return errors.Errorf("tensor %q submitted twice by rank %d", req.TensorName, rank)
		}
		p.requests[rank] = req
		p.ranks.Insert(rank)
	}
	h.collectReady()
	return nil
}

// collectReady moves to the ready list the tensors requested by every rank that didn't join, in the
// order they were first requested. If all ranks joined, it issues the join response.
func (h *Hub) collectReady() {
	remaining := h.order[:0]
	for _, name := range h.order {
		p := h.pending[name]
		complete := true
		for rank := range h.size {
			if !p.ranks.Has(rank) && !h.joined.Has(rank) {
				complete = false
				break
			}
		}
		if !complete {
			remaining = append(remaining, name)
			continue
		}
		delete(h.pending, name)
		h.ready = append(h.ready, h.constructResponse(p))
	}
	clear(h.order[len(remaining):])
	h.order = remaining

	if h.joined.Len() == h.size && len(h.order) == 0 {
		h.ready = append(h.ready, &gpuops.Response{Type: gpuops.ResponseJoin})
		h.joined = sets.Make[int](h.size)
		klog.V(1).Infof("controller: all %d ranks joined", h.size)
	}
}

// errorResponse returns a response that fails the tensor on every rank.
func errorResponse(name string, t status.Type, format string, args ...any) *gpuops.Response {
	return &gpuops.Response{
		Type:         gpuops.ResponseError,
		TensorNames:  []string{name},
		ErrorType:    t,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// constructResponse validates the requests of all ranks for a tensor, and returns the response.
// Mismatches between ranks become error responses.
func (h *Hub) constructResponse(p *pendingTensor) *gpuops.Response {
	var first *Request
	for _, req := range p.requests {
		if req != nil {
			first = req
			break
		}
	}
	name := p.name
	for _, req := range p.requests {
		if req == nil {
			continue
		}
		if req.Type != first.Type {
			return errorResponse(name, status.InvalidArgument,
				"mismatched collective operations: rank %d requested %s, but rank %d requested %s",
				first.Rank, first.Type, req.Rank, req.Type)
		}
		if req.DType() != first.DType() {
			return errorResponse(name, status.InvalidArgument,
				"mismatched data types: rank %d requested %s, but rank %d requested %s",
				first.Rank, first.DType(), req.Rank, req.DType())
		}
		if (req.Device == backends.CPUDevice) != (first.Device == backends.CPUDevice) {
			return errorResponse(name, status.InvalidArgument,
				"mixed host and device tensors: rank %d has device %d, rank %d has device %d",
				first.Rank, first.Device, req.Rank, req.Device)
		}
	}

	response := &gpuops.Response{
		Type:         first.Type,
		TensorNames:  []string{name},
		DType:        first.DType(),
		TensorShapes: []shapes.Shape{first.Shape},
		Devices:      make([]backends.DeviceNum, h.size),
	}
	for rank, req := range p.requests {
		if req == nil {
			response.Devices[rank] = h.joinDevices[rank]
		} else {
			response.Devices[rank] = req.Device
		}
	}

	switch first.Type {
	case gpuops.ResponseAllreduce:
		if !first.DType().IsNumber() {
			return errorResponse(name, status.InvalidArgument, "allreduce of non-numeric data type %s", first.DType())
		}
		for _, req := range p.requests {
			if req == nil {
				continue
			}
			if !req.Shape.Equal(first.Shape) {
				return errorResponse(name, status.InvalidArgument,
					"mismatched allreduce shapes: rank %d has %s, but rank %d has %s",
					first.Rank, first.Shape, req.Rank, req.Shape)
			}
			if req.ReduceOp != first.ReduceOp {
				return errorResponse(name, status.InvalidArgument,
					"mismatched reduce operations: rank %d requested %s, but rank %d requested %s",
					first.Rank, first.ReduceOp, req.Rank, req.ReduceOp)
			}
			if req.PrescaleFactor != first.PrescaleFactor || req.PostscaleFactor != first.PostscaleFactor {
				return errorResponse(name, status.InvalidArgument,
					"mismatched scale factors: rank %d requested (%g, %g), but rank %d requested (%g, %g)",
					first.Rank, first.PrescaleFactor, first.PostscaleFactor,
					req.Rank, req.PrescaleFactor, req.PostscaleFactor)
			}
		}
		response.ReduceOp = first.ReduceOp
		response.PrescaleFactor = first.PrescaleFactor
		response.PostscaleFactor = first.PostscaleFactor
		response.UseDedicatedSlot = first.UseDedicatedSlot

	case gpuops.ResponseAllgather:
		if first.Shape.Rank() == 0 {
			return errorResponse(name, status.InvalidArgument, "allgather requires tensors of rank >= 1, got %s", first.Shape)
		}
		response.TensorSizes = make([]int, h.size)
		for rank, req := range p.requests {
			if req == nil {
				continue // Joined ranks contribute no rows.
			}
			if !req.Shape.EqualDimensionsAfterFirst(first.Shape) {
				return errorResponse(name, status.InvalidArgument,
					"mismatched allgather shapes: rank %d has %s, but rank %d has %s: only the first dimension can differ",
					first.Rank, first.Shape, req.Rank, req.Shape)
			}
			response.TensorSizes[rank] = req.Shape.Dim(0)
		}

	case gpuops.ResponseBroadcast:
		if h.joined.Len() > 0 {
			return errorResponse(name, status.InvalidArgument, "broadcast with joined ranks %v", sets.Sorted(h.joined))
		}
		if first.RootRank < 0 || first.RootRank >= h.size {
			return errorResponse(name, status.InvalidArgument, "broadcast root rank %d out of range for %d ranks",
				first.RootRank, h.size)
		}
		for _, req := range p.requests {
			if req.RootRank != first.RootRank {
				return errorResponse(name, status.InvalidArgument,
					"mismatched broadcast root ranks: rank %d requested %d, but rank %d requested %d",
					first.Rank, first.RootRank, req.Rank, req.RootRank)
			}
			if !req.Shape.Equal(first.Shape) {
				return errorResponse(name, status.InvalidArgument,
					"mismatched broadcast shapes: rank %d has %s, but rank %d has %s",
					first.Rank, first.Shape, req.Rank, req.Shape)
			}
		}

	case gpuops.ResponseAlltoall:
		if h.joined.Len() > 0 {
			return errorResponse(name, status.InvalidArgument, "alltoall with joined ranks %v", sets.Sorted(h.joined))
		}
		for _, req := range p.requests {
			if req.Shape.Rank() == 0 || !req.Shape.EqualDimensionsAfterFirst(first.Shape) {
				return errorResponse(name, status.InvalidArgument,
					"mismatched alltoall shapes: rank %d has %s, but rank %d has %s: only the first dimension can differ",
					first.Rank, first.Shape, req.Rank, req.Shape)
			}
		}

	default:
		return errorResponse(name, status.InvalidArgument, "unsupported request type %s", first.Type)
	}
	return response
}

// Responses returns the responses to be executed by rank, in order. All ranks get the same responses
// in the same order.
func (h *Hub) Responses(rank int) ([]*gpuops.Response, error) {
	if rank < 0 || rank >= h.size {
		return nil, status.InvalidArgumentf("rank %d out of range for %d ranks", rank, h.size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, status.Abortedf("controller hub closed")
	}
	h.deliverReady()
	h.checkStalls(time.Now())
	responses := h.outboxes[rank]
	h.outboxes[rank] = nil
	return responses, nil
}

// deliverReady fuses the ready responses and appends them to the outboxes of all ranks.
func (h *Hub) deliverReady() {
	if len(h.ready) == 0 {
		return
	}
	fused := h.fuseResponses(h.ready)
	h.ready = nil
	for r := range h.outboxes {
		h.outboxes[r] = append(h.outboxes[r], fused...)
	}
}

// responseBytes returns the size of the response data, summed over all ranks for allgather.
// Error and join responses carry no data, and are 0 bytes.
func responseBytes(r *gpuops.Response) int {
	if r.Type == gpuops.ResponseError || r.Type == gpuops.ResponseJoin {
		return 0
	}
	elementSize := r.DType.Size()
	total := 0
	switch r.Type {
	case gpuops.ResponseAllgather:
		for ii, shape := range r.TensorShapes {
			rows := 0
			for _, n := range r.TensorSizes[ii*len(r.Devices) : (ii+1)*len(r.Devices)] {
				rows += n
			}
			total += rows * shape.RowSize() * elementSize
		}
	default:
		for _, shape := range r.TensorShapes {
			total += shape.Memory()
		}
	}
	return total
}

// fusable returns whether b can be executed in the same batch as a.
func fusable(a, b *gpuops.Response) bool {
	if a.Type != b.Type || (a.Type != gpuops.ResponseAllreduce && a.Type != gpuops.ResponseAllgather) {
		return false
	}
	return a.DType == b.DType &&
		a.ReduceOp == b.ReduceOp &&
		a.PrescaleFactor == b.PrescaleFactor &&
		a.PostscaleFactor == b.PostscaleFactor &&
		a.UseDedicatedSlot == b.UseDedicatedSlot &&
		slices.Equal(a.Devices, b.Devices)
}

// fuseResponses merges compatible responses, up to the fusion threshold. Each response is merged into
// the first earlier batch it fits, so the relative order of the tensors of each batch is preserved.
func (h *Hub) fuseResponses(ready []*gpuops.Response) []*gpuops.Response {
	if h.config.FusionThreshold <= 0 {
		return slices.Clone(ready)
	}
	var fused []*gpuops.Response
	sizes := make([]int, 0, len(ready))
	used := make([]bool, len(ready))
	for ii, r := range ready {
		if used[ii] {
			continue
		}
		if r.Type == gpuops.ResponseError || r.Type == gpuops.ResponseJoin {
			fused = append(fused, r)
			sizes = append(sizes, 0)
			continue
		}
		batch := *r
		batch.TensorNames = slices.Clone(r.TensorNames)
		batch.TensorShapes = slices.Clone(r.TensorShapes)
		batch.TensorSizes = slices.Clone(r.TensorSizes)
		size := responseBytes(r)
		for jj := ii + 1; jj < len(ready); jj++ {
			other := ready[jj]
			if used[jj] || !fusable(&batch, other) {
				continue
			}
			otherSize := responseBytes(other)
			if size+otherSize > h.config.FusionThreshold {
				continue
			}
			used[jj] = true
			size += otherSize
			batch.TensorNames = append(batch.TensorNames, other.TensorNames...)
			batch.TensorShapes = append(batch.TensorShapes, other.TensorShapes...)
			batch.TensorSizes = append(batch.TensorSizes, other.TensorSizes...)
		}
		fused = append(fused, &batch)
		sizes = append(sizes, size)
	}
	if klog.V(2).Enabled() {
		for ii, r := range fused {
			klog.Infof("controller: batch %s of %s", r, humanize.IBytes(uint64(sizes[ii])))
		}
	}
	return fused
}

// checkStalls warns about tensors requested by some ranks but not the others for too long.
func (h *Hub) checkStalls(now time.Time) {
	if h.stallLimiter == nil {
		return
	}
	for _, name := range h.order {
		p := h.pending[name]
		if now.Sub(p.firstSeen) < h.config.StallWarningTime {
			continue
		}
		if _, ok := h.stallLimiter.Allow(name); !ok {
			continue
		}
		missing := sets.Complement(p.ranks, h.size)
		klog.Warningf("controller: tensor %q waiting for %s, ready on ranks %v but missing on ranks %v",
			name, now.Sub(p.firstSeen).Round(time.Millisecond), sets.Sorted(p.ranks), missing)
	}
}

// StalledTensors returns the names of the tensors waiting for some ranks for longer than the stall
// warning time.
func (h *Hub) StalledTensors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var stalled []string
	now := time.Now()
	for _, name := range h.order {
		if now.Sub(h.pending[name].firstSeen) >= h.config.StallWarningTime {
			stalled = append(stalled, name)
		}
	}
	return stalled
}

// Close the hub: further submissions fail with Aborted. The responses already matched are delivered to
// every rank, to be collected with Drain. It returns the names of the tensors that were still waiting for
// some ranks.
func (h *Hub) Close() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.deliverReady()
	names := slices.Clone(h.order)
	h.pending = make(map[string]*pendingTensor)
	h.order = nil
	return names
}

// Drain returns the responses delivered to rank and not yet collected, also after the hub is closed.
func (h *Hub) Drain(rank int) []*gpuops.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	responses := h.outboxes[rank]
	h.outboxes[rank] = nil
	return responses
}
