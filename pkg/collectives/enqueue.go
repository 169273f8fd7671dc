package collectives

import (
	"strings"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/pkg/controller"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/framework"
	"github.com/gomlx/collectives/pkg/core/status"
	"github.com/gomlx/collectives/pkg/gpuops"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/gomlx/collectives/pkg/timeline"
)

// JoinName is the name of the join requests.
const JoinName = "join"

type options struct {
	reduceOp            backends.ReduceOpType
	prescale, postscale float64
	dedicatedStream     bool
	callback            status.Callback
	readyEvent          framework.ReadyEvent
	ignoreNameScope     bool
}

// Option of the Enqueue* methods.
type Option func(*options)

// WithReduceOp sets the reduction of an allreduce. The default is backends.ReduceOpAverage.
func WithReduceOp(op backends.ReduceOpType) Option {
	return func(o *options) { o.reduceOp = op }
}

// WithPrescale multiplies the input of an allreduce by factor before the reduction.
func WithPrescale(factor float64) Option {
	return func(o *options) { o.prescale = factor }
}

// WithPostscale multiplies the result of an allreduce by factor.
func WithPostscale(factor float64) Option {
	return func(o *options) { o.postscale = factor }
}

// WithDedicatedStream runs an allreduce on the dedicated reduction stream, so it doesn't queue behind
// the other reductions.
func WithDedicatedStream() Option {
	return func(o *options) { o.dedicatedStream = true }
}

// WithCallback sets a function called with the final status of the request, from a background goroutine,
// before the Handle completes. Panics in the callback are logged and discarded.
func WithCallback(callback status.Callback) Option {
	return func(o *options) { o.callback = callback }
}

// WithReadyEvent delays the request until the input is produced. Requests enqueued after it by the same
// rank wait for it too.
func WithReadyEvent(event framework.ReadyEvent) Option {
	return func(o *options) { o.readyEvent = event }
}

// IgnoreNameScope strips the scope of the tensor name, everything up to its last "/".
func IgnoreNameScope() Option {
	return func(o *options) { o.ignoreNameScope = true }
}

// Handle of an enqueued request.
type Handle struct {
	entry *gpuops.TensorTableEntry
	latch *xsync.LatchWithValue[status.Status]
}

// Name of the tensor of the request.
func (h *Handle) Name() string { return h.entry.TensorName }

// Poll returns whether the request completed, without blocking.
func (h *Handle) Poll() bool { return h.latch.Test() }

// Wait for the request to complete, and returns its final status.
func (h *Handle) Wait() status.Status { return h.latch.Wait() }

// WaitChan returns a channel closed when the request completes.
func (h *Handle) WaitChan() <-chan struct{} { return h.latch.WaitChan() }

// Output of the request. It's nil until the request completes.
//
// For allreduce and broadcast it's the output given, if any. For allgather and alltoall it's allocated
// by the engine, since its shape depends on the other ranks.
func (h *Handle) Output() framework.Tensor {
	if !h.latch.Test() {
		return nil
	}
	return h.entry.Output
}

// ReceivedSplits returns, for a completed alltoall, how many rows were received from each rank.
func (h *Handle) ReceivedSplits() []int {
	if !h.latch.Test() {
		return nil
	}
	return h.entry.ReceivedSplits
}

func parseOptions(opts []Option) options {
	o := options{reduceOp: backends.ReduceOpAverage, prescale: 1, postscale: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func tensorName(name string, o options) (string, error) {
	if o.ignoreNameScope {
		name = name[strings.LastIndex(name, "/")+1:]
	}
	if name == "" {
		return "", status.InvalidArgumentf("tensor name can't be empty")
	}
	return name, nil
}

// opContext returns ctx, or the engine's context if nil, and checks it's on the engine's device.
func (e *Engine) opContext(ctx framework.OpContext) (framework.OpContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running() {
		return nil, e.uninitialized()
	}
	if ctx == nil {
		return e.ctx, nil
	}
	if device := ctx.Device(); device != e.device && device != backends.CPUDevice {
		return nil, status.InvalidArgumentf("tensors on device %d, but rank %d runs on device %d", device, e.rank, e.device)
	}
	return ctx, nil
}

// enqueue the entry: the background loop will submit it once ready.
func (e *Engine) enqueue(entry *gpuops.TensorTableEntry, request *controller.Request, o options, operation string) (*Handle, error) {
	h := &Handle{entry: entry, latch: xsync.NewLatchWithValue[status.Status]()}
	userCallback := o.callback
	entry.Callback = func(st status.Status) {
		defer h.latch.Trigger(st)
		if userCallback != nil {
			userCallback(st)
		}
	}
	entry.ReadyEvent = o.readyEvent
	entry.Device = entry.Context.Device()
	request.TensorName = entry.TensorName
	request.Device = entry.Device

	e.mu.Lock()
	if !e.running() {
		e.mu.Unlock()
		return nil, e.uninitialized()
	}
	if request.Type != gpuops.ResponseJoin && e.controller.InFlight(entry.TensorName) {
		e.mu.Unlock()
		return nil, status.InvalidArgumentf("a request for tensor %q is already in flight: tensor names must be unique", entry.TensorName)
	}
	e.timeline.Start(entry.TensorName, operation)
	err := e.controller.Enqueue(entry, request)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.wakeUp()
	return h, nil
}

// EnqueueAllreduce reduces input across all ranks, and stores the result in output. If output is nil
// the reduction is in place.
//
// ctx allocates on the device of the rank, if nil the engine's Context is used.
// Errors detected locally are returned immediately; mismatches with the other ranks are reported by the
// Handle, with the same status on every rank.
func (e *Engine) EnqueueAllreduce(ctx framework.OpContext, name string, input, output framework.Tensor, opts ...Option) (*Handle, error) {
	o := parseOptions(opts)
	name, err := tensorName(name, o)
	if err != nil {
		return nil, err
	}
	if ctx, err = e.opContext(ctx); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, status.InvalidArgumentf("allreduce of %q: input can't be nil", name)
	}
	if !input.DType().IsNumber() {
		return nil, status.InvalidArgumentf("allreduce of %q: data type %s can't be reduced", name, input.DType())
	}
	if output == nil {
		output = input
	} else if !output.Shape().Equal(input.Shape()) {
		return nil, status.InvalidArgumentf("allreduce of %q: output shape %s doesn't match input shape %s",
			name, output.Shape(), input.Shape())
	}

	switch o.reduceOp {
	case backends.ReduceOpSum, backends.ReduceOpProduct, backends.ReduceOpMin, backends.ReduceOpMax:
	case backends.ReduceOpAverage:
		o.reduceOp = backends.ReduceOpSum
		o.postscale /= float64(e.world.config.Size)
	default:
		return nil, status.InvalidArgumentf("allreduce of %q: reduce operation %s not supported", name, o.reduceOp)
	}

	entry := &gpuops.TensorTableEntry{TensorName: name, Tensor: input, Output: output, Context: ctx}
	request := &controller.Request{
		Type:             gpuops.ResponseAllreduce,
		Shape:            input.Shape(),
		ReduceOp:         o.reduceOp,
		PrescaleFactor:   o.prescale,
		PostscaleFactor:  o.postscale,
		UseDedicatedSlot: o.dedicatedStream,
	}
	return e.enqueue(entry, request, o, timeline.Allreduce)
}

// EnqueueAllgather concatenates, along the first axis and in rank order, the input of all ranks.
// The inputs may differ only in their first dimension. The output is allocated with ctx.
func (e *Engine) EnqueueAllgather(ctx framework.OpContext, name string, input framework.Tensor, opts ...Option) (*Handle, error) {
	o := parseOptions(opts)
	name, err := tensorName(name, o)
	if err != nil {
		return nil, err
	}
	if ctx, err = e.opContext(ctx); err != nil {
		return nil, err
	}
	if input == nil || input.Shape().Rank() == 0 {
		return nil, status.InvalidArgumentf("allgather of %q requires an input of rank >= 1", name)
	}
	entry := &gpuops.TensorTableEntry{TensorName: name, Tensor: input, Context: ctx}
	request := &controller.Request{Type: gpuops.ResponseAllgather, Shape: input.Shape()}
	return e.enqueue(entry, request, o, timeline.Allgather)
}

// EnqueueBroadcast copies the input of rootRank to the output of every rank.
//
// If output is nil, the root uses its input as output, and the other ranks allocate it with ctx.
func (e *Engine) EnqueueBroadcast(ctx framework.OpContext, name string, input, output framework.Tensor, rootRank int, opts ...Option) (*Handle, error) {
	o := parseOptions(opts)
	name, err := tensorName(name, o)
	if err != nil {
		return nil, err
	}
	if ctx, err = e.opContext(ctx); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, status.InvalidArgumentf("broadcast of %q: input can't be nil", name)
	}
	if rootRank < 0 || rootRank >= e.world.config.Size {
		return nil, status.InvalidArgumentf("broadcast of %q: root rank %d out of range for %d ranks",
			name, rootRank, e.world.config.Size)
	}
	if output != nil && !output.Shape().Equal(input.Shape()) {
		return nil, status.InvalidArgumentf("broadcast of %q: output shape %s doesn't match input shape %s",
			name, output.Shape(), input.Shape())
	}
	entry := &gpuops.TensorTableEntry{TensorName: name, Tensor: input, Output: output, RootRank: rootRank, Context: ctx}
	request := &controller.Request{Type: gpuops.ResponseBroadcast, Shape: input.Shape(), RootRank: rootRank}
	return e.enqueue(entry, request, o, timeline.Broadcast)
}

// EnqueueAlltoall sends consecutive chunks of rows (first axis) of input to each rank, and receives the
// chunks sent to this rank, concatenated in rank order.
//
// splits is a 1D Int32 or Int64 tensor with the number of rows sent to each rank, and it may live on the
// device. If nil, the rows are split evenly. The output is allocated with ctx.
func (e *Engine) EnqueueAlltoall(ctx framework.OpContext, name string, input, splits framework.Tensor, opts ...Option) (*Handle, error) {
	o := parseOptions(opts)
	name, err := tensorName(name, o)
	if err != nil {
		return nil, err
	}
	if ctx, err = e.opContext(ctx); err != nil {
		return nil, err
	}
	if input == nil || input.Shape().Rank() == 0 {
		return nil, status.InvalidArgumentf("alltoall of %q requires an input of rank >= 1", name)
	}
	if splits != nil {
		if dtype := splits.DType(); dtype != dtypes.Int32 && dtype != dtypes.Int64 {
			return nil, status.InvalidArgumentf("alltoall of %q: splits must be Int32 or Int64, got %s", name, dtype)
		}
		if shape := splits.Shape(); shape.Rank() != 1 || shape.Dim(0) != e.world.config.Size {
			return nil, status.InvalidArgumentf("alltoall of %q: splits must have one value per rank (%d), got shape %s",
				name, e.world.config.Size, shape)
		}
	}
	entry := &gpuops.TensorTableEntry{TensorName: name, Tensor: input, Splits: splits, Context: ctx}
	request := &controller.Request{Type: gpuops.ResponseAlltoall, Shape: input.Shape()}
	return e.enqueue(entry, request, o, timeline.Alltoall)
}

// EnqueueJoin tells the other ranks this one has no more data: until every rank joins, it takes part in
// their allreduces with zeros and in their allgathers with no rows, using ctx to allocate them.
// The Handle completes once all ranks joined.
func (e *Engine) EnqueueJoin(ctx framework.OpContext, opts ...Option) (*Handle, error) {
	o := parseOptions(opts)
	ctx, err := e.opContext(ctx)
	if err != nil {
		return nil, err
	}
	entry := &gpuops.TensorTableEntry{TensorName: JoinName, Context: ctx}
	request := &controller.Request{Type: gpuops.ResponseJoin}
	return e.enqueue(entry, request, o, "JOIN")
}
