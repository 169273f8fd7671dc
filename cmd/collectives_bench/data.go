package main

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/collectives/pkg/collectives"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// rankData holds the tensors reduced by one rank.
type rankData struct {
	engine          *collectives.Engine
	inputs, outputs []*tensors.Tensor
}

func newRankData(engine *collectives.Engine, dtype dtypes.DType, numElements, value int) (*rankData, error) {
	d := &rankData{engine: engine}
	for range *flagTensors {
		input, err := filledTensor(engine.Context(), dtype, numElements, value)
		if err != nil {
			d.finalize()
			return nil, err
		}
		d.inputs = append(d.inputs, input)
		output, err := tensors.FromShape(engine.Context(), input.Shape())
		if err != nil {
			d.finalize()
			return nil, err
		}
		d.outputs = append(d.outputs, output)
	}
	return d, nil
}

// step reduces all the tensors of the rank, and waits for them. If check is set, it verifies the results.
func (d *rankData) step(opts []collectives.Option, check bool, expected float64) error {
	handles := make([]*collectives.Handle, 0, len(d.inputs))
	var firstErr error
	for ii := range d.inputs {
		h, err := d.engine.EnqueueAllreduce(nil, fmt.Sprintf("tensor_%d", ii), d.inputs[ii], d.outputs[ii], opts...)
		if err != nil {
			firstErr = err
			break
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if st := h.Wait(); st.IsError() && firstErr == nil {
			firstErr = errors.WithMessagef(st, "allreduce of %q", h.Name())
		}
	}
	if firstErr != nil || !check {
		return firstErr
	}
	for ii, output := range d.outputs {
		if err := checkTensor(output, expected); err != nil {
			return errors.WithMessagef(err, "tensor_%d", ii)
		}
	}
	return nil
}

func (d *rankData) finalize() {
	for _, t := range slices.Concat(d.inputs, d.outputs) {
		if err := t.Finalize(); err != nil {
			klog.Warningf("Failed to free tensor: %v", err)
		}
	}
}

func filledTensor(ctx *tensors.Context, dtype dtypes.DType, numElements, value int) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(ctx, filled[float32](numElements, value), numElements)
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(ctx, filled[float64](numElements, value), numElements)
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(ctx, filled[int32](numElements, value), numElements)
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(ctx, filled[int64](numElements, value), numElements)
	}
	return nil, errors.Errorf("data type %s not supported by the benchmark", dtype)
}

func filled[T dtypes.Number](numElements, value int) []T {
	values := make([]T, numElements)
	for ii := range values {
		values[ii] = T(value)
	}
	return values
}

func checkTensor(t *tensors.Tensor, expected float64) error {
	switch t.DType() {
	case dtypes.Float32:
		return checkValues(tensors.MustCopyFlatData[float32](t), expected)
	case dtypes.Float64:
		return checkValues(tensors.MustCopyFlatData[float64](t), expected)
	case dtypes.Int32:
		return checkValues(tensors.MustCopyFlatData[int32](t), expected)
	case dtypes.Int64:
		return checkValues(tensors.MustCopyFlatData[int64](t), expected)
	}
	return errors.Errorf("data type %s not supported by the benchmark", t.DType())
}

func checkValues[T dtypes.Number](values []T, expected float64) error {
	tolerance := 1e-5 * math.Max(1, math.Abs(expected))
	for ii, v := range values {
		if math.Abs(float64(v)-expected) > tolerance {
			return errors.Errorf("element %d is %v, expected %g", ii, v, expected)
		}
	}
	return nil
}
