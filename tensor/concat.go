package tensor

import (
	"fmt"
)

// Concat joins tensors along one dimension. All other dimensions must match.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}
	if len(tensors) == 1 {
		return tensors[0].Clone()
	}

	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(first.Shape))
	}

	concatSize := 0
	for i, t := range tensors {
		if err := checkCompatibility(first, t); err != nil {
			return nil, err
		}
		if t.DType != Float32 {
			return nil, fmt.Errorf("unsupported dtype for Concat: %s", t.DType)
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("Concat rank mismatch: tensor %d has shape %v, expected rank %d", i, t.Shape, len(first.Shape))
		}
		for d := range t.Shape {
			if d != dim && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("Concat shape mismatch on dimension %d: %v vs %v", d, t.Shape, first.Shape)
			}
		}
		concatSize += t.Shape[dim]
	}

	outputShape := make([]int, len(first.Shape))
	copy(outputShape, first.Shape)
	outputShape[dim] = concatSize

	result, err := Zeros(outputShape, Float32, first.Device)
	if err != nil {
		return nil, err
	}

	// Treat every tensor as [outer, size_at_dim, inner] and copy contiguous
	// inner*size blocks into the right offset of the result.
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= first.Shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(first.Shape); d++ {
		inner *= first.Shape[d]
	}

	out := result.Data.([]float32)
	offset := 0
	for _, t := range tensors {
		size := t.Shape[dim]
		src := t.Data.([]float32)
		for o := 0; o < outer; o++ {
			srcStart := o * size * inner
			dstStart := o*concatSize*inner + offset*inner
			copy(out[dstStart:dstStart+size*inner], src[srcStart:srcStart+size*inner])
		}
		offset += size
	}

	return result, nil
}

// ConcatOp implements the Operation interface for concatenation.
type ConcatOp struct {
	inputs []*Tensor
	dim    int
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) == 0 {
		panic("ConcatOp requires at least 1 input")
	}

	op.inputs = inputs

	result, err := Concat(inputs, op.dim)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs...)
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	first := op.inputs[0]
	dim := op.dim

	outer := 1
	for d := 0; d < dim; d++ {
		outer *= first.Shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(first.Shape); d++ {
		inner *= first.Shape[d]
	}
	concatSize := gradOut.Shape[dim]

	g := gradOut.Data.([]float32)
	grads := make([]*Tensor, len(op.inputs))

	offset := 0
	for i, t := range op.inputs {
		grad, err := Zeros(t.Shape, Float32, t.Device)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
		dst := grad.Data.([]float32)
		size := t.Shape[dim]
		for o := 0; o < outer; o++ {
			srcStart := o*concatSize*inner + offset*inner
			dstStart := o * size * inner
			copy(dst[dstStart:dstStart+size*inner], g[srcStart:srcStart+size*inner])
		}
		grads[i] = grad
		offset += size
	}

	return grads
}

// ConcatAutograd joins tensors along a dimension, recorded in the autograd
// graph.
func ConcatAutograd(tensors []*Tensor, dim int) *Tensor {
	op := &ConcatOp{dim: dim}
	return op.Forward(tensors...)
}
