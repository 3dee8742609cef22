package tensor

import (
	"fmt"
	"math"
)

// BCEWithLogitsOp implements the Operation interface for binary cross-entropy
// computed directly from logits, fused with the optional per-class weighting
// and the reduction. Working from logits keeps the loss finite for any finite
// input: each element is max(x,0) - x*y + log(1+exp(-|x|)), which is
// non-negative for targets in [0,1].
type BCEWithLogitsOp struct {
	inputs  []*Tensor
	targets *Tensor
	weights *Tensor
	mean    bool
}

func (op *BCEWithLogitsOp) Inputs() []*Tensor { return op.inputs }

func (op *BCEWithLogitsOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("BCEWithLogitsOp requires exactly 1 input")
	}

	logits := inputs[0]
	op.inputs = inputs

	if logits.DType != Float32 || op.targets.DType != Float32 {
		panic(fmt.Sprintf("BCEWithLogits requires Float32 tensors, got %s and %s", logits.DType, op.targets.DType))
	}
	if !shapesEqual(logits.Shape, op.targets.Shape) {
		panic(fmt.Sprintf("BCEWithLogits shape mismatch: logits %v, targets %v", logits.Shape, op.targets.Shape))
	}

	classes := logits.Shape[len(logits.Shape)-1]
	var w []float32
	if op.weights != nil {
		if op.weights.NumElems != classes {
			panic(fmt.Sprintf("BCEWithLogits weight size %d does not match %d classes", op.weights.NumElems, classes))
		}
		w = op.weights.Data.([]float32)
	}

	x := logits.Data.([]float32)
	y := op.targets.Data.([]float32)

	total := 0.0
	for i := range x {
		xv := float64(x[i])
		term := math.Max(xv, 0) - xv*float64(y[i]) + math.Log1p(math.Exp(-math.Abs(xv)))
		if w != nil {
			term *= float64(w[i%classes])
		}
		total += term
	}

	if op.mean {
		total /= float64(logits.NumElems)
	}

	result, err := NewTensor([]int{1}, Float32, logits.Device, []float32{float32(total)})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, logits)
}

func (op *BCEWithLogitsOp) Backward(gradOut *Tensor) []*Tensor {
	logits := op.inputs[0]
	classes := logits.Shape[len(logits.Shape)-1]

	var w []float32
	if op.weights != nil {
		w = op.weights.Data.([]float32)
	}

	grad, err := Zeros(logits.Shape, Float32, logits.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	x := logits.Data.([]float32)
	y := op.targets.Data.([]float32)
	dx := grad.Data.([]float32)
	upstream := float64(gradOut.Data.([]float32)[0])

	scale := upstream
	if op.mean {
		scale /= float64(logits.NumElems)
	}

	for i := range x {
		sig := 1.0 / (1.0 + math.Exp(-float64(x[i])))
		g := (sig - float64(y[i])) * scale
		if w != nil {
			g *= float64(w[i%classes])
		}
		dx[i] = float32(g)
	}

	return []*Tensor{grad}
}

// BCEWithLogitsAutograd computes the (optionally class-weighted) binary
// cross-entropy of logits against multi-hot targets, recorded in the autograd
// graph. Weights may be nil; mean selects mean over sum reduction.
func BCEWithLogitsAutograd(logits, targets, weights *Tensor, mean bool) *Tensor {
	op := &BCEWithLogitsOp{targets: targets, weights: weights, mean: mean}
	return op.Forward(logits)
}

// LinearForward runs input @ weight + bias with broadcasting, without
// recording autograd state. Weight is [inputFeatures, outputFeatures].
func LinearForward(input, weight, bias *Tensor) (*Tensor, error) {
	if len(input.Shape) != 2 || len(weight.Shape) != 2 {
		return nil, fmt.Errorf("LinearForward requires 2D input and weight tensors")
	}
	if input.Shape[1] != weight.Shape[0] {
		return nil, fmt.Errorf("input features (%d) must match weight input features (%d)",
			input.Shape[1], weight.Shape[0])
	}

	matmul, err := MatMul(input, weight)
	if err != nil {
		return nil, fmt.Errorf("failed to perform matrix multiplication: %v", err)
	}

	if bias == nil {
		return matmul, nil
	}
	if len(bias.Shape) != 1 || bias.Shape[0] != weight.Shape[1] {
		return nil, fmt.Errorf("bias size must match weight output features (%d)", weight.Shape[1])
	}

	result, err := Add(matmul, bias)
	if err != nil {
		return nil, fmt.Errorf("failed to add bias: %v", err)
	}

	return result, nil
}
