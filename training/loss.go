package training

import (
	"fmt"
	"math"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward produces a scalar loss tensor recorded in the autograd graph, so
// calling tensor.Backward on it is the usual way to get gradients; Backward
// computes the analytic gradient with respect to the predictions directly,
// for callers that bypass the graph.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// Reduction modes for losses.
const (
	ReductionMean = "mean"
	ReductionSum  = "sum"
)

// BCEWithLogitsLoss is binary cross-entropy computed from raw logits for
// multi-label targets, with an optional per-class weight vector broadcast
// across the batch. Computing from logits keeps each element at
// max(x,0) - x*y + log(1+exp(-|x|)), which is finite and non-negative for
// any finite logit and target in [0,1].
type BCEWithLogitsLoss struct {
	weights   *tensor.Tensor
	reduction string
}

// NewBCEWithLogitsLoss creates the loss. Weights may be nil for the
// unweighted form; when given it must hold one weight per class. An empty
// reduction defaults to mean.
func NewBCEWithLogitsLoss(weights *tensor.Tensor, reduction string) *BCEWithLogitsLoss {
	if reduction == "" {
		reduction = ReductionMean
	}
	return &BCEWithLogitsLoss{
		weights:   weights,
		reduction: reduction,
	}
}

// Weights returns the per-class weight tensor, or nil when unweighted.
func (bce *BCEWithLogitsLoss) Weights() *tensor.Tensor {
	return bce.weights
}

func (bce *BCEWithLogitsLoss) check(predicted, target *tensor.Tensor) error {
	if predicted == nil || target == nil {
		return fmt.Errorf("predicted and target tensors must be non-nil")
	}
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return fmt.Errorf("predicted and target must be Float32, got %s and %s", predicted.DType, target.DType)
	}
	if len(predicted.Shape) != len(target.Shape) {
		return fmt.Errorf("predicted shape %v does not match target shape %v", predicted.Shape, target.Shape)
	}
	for i, dim := range predicted.Shape {
		if dim != target.Shape[i] {
			return fmt.Errorf("predicted shape %v does not match target shape %v", predicted.Shape, target.Shape)
		}
	}
	if bce.weights != nil {
		classes := predicted.Shape[len(predicted.Shape)-1]
		if bce.weights.NumElems != classes {
			return fmt.Errorf("weight count %d does not match %d classes", bce.weights.NumElems, classes)
		}
	}
	return nil
}

// Forward computes the loss as a scalar tensor recorded in the autograd
// graph, so gradients flow back to the logits on tensor.Backward.
func (bce *BCEWithLogitsLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := bce.check(predicted, target); err != nil {
		return nil, err
	}
	return tensor.BCEWithLogitsAutograd(predicted, target, bce.weights, bce.reduction == ReductionMean), nil
}

// Backward computes the analytic gradient of the loss with respect to the
// predictions: w * (sigmoid(x) - y), divided by the element count under mean
// reduction.
func (bce *BCEWithLogitsLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := bce.check(predicted, target); err != nil {
		return nil, err
	}

	classes := predicted.Shape[len(predicted.Shape)-1]
	var w []float32
	if bce.weights != nil {
		w = bce.weights.Data.([]float32)
	}

	grad, err := tensor.Zeros(predicted.Shape, tensor.Float32, predicted.Device)
	if err != nil {
		return nil, fmt.Errorf("gradient allocation failed: %v", err)
	}

	x := predicted.Data.([]float32)
	y := target.Data.([]float32)
	dx := grad.Data.([]float32)

	scale := 1.0
	if bce.reduction == ReductionMean {
		scale = 1.0 / float64(predicted.NumElems)
	}

	for i := range x {
		sig := 1.0 / (1.0 + math.Exp(-float64(x[i])))
		g := (sig - float64(y[i])) * scale
		if w != nil {
			g *= float64(w[i%classes])
		}
		dx[i] = float32(g)
	}

	return grad, nil
}
