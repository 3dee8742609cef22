package layers

import (
	"fmt"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// MaxPool2D implements a 2D max pooling layer.
type MaxPool2D struct {
	kernelSize int
	stride     int
	padding    int
	training   bool
}

// NewMaxPool2D creates a new MaxPool2D layer.
func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	return &MaxPool2D{
		kernelSize: kernelSize,
		stride:     stride,
		padding:    padding,
		training:   true,
	}
}

// Forward performs 2D max pooling.
func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride, m.padding), nil
}

// Parameters returns empty slice (MaxPool2D has no parameters).
func (m *MaxPool2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

func (m *MaxPool2D) Train()           { m.training = true }
func (m *MaxPool2D) Eval()            { m.training = false }
func (m *MaxPool2D) IsTraining() bool { return m.training }

// AvgPool2D implements a 2D average pooling layer.
type AvgPool2D struct {
	kernelSize int
	stride     int
	padding    int
	training   bool
}

// NewAvgPool2D creates a new AvgPool2D layer.
func NewAvgPool2D(kernelSize, stride, padding int) *AvgPool2D {
	return &AvgPool2D{
		kernelSize: kernelSize,
		stride:     stride,
		padding:    padding,
		training:   true,
	}
}

// Forward performs 2D average pooling.
func (a *AvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("AvgPool2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	return tensor.AvgPool2DAutograd(input, a.kernelSize, a.stride, a.padding), nil
}

// Parameters returns empty slice (AvgPool2D has no parameters).
func (a *AvgPool2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

func (a *AvgPool2D) Train()           { a.training = true }
func (a *AvgPool2D) Eval()            { a.training = false }
func (a *AvgPool2D) IsTraining() bool { return a.training }

// GlobalAvgPool averages each channel over its full spatial extent, reducing
// [batch, channels, height, width] to [batch, channels, 1, 1].
type GlobalAvgPool struct {
	training bool
}

// NewGlobalAvgPool creates a new GlobalAvgPool layer.
func NewGlobalAvgPool() *GlobalAvgPool {
	return &GlobalAvgPool{training: true}
}

// Forward performs global average pooling.
func (g *GlobalAvgPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	return tensor.GlobalAvgPool2DAutograd(input), nil
}

// Parameters returns empty slice (GlobalAvgPool has no parameters).
func (g *GlobalAvgPool) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

func (g *GlobalAvgPool) Train()           { g.training = true }
func (g *GlobalAvgPool) Eval()            { g.training = false }
func (g *GlobalAvgPool) IsTraining() bool { return g.training }

// Flatten reshapes input to [batch_size, -1].
type Flatten struct {
	training bool
}

// NewFlatten creates a new Flatten layer.
func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

// Forward flattens all dimensions after the batch dimension.
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}

	batchSize := input.Shape[0]
	flattenedSize := input.NumElems / batchSize
	return tensor.ReshapeAutograd(input, []int{batchSize, flattenedSize}), nil
}

// Parameters returns empty slice (Flatten has no parameters).
func (f *Flatten) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

func (f *Flatten) Train()           { f.training = true }
func (f *Flatten) Eval()            { f.training = false }
func (f *Flatten) IsTraining() bool { return f.training }
