package tensor

import (
	"fmt"
	"math"
)

// MaxPool2D applies max pooling over NCHW input. Padded positions never win:
// windows are evaluated over in-bounds elements only. The second return value
// maps each output element to the flat input index of its maximum, for use by
// the backward pass.
func MaxPool2D(input *Tensor, kernel, stride, padding int) (*Tensor, []int, error) {
	if input.DType != Float32 {
		return nil, nil, fmt.Errorf("unsupported dtype for MaxPool2D: %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D input must be 4D [batch, channels, height, width], got %v", input.Shape)
	}
	if kernel <= 0 || stride <= 0 {
		return nil, nil, fmt.Errorf("MaxPool2D kernel and stride must be positive, got %d and %d", kernel, stride)
	}
	if padding < 0 {
		return nil, nil, fmt.Errorf("MaxPool2D padding must be non-negative, got %d", padding)
	}

	batch, channels, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := convOutputSize(inH, kernel, stride, padding)
	outW := convOutputSize(inW, kernel, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, nil, fmt.Errorf("MaxPool2D output would be empty for input %v, kernel %d, stride %d, padding %d",
			input.Shape, kernel, stride, padding)
	}

	result, err := Zeros([]int{batch, channels, outH, outW}, Float32, input.Device)
	if err != nil {
		return nil, nil, err
	}

	x := input.Data.([]float32)
	out := result.Data.([]float32)
	argmax := make([]int, len(out))

	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					best := float32(math.Inf(-1))
					bestIdx := -1
					for ki := 0; ki < kernel; ki++ {
						ih := oh*stride - padding + ki
						if ih < 0 || ih >= inH {
							continue
						}
						for kj := 0; kj < kernel; kj++ {
							iw := ow*stride - padding + kj
							if iw < 0 || iw >= inW {
								continue
							}
							idx := ((n*channels+c)*inH+ih)*inW + iw
							if x[idx] > best || bestIdx < 0 {
								best = x[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((n*channels+c)*outH+oh)*outW + ow
					out[outIdx] = best
					argmax[outIdx] = bestIdx
				}
			}
		}
	}

	return result, argmax, nil
}

// MaxPool2DOp implements the Operation interface for max pooling.
type MaxPool2DOp struct {
	inputs  []*Tensor
	kernel  int
	stride  int
	padding int
	argmax  []int
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MaxPool2DOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, argmax, err := MaxPool2D(inputs[0], op.kernel, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	op.argmax = argmax

	return attachResult(result, op, inputs[0])
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Zeros(op.inputs[0].Shape, Float32, op.inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	g := gradOut.Data.([]float32)
	dx := grad.Data.([]float32)
	for outIdx, inIdx := range op.argmax {
		if inIdx >= 0 {
			dx[inIdx] += g[outIdx]
		}
	}

	return []*Tensor{grad}
}

func MaxPool2DAutograd(input *Tensor, kernel, stride, padding int) *Tensor {
	op := &MaxPool2DOp{kernel: kernel, stride: stride, padding: padding}
	return op.Forward(input)
}

// AvgPool2D applies average pooling over NCHW input. The divisor is always
// kernel*kernel, matching pooling layers that count padded positions.
func AvgPool2D(input *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for AvgPool2D: %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("AvgPool2D input must be 4D [batch, channels, height, width], got %v", input.Shape)
	}
	if kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("AvgPool2D kernel and stride must be positive, got %d and %d", kernel, stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("AvgPool2D padding must be non-negative, got %d", padding)
	}

	batch, channels, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := convOutputSize(inH, kernel, stride, padding)
	outW := convOutputSize(inW, kernel, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("AvgPool2D output would be empty for input %v, kernel %d, stride %d, padding %d",
			input.Shape, kernel, stride, padding)
	}

	result, err := Zeros([]int{batch, channels, outH, outW}, Float32, input.Device)
	if err != nil {
		return nil, err
	}

	x := input.Data.([]float32)
	out := result.Data.([]float32)
	scale := 1.0 / float32(kernel*kernel)

	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float32
					for ki := 0; ki < kernel; ki++ {
						ih := oh*stride - padding + ki
						if ih < 0 || ih >= inH {
							continue
						}
						for kj := 0; kj < kernel; kj++ {
							iw := ow*stride - padding + kj
							if iw < 0 || iw >= inW {
								continue
							}
							sum += x[((n*channels+c)*inH+ih)*inW+iw]
						}
					}
					out[((n*channels+c)*outH+oh)*outW+ow] = sum * scale
				}
			}
		}
	}

	return result, nil
}

// AvgPool2DOp implements the Operation interface for average pooling.
type AvgPool2DOp struct {
	inputs  []*Tensor
	kernel  int
	stride  int
	padding int
}

func (op *AvgPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *AvgPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("AvgPool2DOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := AvgPool2D(inputs[0], op.kernel, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs[0])
}

func (op *AvgPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	batch, channels, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]

	grad, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	g := gradOut.Data.([]float32)
	dx := grad.Data.([]float32)
	scale := 1.0 / float32(op.kernel*op.kernel)

	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					share := g[((n*channels+c)*outH+oh)*outW+ow] * scale
					for ki := 0; ki < op.kernel; ki++ {
						ih := oh*op.stride - op.padding + ki
						if ih < 0 || ih >= inH {
							continue
						}
						for kj := 0; kj < op.kernel; kj++ {
							iw := ow*op.stride - op.padding + kj
							if iw < 0 || iw >= inW {
								continue
							}
							dx[((n*channels+c)*inH+ih)*inW+iw] += share
						}
					}
				}
			}
		}
	}

	return []*Tensor{grad}
}

func AvgPool2DAutograd(input *Tensor, kernel, stride, padding int) *Tensor {
	op := &AvgPool2DOp{kernel: kernel, stride: stride, padding: padding}
	return op.Forward(input)
}

// GlobalAvgPool2D averages each channel plane down to 1x1, the adaptive
// average pooling used ahead of a classification head.
func GlobalAvgPool2D(input *Tensor) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for GlobalAvgPool2D: %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool2D input must be 4D [batch, channels, height, width], got %v", input.Shape)
	}

	batch, channels, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]

	result, err := Zeros([]int{batch, channels, 1, 1}, Float32, input.Device)
	if err != nil {
		return nil, err
	}

	x := input.Data.([]float32)
	out := result.Data.([]float32)
	plane := inH * inW

	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			base := (n*channels + c) * plane
			sum := 0.0
			for i := 0; i < plane; i++ {
				sum += float64(x[base+i])
			}
			out[n*channels+c] = float32(sum / float64(plane))
		}
	}

	return result, nil
}

// GlobalAvgPool2DOp implements the Operation interface for global average
// pooling.
type GlobalAvgPool2DOp struct {
	inputs []*Tensor
}

func (op *GlobalAvgPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *GlobalAvgPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("GlobalAvgPool2DOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := GlobalAvgPool2D(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs[0])
}

func (op *GlobalAvgPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	batch, channels, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	plane := inH * inW

	grad, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	g := gradOut.Data.([]float32)
	dx := grad.Data.([]float32)
	scale := 1.0 / float32(plane)

	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			share := g[n*channels+c] * scale
			base := (n*channels + c) * plane
			for i := 0; i < plane; i++ {
				dx[base+i] = share
			}
		}
	}

	return []*Tensor{grad}
}

func GlobalAvgPool2DAutograd(input *Tensor) *Tensor {
	op := &GlobalAvgPool2DOp{}
	return op.Forward(input)
}
