package tensor

import (
	"fmt"
)

func convOutputSize(inSize, kernel, stride, padding int) int {
	return (inSize+2*padding-kernel)/stride + 1
}

// Conv2D performs a 2D cross-correlation over NCHW input with an
// [outChannels, inChannels, kh, kw] weight tensor. Bias may be nil.
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if err := checkCompatibility(input, weight); err != nil {
		return nil, err
	}
	if input.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Conv2D: %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D input must be 4D [batch, channels, height, width], got %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D weight must be 4D [out, in, kh, kw], got %v", weight.Shape)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("Conv2D stride must be positive, got %d", stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("Conv2D padding must be non-negative, got %d", padding)
	}

	batch, inC, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, wInC, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]

	if inC != wInC {
		return nil, fmt.Errorf("Conv2D channel mismatch: input has %d, weight expects %d", inC, wInC)
	}
	if bias != nil {
		if len(bias.Shape) != 1 || bias.Shape[0] != outC {
			return nil, fmt.Errorf("Conv2D bias must have shape [%d], got %v", outC, bias.Shape)
		}
	}

	outH := convOutputSize(inH, kh, stride, padding)
	outW := convOutputSize(inW, kw, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("Conv2D output would be empty for input %v, kernel %dx%d, stride %d, padding %d",
			input.Shape, kh, kw, stride, padding)
	}

	result, err := Zeros([]int{batch, outC, outH, outW}, Float32, input.Device)
	if err != nil {
		return nil, err
	}

	x := input.Data.([]float32)
	w := weight.Data.([]float32)
	out := result.Data.([]float32)
	var b []float32
	if bias != nil {
		b = bias.Data.([]float32)
	}

	for n := 0; n < batch; n++ {
		for oc := 0; oc < outC; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float32
					if b != nil {
						sum = b[oc]
					}
					for ic := 0; ic < inC; ic++ {
						for ki := 0; ki < kh; ki++ {
							ih := oh*stride - padding + ki
							if ih < 0 || ih >= inH {
								continue
							}
							for kj := 0; kj < kw; kj++ {
								iw := ow*stride - padding + kj
								if iw < 0 || iw >= inW {
									continue
								}
								xIdx := ((n*inC+ic)*inH+ih)*inW + iw
								wIdx := ((oc*inC+ic)*kh+ki)*kw + kj
								sum += x[xIdx] * w[wIdx]
							}
						}
					}
					out[((n*outC+oc)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}

	return result, nil
}

// Conv2DOp implements the Operation interface for 2D convolution. Inputs are
// [input, weight] or [input, weight, bias].
type Conv2DOp struct {
	inputs  []*Tensor
	stride  int
	padding int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("Conv2DOp requires 2 or 3 inputs")
	}

	op.inputs = inputs

	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}

	result, err := Conv2D(inputs[0], inputs[1], bias, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs...)
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]
	hasBias := len(op.inputs) == 3

	batch, inC, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]

	gradInput, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	gradWeight, err := Zeros(weight.Shape, Float32, weight.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	x := input.Data.([]float32)
	w := weight.Data.([]float32)
	g := gradOut.Data.([]float32)
	dx := gradInput.Data.([]float32)
	dw := gradWeight.Data.([]float32)

	var gradBias *Tensor
	var db []float32
	if hasBias {
		gradBias, err = Zeros(op.inputs[2].Shape, Float32, op.inputs[2].Device)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
		db = gradBias.Data.([]float32)
	}

	for n := 0; n < batch; n++ {
		for oc := 0; oc < outC; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					grad := g[((n*outC+oc)*outH+oh)*outW+ow]
					if db != nil {
						db[oc] += grad
					}
					for ic := 0; ic < inC; ic++ {
						for ki := 0; ki < kh; ki++ {
							ih := oh*op.stride - op.padding + ki
							if ih < 0 || ih >= inH {
								continue
							}
							for kj := 0; kj < kw; kj++ {
								iw := ow*op.stride - op.padding + kj
								if iw < 0 || iw >= inW {
									continue
								}
								xIdx := ((n*inC+ic)*inH+ih)*inW + iw
								wIdx := ((oc*inC+ic)*kh+ki)*kw + kj
								dx[xIdx] += w[wIdx] * grad
								dw[wIdx] += x[xIdx] * grad
							}
						}
					}
				}
			}
		}
	}

	if hasBias {
		return []*Tensor{gradInput, gradWeight, gradBias}
	}
	return []*Tensor{gradInput, gradWeight}
}

// Conv2DAutograd runs a 2D convolution recorded in the autograd graph. Bias
// may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) *Tensor {
	op := &Conv2DOp{stride: stride, padding: padding}
	if bias == nil {
		return op.Forward(input, weight)
	}
	return op.Forward(input, weight, bias)
}
