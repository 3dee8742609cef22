package tensor

import (
	"fmt"
	"math"
)

// BatchNorm2DOp implements the Operation interface for batch normalization
// over NCHW input. Inputs are [x, gamma, beta]; running statistics are owned
// by the caller and updated in place during training-mode forward passes.
type BatchNorm2DOp struct {
	inputs      []*Tensor
	runningMean *Tensor
	runningVar  *Tensor
	training    bool
	momentum    float64
	eps         float64

	xhat   []float32
	invStd []float64
}

func (op *BatchNorm2DOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchNorm2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("BatchNorm2DOp requires exactly 3 inputs: x, gamma, beta")
	}

	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs

	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("BatchNorm2D input must be 4D [batch, channels, height, width], got %v", x.Shape))
	}

	batch, channels, height, width := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if gamma.Shape[0] != channels || beta.Shape[0] != channels {
		panic(fmt.Sprintf("BatchNorm2D parameter size mismatch: %d channels, gamma %v, beta %v",
			channels, gamma.Shape, beta.Shape))
	}

	result, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	xData := x.Data.([]float32)
	gData := gamma.Data.([]float32)
	bData := beta.Data.([]float32)
	out := result.Data.([]float32)
	rm := op.runningMean.Data.([]float32)
	rv := op.runningVar.Data.([]float32)

	plane := height * width
	m := batch * plane

	op.xhat = make([]float32, len(xData))
	op.invStd = make([]float64, channels)

	for c := 0; c < channels; c++ {
		var mean, variance float64

		if op.training {
			sum := 0.0
			for n := 0; n < batch; n++ {
				base := (n*channels + c) * plane
				for i := 0; i < plane; i++ {
					sum += float64(xData[base+i])
				}
			}
			mean = sum / float64(m)

			sqSum := 0.0
			for n := 0; n < batch; n++ {
				base := (n*channels + c) * plane
				for i := 0; i < plane; i++ {
					diff := float64(xData[base+i]) - mean
					sqSum += diff * diff
				}
			}
			variance = sqSum / float64(m)

			// Running statistics carry the unbiased variance estimate.
			unbiased := variance
			if m > 1 {
				unbiased = sqSum / float64(m-1)
			}
			rm[c] = float32((1-op.momentum)*float64(rm[c]) + op.momentum*mean)
			rv[c] = float32((1-op.momentum)*float64(rv[c]) + op.momentum*unbiased)
		} else {
			mean = float64(rm[c])
			variance = float64(rv[c])
		}

		invStd := 1.0 / math.Sqrt(variance+op.eps)
		op.invStd[c] = invStd

		for n := 0; n < batch; n++ {
			base := (n*channels + c) * plane
			for i := 0; i < plane; i++ {
				xhat := float32((float64(xData[base+i]) - mean) * invStd)
				op.xhat[base+i] = xhat
				out[base+i] = gData[c]*xhat + bData[c]
			}
		}
	}

	return attachResult(result, op, x, gamma, beta)
}

func (op *BatchNorm2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, gamma := op.inputs[0], op.inputs[1]
	batch, channels, height, width := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	plane := height * width
	m := batch * plane

	gradInput, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	gradGamma, err := Zeros(gamma.Shape, Float32, gamma.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	gradBeta, err := Zeros(gamma.Shape, Float32, gamma.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	g := gradOut.Data.([]float32)
	gData := gamma.Data.([]float32)
	dx := gradInput.Data.([]float32)
	dGamma := gradGamma.Data.([]float32)
	dBeta := gradBeta.Data.([]float32)

	for c := 0; c < channels; c++ {
		sumG := 0.0
		sumGXhat := 0.0
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * plane
			for i := 0; i < plane; i++ {
				gv := float64(g[base+i])
				sumG += gv
				sumGXhat += gv * float64(op.xhat[base+i])
			}
		}
		dGamma[c] = float32(sumGXhat)
		dBeta[c] = float32(sumG)

		scale := float64(gData[c]) * op.invStd[c]
		if op.training {
			// Batch statistics took part in the forward pass, so the
			// gradient couples every element of the channel.
			for n := 0; n < batch; n++ {
				base := (n*channels + c) * plane
				for i := 0; i < plane; i++ {
					gv := float64(g[base+i])
					xhat := float64(op.xhat[base+i])
					dx[base+i] = float32(scale / float64(m) * (float64(m)*gv - sumG - xhat*sumGXhat))
				}
			}
		} else {
			for n := 0; n < batch; n++ {
				base := (n*channels + c) * plane
				for i := 0; i < plane; i++ {
					dx[base+i] = float32(float64(g[base+i]) * scale)
				}
			}
		}
	}

	return []*Tensor{gradInput, gradGamma, gradBeta}
}

// BatchNorm2DAutograd normalizes NCHW input per channel. In training mode the
// batch statistics are used and the running statistics are updated in place;
// in eval mode the running statistics are used, making the forward pass
// deterministic.
func BatchNorm2DAutograd(x, gamma, beta, runningMean, runningVar *Tensor, training bool, momentum, eps float64) *Tensor {
	op := &BatchNorm2DOp{
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    training,
		momentum:    momentum,
		eps:         eps,
	}
	return op.Forward(x, gamma, beta)
}
