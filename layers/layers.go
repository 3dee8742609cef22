package layers

import (
	"fmt"
	"math"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// Linear implements a fully connected layer: y = xW + b.
// Weight shape is [inputSize, outputSize] so the forward pass is a plain
// matrix multiplication against 2D input.
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a fully connected layer with Xavier/Glorot uniform
// initialized weights, W ~ U(-sqrt(6/(fan_in+fan_out)), +sqrt(...)), and a
// zero bias when bias is true.
func NewLinear(inputSize, outputSize int, bias bool, device tensor.DeviceType) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("linear layer sizes must be positive, got %d and %d", inputSize, outputSize)
	}

	bound := float32(math.Sqrt(6.0 / float64(inputSize+outputSize)))
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, -bound, bound, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output := tensor.MatMulAutograd(input, l.weight)
	if l.bias != nil {
		output = tensor.AddAutograd(output, l.bias)
	}
	return output, nil
}

// Weight returns the weight tensor of shape [inputSize, outputSize].
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias returns the bias tensor, or nil when the layer has no bias.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// Parameters returns the trainable parameters.
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// NamedTensors records the layer's tensors under prefix.weight and
// prefix.bias.
func (l *Linear) NamedTensors(prefix string, out map[string]*tensor.Tensor) {
	out[joinName(prefix, "weight")] = l.weight
	if l.bias != nil {
		out[joinName(prefix, "bias")] = l.bias
	}
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// Conv2D implements a 2D convolution layer over NCHW input.
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a 2D convolution layer. Weight shape is
// [outputChannels, inputChannels, kernelSize, kernelSize] with Xavier uniform
// initialization over fan_in = inC*k*k and fan_out = outC*k*k.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, device tensor.DeviceType) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 {
		return nil, fmt.Errorf("channel counts must be positive, got %d and %d", inputChannels, outputChannels)
	}
	if kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv geometry: kernel %d, stride %d, padding %d", kernelSize, stride, padding)
	}

	fanIn := float64(inputChannels * kernelSize * kernelSize)
	fanOut := float64(outputChannels * kernelSize * kernelSize)
	bound := float32(math.Sqrt(6.0 / (fanIn + fanOut)))

	weight, err := tensor.RandomUniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, -bound, bound, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		weight:   weight,
		stride:   stride,
		padding:  padding,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

// Forward performs 2D convolution.
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding), nil
}

// Weight returns the weight tensor of shape [outC, inC, kernel, kernel].
func (c *Conv2D) Weight() *tensor.Tensor { return c.weight }

// Bias returns the bias tensor, or nil when the layer has no bias.
func (c *Conv2D) Bias() *tensor.Tensor { return c.bias }

// InputChannels returns the number of input channels the layer expects.
func (c *Conv2D) InputChannels() int { return c.weight.Shape[1] }

// OutputChannels returns the number of output channels the layer produces.
func (c *Conv2D) OutputChannels() int { return c.weight.Shape[0] }

// Parameters returns the trainable parameters.
func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

// NamedTensors records the layer's tensors under prefix.weight and
// prefix.bias.
func (c *Conv2D) NamedTensors(prefix string, out map[string]*tensor.Tensor) {
	out[joinName(prefix, "weight")] = c.weight
	if c.bias != nil {
		out[joinName(prefix, "bias")] = c.bias
	}
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// BatchNorm2D implements batch normalization over the channel dimension of
// NCHW input. Training mode normalizes with batch statistics and updates the
// running statistics in place; eval mode normalizes with the running
// statistics, which makes inference deterministic.
type BatchNorm2D struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor // Scale parameter
	beta        *tensor.Tensor // Shift parameter
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	training    bool
}

// NewBatchNorm2D creates a batch normalization layer with gamma initialized
// to ones, beta to zeros, running mean to zeros and running variance to ones.
// Non-positive eps and momentum fall back to 1e-5 and 0.1.
func NewBatchNorm2D(numFeatures int, eps, momentum float64, device tensor.DeviceType) (*BatchNorm2D, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("numFeatures must be positive, got %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create running mean tensor: %v", err)
	}
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create running variance tensor: %v", err)
	}

	return &BatchNorm2D{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    true,
	}, nil
}

// Forward performs batch normalization over NCHW input.
func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("BatchNorm2D only supports Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("BatchNorm2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("input channels mismatch: expected %d, got %d", bn.numFeatures, input.Shape[1])
	}

	return tensor.BatchNorm2DAutograd(input, bn.gamma, bn.beta, bn.runningMean, bn.runningVar,
		bn.training, bn.momentum, bn.eps), nil
}

// Gamma returns the scale parameter.
func (bn *BatchNorm2D) Gamma() *tensor.Tensor { return bn.gamma }

// Beta returns the shift parameter.
func (bn *BatchNorm2D) Beta() *tensor.Tensor { return bn.beta }

// RunningMean returns the running mean buffer.
func (bn *BatchNorm2D) RunningMean() *tensor.Tensor { return bn.runningMean }

// RunningVar returns the running variance buffer.
func (bn *BatchNorm2D) RunningVar() *tensor.Tensor { return bn.runningVar }

// Parameters returns the trainable parameters. The running statistics are
// buffers, not parameters, and are excluded.
func (bn *BatchNorm2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// NamedTensors records gamma as prefix.weight, beta as prefix.bias and the
// running statistics as prefix.running_mean and prefix.running_var.
func (bn *BatchNorm2D) NamedTensors(prefix string, out map[string]*tensor.Tensor) {
	out[joinName(prefix, "weight")] = bn.gamma
	out[joinName(prefix, "bias")] = bn.beta
	out[joinName(prefix, "running_mean")] = bn.runningMean
	out[joinName(prefix, "running_var")] = bn.runningVar
}

func (bn *BatchNorm2D) Train()           { bn.training = true }
func (bn *BatchNorm2D) Eval()            { bn.training = false }
func (bn *BatchNorm2D) IsTraining() bool { return bn.training }
