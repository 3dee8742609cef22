package vision

import (
	"fmt"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/layers"
	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

const (
	batchNormEps      = 1e-5
	batchNormMomentum = 0.1
)

// Backbone is a convolutional feature extractor over NCHW input. Forward
// produces the final feature maps before any classification head; the head is
// sized from FeatureWidth.
type Backbone interface {
	layers.Module
	FeatureWidth() int
	InputChannels() int
	NamedTensors(prefix string, out map[string]*tensor.Tensor)
}

// denseLayer is the bottleneck unit of a dense block:
// BN-ReLU-Conv1x1-BN-ReLU-Conv3x3, producing growthRate new feature maps.
type denseLayer struct {
	norm1 *layers.BatchNorm2D
	conv1 *layers.Conv2D
	norm2 *layers.BatchNorm2D
	conv2 *layers.Conv2D
}

func newDenseLayer(inFeatures, growthRate, bnSize int, device tensor.DeviceType) (*denseLayer, error) {
	norm1, err := layers.NewBatchNorm2D(inFeatures, batchNormEps, batchNormMomentum, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create norm1: %v", err)
	}
	conv1, err := layers.NewConv2D(inFeatures, bnSize*growthRate, 1, 1, 0, false, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create conv1: %v", err)
	}
	norm2, err := layers.NewBatchNorm2D(bnSize*growthRate, batchNormEps, batchNormMomentum, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create norm2: %v", err)
	}
	conv2, err := layers.NewConv2D(bnSize*growthRate, growthRate, 3, 1, 1, false, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create conv2: %v", err)
	}

	return &denseLayer{norm1: norm1, conv1: conv1, norm2: norm2, conv2: conv2}, nil
}

func (l *denseLayer) forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := l.norm1.Forward(input)
	if err != nil {
		return nil, err
	}
	out = tensor.ReLUAutograd(out)
	if out, err = l.conv1.Forward(out); err != nil {
		return nil, err
	}
	if out, err = l.norm2.Forward(out); err != nil {
		return nil, err
	}
	out = tensor.ReLUAutograd(out)
	return l.conv2.Forward(out)
}

func (l *denseLayer) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, l.norm1.Parameters()...)
	params = append(params, l.conv1.Parameters()...)
	params = append(params, l.norm2.Parameters()...)
	params = append(params, l.conv2.Parameters()...)
	return params
}

func (l *denseLayer) namedTensors(prefix string, out map[string]*tensor.Tensor) {
	l.norm1.NamedTensors(prefix+".norm1", out)
	l.conv1.NamedTensors(prefix+".conv1", out)
	l.norm2.NamedTensors(prefix+".norm2", out)
	l.conv2.NamedTensors(prefix+".conv2", out)
}

func (l *denseLayer) setTraining(training bool) {
	if training {
		l.norm1.Train()
		l.conv1.Train()
		l.norm2.Train()
		l.conv2.Train()
	} else {
		l.norm1.Eval()
		l.conv1.Eval()
		l.norm2.Eval()
		l.conv2.Eval()
	}
}

// denseBlock chains dense layers, concatenating each layer's output onto the
// running feature maps along the channel dimension.
type denseBlock struct {
	layers []*denseLayer
}

func newDenseBlock(numLayers, inFeatures, growthRate, bnSize int, device tensor.DeviceType) (*denseBlock, error) {
	block := &denseBlock{}
	for i := 0; i < numLayers; i++ {
		layer, err := newDenseLayer(inFeatures+i*growthRate, growthRate, bnSize, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create dense layer %d: %v", i+1, err)
		}
		block.layers = append(block.layers, layer)
	}
	return block, nil
}

func (b *denseBlock) forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	features := input
	for i, layer := range b.layers {
		newFeatures, err := layer.forward(features)
		if err != nil {
			return nil, fmt.Errorf("dense layer %d failed: %v", i+1, err)
		}
		features = tensor.ConcatAutograd([]*tensor.Tensor{features, newFeatures}, 1)
	}
	return features, nil
}

func (b *denseBlock) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, layer := range b.layers {
		params = append(params, layer.parameters()...)
	}
	return params
}

func (b *denseBlock) namedTensors(prefix string, out map[string]*tensor.Tensor) {
	for i, layer := range b.layers {
		layer.namedTensors(fmt.Sprintf("%s.denselayer%d", prefix, i+1), out)
	}
}

func (b *denseBlock) setTraining(training bool) {
	for _, layer := range b.layers {
		layer.setTraining(training)
	}
}

// transition compresses and downsamples between dense blocks:
// BN-ReLU-Conv1x1-AvgPool2.
type transition struct {
	norm *layers.BatchNorm2D
	conv *layers.Conv2D
	pool *layers.AvgPool2D
}

func newTransition(inFeatures, outFeatures int, device tensor.DeviceType) (*transition, error) {
	norm, err := layers.NewBatchNorm2D(inFeatures, batchNormEps, batchNormMomentum, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create norm: %v", err)
	}
	conv, err := layers.NewConv2D(inFeatures, outFeatures, 1, 1, 0, false, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create conv: %v", err)
	}
	return &transition{norm: norm, conv: conv, pool: layers.NewAvgPool2D(2, 2, 0)}, nil
}

func (t *transition) forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := t.norm.Forward(input)
	if err != nil {
		return nil, err
	}
	out = tensor.ReLUAutograd(out)
	if out, err = t.conv.Forward(out); err != nil {
		return nil, err
	}
	return t.pool.Forward(out)
}

func (t *transition) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, t.norm.Parameters()...)
	params = append(params, t.conv.Parameters()...)
	return params
}

func (t *transition) namedTensors(prefix string, out map[string]*tensor.Tensor) {
	t.norm.NamedTensors(prefix+".norm", out)
	t.conv.NamedTensors(prefix+".conv", out)
}

func (t *transition) setTraining(training bool) {
	if training {
		t.norm.Train()
		t.conv.Train()
	} else {
		t.norm.Eval()
		t.conv.Eval()
	}
}

// DenseNet is a densely connected convolutional feature extractor. Forward
// runs the stem, the dense blocks with their transitions and the final batch
// norm; it does not apply the final ReLU or any pooling, which belong to the
// classification head.
type DenseNet struct {
	conv0 *layers.Conv2D
	norm0 *layers.BatchNorm2D
	pool0 *layers.MaxPool2D

	blocks      []*denseBlock
	transitions []*transition
	norm5       *layers.BatchNorm2D

	featureWidth int
	training     bool
}

// newDenseNet builds a DenseNet feature extractor from its block
// configuration. The stem convolution takes inputChannels channels; weight
// loading for pretrained models never touches it, so any channel count works.
func newDenseNet(inputChannels, growthRate, initFeatures, bnSize int, blockConfig []int, device tensor.DeviceType) (*DenseNet, error) {
	if inputChannels <= 0 {
		return nil, fmt.Errorf("inputChannels must be positive, got %d", inputChannels)
	}

	conv0, err := layers.NewConv2D(inputChannels, initFeatures, 7, 2, 3, false, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create stem conv: %v", err)
	}
	norm0, err := layers.NewBatchNorm2D(initFeatures, batchNormEps, batchNormMomentum, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create stem norm: %v", err)
	}

	net := &DenseNet{
		conv0:    conv0,
		norm0:    norm0,
		pool0:    layers.NewMaxPool2D(3, 2, 1),
		training: true,
	}

	numFeatures := initFeatures
	for i, numLayers := range blockConfig {
		block, err := newDenseBlock(numLayers, numFeatures, growthRate, bnSize, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create dense block %d: %v", i+1, err)
		}
		net.blocks = append(net.blocks, block)
		numFeatures += numLayers * growthRate

		if i != len(blockConfig)-1 {
			trans, err := newTransition(numFeatures, numFeatures/2, device)
			if err != nil {
				return nil, fmt.Errorf("failed to create transition %d: %v", i+1, err)
			}
			net.transitions = append(net.transitions, trans)
			numFeatures /= 2
		}
	}

	norm5, err := layers.NewBatchNorm2D(numFeatures, batchNormEps, batchNormMomentum, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create final norm: %v", err)
	}
	net.norm5 = norm5
	net.featureWidth = numFeatures

	return net, nil
}

// NewDenseNet121 builds the 121-layer configuration: growth rate 32, blocks
// of 6, 12, 24 and 16 layers, 64 stem features, producing 1024 feature maps.
func NewDenseNet121(inputChannels int, device tensor.DeviceType) (*DenseNet, error) {
	return newDenseNet(inputChannels, 32, 64, 4, []int{6, 12, 24, 16}, device)
}

// NewDenseNet169 builds the 169-layer configuration, producing 1664 feature
// maps.
func NewDenseNet169(inputChannels int, device tensor.DeviceType) (*DenseNet, error) {
	return newDenseNet(inputChannels, 32, 64, 4, []int{6, 12, 32, 32}, device)
}

// NewDenseNet201 builds the 201-layer configuration, producing 1920 feature
// maps.
func NewDenseNet201(inputChannels int, device tensor.DeviceType) (*DenseNet, error) {
	return newDenseNet(inputChannels, 32, 64, 4, []int{6, 12, 48, 32}, device)
}

// Forward runs the feature extractor over NCHW input and returns the final
// feature maps of shape [batch, FeatureWidth, h, w].
func (d *DenseNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("DenseNet expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != d.InputChannels() {
		return nil, fmt.Errorf("input channels mismatch: expected %d, got %d", d.InputChannels(), input.Shape[1])
	}

	out, err := d.conv0.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("stem conv failed: %v", err)
	}
	if out, err = d.norm0.Forward(out); err != nil {
		return nil, fmt.Errorf("stem norm failed: %v", err)
	}
	out = tensor.ReLUAutograd(out)
	if out, err = d.pool0.Forward(out); err != nil {
		return nil, fmt.Errorf("stem pool failed: %v", err)
	}

	for i, block := range d.blocks {
		if out, err = block.forward(out); err != nil {
			return nil, fmt.Errorf("dense block %d failed: %v", i+1, err)
		}
		if i < len(d.transitions) {
			if out, err = d.transitions[i].forward(out); err != nil {
				return nil, fmt.Errorf("transition %d failed: %v", i+1, err)
			}
		}
	}

	return d.norm5.Forward(out)
}

// FeatureWidth returns the channel count of the final feature maps.
func (d *DenseNet) FeatureWidth() int {
	return d.featureWidth
}

// InputChannels returns the channel count the stem convolution expects.
func (d *DenseNet) InputChannels() int {
	return d.conv0.InputChannels()
}

// Parameters returns all trainable parameters of the feature extractor.
func (d *DenseNet) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, d.conv0.Parameters()...)
	params = append(params, d.norm0.Parameters()...)
	for i, block := range d.blocks {
		params = append(params, block.parameters()...)
		if i < len(d.transitions) {
			params = append(params, d.transitions[i].parameters()...)
		}
	}
	params = append(params, d.norm5.Parameters()...)
	return params
}

// NamedTensors records every parameter and buffer under prefix using the
// conventional densenet naming: conv0, norm0, denseblockN.denselayerM.normK
// and so on.
func (d *DenseNet) NamedTensors(prefix string, out map[string]*tensor.Tensor) {
	d.conv0.NamedTensors(joinPrefix(prefix, "conv0"), out)
	d.norm0.NamedTensors(joinPrefix(prefix, "norm0"), out)
	for i, block := range d.blocks {
		block.namedTensors(joinPrefix(prefix, fmt.Sprintf("denseblock%d", i+1)), out)
		if i < len(d.transitions) {
			d.transitions[i].namedTensors(joinPrefix(prefix, fmt.Sprintf("transition%d", i+1)), out)
		}
	}
	d.norm5.NamedTensors(joinPrefix(prefix, "norm5"), out)
}

func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Train sets the feature extractor and all contained layers to training mode.
func (d *DenseNet) Train() {
	d.training = true
	d.setTraining(true)
}

// Eval sets the feature extractor and all contained layers to eval mode.
func (d *DenseNet) Eval() {
	d.training = false
	d.setTraining(false)
}

// IsTraining returns true if in training mode.
func (d *DenseNet) IsTraining() bool {
	return d.training
}

func (d *DenseNet) setTraining(training bool) {
	if training {
		d.conv0.Train()
		d.norm0.Train()
		d.norm5.Train()
	} else {
		d.conv0.Eval()
		d.norm0.Eval()
		d.norm5.Eval()
	}
	for _, block := range d.blocks {
		block.setTraining(training)
	}
	for _, trans := range d.transitions {
		trans.setTraining(training)
	}
}
