package chestxray

import (
	"fmt"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/layers"
	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
	"github.com/Tstrebe2/mads-capstone-medical-imaging/training"
	"github.com/Tstrebe2/mads-capstone-medical-imaging/vision"
)

// Architecture names the backbone the classifier is built on.
const Architecture = "densenet121"

// HeadPrefix is the dotted-name prefix of the classification head, matching
// the torchvision DenseNet naming so exported weights interoperate.
const HeadPrefix = "classifier"

var _ training.TrainableModel = (*Classifier)(nil)

// Classifier is a multi-label chest radiograph classifier: a DenseNet-121
// feature extractor whose stem convolution is sized for the configured input
// channels, followed by a linear head over the globally pooled features. It
// implements training.TrainableModel, so an external harness drives the
// batch loop while the classifier owns the loss, metrics and logging of each
// step.
type Classifier struct {
	config Config
	device tensor.DeviceType

	backbone vision.Backbone
	head     *layers.Linear

	classWeights *tensor.Tensor

	avgPrecision *training.AveragePrecision
	recorder     *training.Recorder
	log          training.Logger
}

// New builds a classifier with freshly initialized weights. The config is
// normalized with defaults and validated first.
func New(cfg Config, device tensor.DeviceType) (*Classifier, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backbone, err := vision.NewDenseNet121(cfg.InputChannels, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build backbone: %v", err)
	}

	// The head width always follows the backbone's native feature width.
	head, err := layers.NewLinear(backbone.FeatureWidth(), cfg.OutFeatures, true, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier head: %v", err)
	}

	var classWeights *tensor.Tensor
	if cfg.ClassWeights != nil {
		data := append([]float32(nil), cfg.ClassWeights...)
		classWeights, err = tensor.NewTensor([]int{cfg.OutFeatures}, tensor.Float32, device, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create class weight tensor: %v", err)
		}
	}

	log := training.Default()
	return &Classifier{
		config:       cfg,
		device:       device,
		backbone:     backbone,
		head:         head,
		classWeights: classWeights,
		avgPrecision: training.NewAveragePrecision(cfg.OutFeatures),
		recorder:     training.NewRecorder(log),
		log:          log,
	}, nil
}

// NewPretrained builds a classifier and loads pretrained backbone weights by
// name. The stem convolution is always left at its fresh initialization: its
// input arity follows Config.InputChannels, not the pretrained kernel, and
// the discard applies even when the channel counts happen to agree.
func NewPretrained(cfg Config, device tensor.DeviceType, weights *vision.WeightSet) (*Classifier, error) {
	if weights == nil {
		return nil, fmt.Errorf("pretrained weight set must be non-nil")
	}

	c, err := New(cfg, device)
	if err != nil {
		return nil, err
	}
	if err := vision.ApplyPretrained(c.backbone, weights); err != nil {
		return nil, fmt.Errorf("failed to apply pretrained weights: %v", err)
	}
	return c, nil
}

// Config returns the classifier's hyperparameter record.
func (c *Classifier) Config() Config {
	return c.config
}

// Device returns the device the classifier's tensors live on.
func (c *Classifier) Device() tensor.DeviceType {
	return c.device
}

// Backbone returns the feature extractor.
func (c *Classifier) Backbone() vision.Backbone {
	return c.backbone
}

// Head returns the classification head.
func (c *Classifier) Head() *layers.Linear {
	return c.head
}

// Recorder returns the metric recorder the step methods log through.
func (c *Classifier) Recorder() *training.Recorder {
	return c.recorder
}

// SetRecorder replaces the metric recorder, letting a harness route metric
// lines through its own logger.
func (c *Classifier) SetRecorder(recorder *training.Recorder) {
	if recorder != nil {
		c.recorder = recorder
	}
}

// Metric returns the validation average-precision accumulator.
func (c *Classifier) Metric() *training.AveragePrecision {
	return c.avgPrecision
}

// Forward runs backbone features through ReLU, global average pooling and the
// linear head. The result is [batch, OutFeatures] raw logits with no terminal
// activation; callers apply sigmoid when they need probabilities.
func (c *Classifier) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("input tensor must be non-nil")
	}
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("expected input shaped [batch, channels, height, width], got %v", x.Shape)
	}
	if x.Shape[1] != c.config.InputChannels {
		return nil, fmt.Errorf("expected %d input channels, got %d", c.config.InputChannels, x.Shape[1])
	}

	features, err := c.backbone.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("backbone forward failed: %v", err)
	}

	activated := tensor.ReLUAutograd(features)
	pooled := tensor.GlobalAvgPool2DAutograd(activated)
	flattened := tensor.ReshapeAutograd(pooled, []int{x.Shape[0], c.backbone.FeatureWidth()})

	logits, err := c.head.Forward(flattened)
	if err != nil {
		return nil, fmt.Errorf("head forward failed: %v", err)
	}
	return logits, nil
}

// Train puts the model in training mode (batch statistics in batchnorm).
func (c *Classifier) Train() {
	c.backbone.Train()
	c.head.Train()
}

// Eval puts the model in evaluation mode (running statistics in batchnorm).
func (c *Classifier) Eval() {
	c.backbone.Eval()
	c.head.Eval()
}

// IsTraining reports whether the model is in training mode.
func (c *Classifier) IsTraining() bool {
	return c.backbone.IsTraining()
}

// Parameters returns every learnable tensor, backbone first, then head.
func (c *Classifier) Parameters() []*tensor.Tensor {
	params := append([]*tensor.Tensor{}, c.backbone.Parameters()...)
	return append(params, c.head.Parameters()...)
}

// NamedTensors returns every parameter and buffer keyed by its
// torchvision-style dotted name: the backbone under "features", the head
// under "classifier".
func (c *Classifier) NamedTensors() map[string]*tensor.Tensor {
	named := make(map[string]*tensor.Tensor)
	c.backbone.NamedTensors(vision.FeaturePrefix, named)
	c.head.NamedTensors(HeadPrefix, named)
	return named
}

func (c *Classifier) stepBatch(batch *training.Batch, batchIdx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if batch == nil || batch.Inputs == nil || batch.Targets == nil {
		return nil, nil, fmt.Errorf("batch %d is missing inputs or targets", batchIdx)
	}
	if batch.Size() == 0 {
		return nil, nil, fmt.Errorf("batch %d is empty", batchIdx)
	}

	logits, err := c.Forward(batch.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("forward failed on batch %d: %v", batchIdx, err)
	}
	return logits, batch.Targets, nil
}

// batchLoss computes the weighted BCE-with-logits loss, mean reduced. The
// class weight vector is moved to the model's device on every call.
func (c *Classifier) batchLoss(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	weights := c.classWeights
	if weights != nil {
		moved, err := weights.ToDevice(c.device)
		if err != nil {
			return nil, fmt.Errorf("failed to move class weights to device: %v", err)
		}
		weights = moved
	}

	loss := training.NewBCEWithLogitsLoss(weights, training.ReductionMean)
	result, err := loss.Forward(logits, targets)
	if err != nil {
		return nil, fmt.Errorf("loss computation failed: %v", err)
	}
	return result, nil
}

// TrainingStep computes the loss for one batch and logs train_loss per step
// and into the epoch aggregate. The returned tensor is graph-recorded; the
// harness backpropagates it and steps the optimizer.
func (c *Classifier) TrainingStep(batch *training.Batch, batchIdx int) (*tensor.Tensor, error) {
	logits, targets, err := c.stepBatch(batch, batchIdx)
	if err != nil {
		return nil, err
	}

	loss, err := c.batchLoss(logits, targets)
	if err != nil {
		return nil, err
	}

	value, err := loss.Float64Item()
	if err != nil {
		return nil, fmt.Errorf("failed to read loss value: %v", err)
	}
	c.recorder.Log("train_loss", value, training.LogOptions{OnStep: true, OnEpoch: true, Sync: true})
	return loss, nil
}

// ValidationStep computes the loss for one held-out batch, folds val_loss
// into the epoch aggregate and accumulates sigmoid probabilities into the
// average-precision metric.
func (c *Classifier) ValidationStep(batch *training.Batch, batchIdx int) error {
	logits, targets, err := c.stepBatch(batch, batchIdx)
	if err != nil {
		return err
	}

	loss, err := c.batchLoss(logits, targets)
	if err != nil {
		return err
	}
	value, err := loss.Float64Item()
	if err != nil {
		return fmt.Errorf("failed to read loss value: %v", err)
	}
	c.recorder.Log("val_loss", value, training.LogOptions{OnEpoch: true, Sync: true})

	probs, err := tensor.Sigmoid(logits)
	if err != nil {
		return fmt.Errorf("failed to compute probabilities: %v", err)
	}
	if err := c.avgPrecision.Update(probs, targets); err != nil {
		return fmt.Errorf("failed to update average precision: %v", err)
	}
	return nil
}

// TestStep computes the loss for one test batch and folds test_loss into the
// epoch aggregate. The ranking metric is validation-only.
func (c *Classifier) TestStep(batch *training.Batch, batchIdx int) error {
	logits, targets, err := c.stepBatch(batch, batchIdx)
	if err != nil {
		return err
	}

	loss, err := c.batchLoss(logits, targets)
	if err != nil {
		return err
	}
	value, err := loss.Float64Item()
	if err != nil {
		return fmt.Errorf("failed to read loss value: %v", err)
	}
	c.recorder.Log("test_loss", value, training.LogOptions{OnEpoch: true, Sync: true})
	return nil
}

// ConfigureOptimizers assembles SGD with momentum and weight decay over the
// trainable parameters, with cosine annealing stepped once per epoch. With
// FreezeBackbone set, backbone parameters get requires-grad disabled and the
// optimizer sees only the two head tensors.
func (c *Classifier) ConfigureOptimizers() (*training.OptimizerConfig, error) {
	var params []*tensor.Tensor
	if c.config.FreezeBackbone {
		for _, p := range c.backbone.Parameters() {
			p.SetRequiresGrad(false)
		}
		params = c.head.Parameters()
	} else {
		params = c.Parameters()
	}
	for _, p := range params {
		p.SetRequiresGrad(true)
	}

	optimizer := training.NewSGD(params, c.config.LearningRate, c.config.Momentum, c.config.WeightDecay, 0, false)
	return &training.OptimizerConfig{
		Optimizer: optimizer,
		Scheduler: &training.SchedulerConfig{
			Scheduler: training.NewCosineAnnealingLRScheduler(c.config.TMax, c.config.EtaMin),
			Interval:  training.IntervalEpoch,
			Frequency: 1,
		},
		BaseLR: c.config.LearningRate,
	}, nil
}

// CurrentEpochEnd reports the epoch's macro-mean average precision when
// validation ran, flushes the recorder's epoch aggregates and resets the
// metric accumulator for the next epoch.
func (c *Classifier) CurrentEpochEnd(epoch int) {
	if c.avgPrecision.ExamplesSeen() > 0 {
		result, err := c.avgPrecision.Compute()
		if err != nil {
			c.log.Warn("failed to compute average precision", "epoch", epoch, "error", err)
		} else {
			c.recorder.Log("val_avg_prec", result.Macro, training.LogOptions{OnEpoch: true, Sync: true})
		}
	}
	c.recorder.EpochEnd(epoch)
	c.avgPrecision.Reset()
}
