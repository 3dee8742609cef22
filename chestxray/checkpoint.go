package chestxray

import (
	"fmt"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/checkpoints"
	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
	"github.com/Tstrebe2/mads-capstone-medical-imaging/training"
)

// SaveCheckpoint writes the model to path in the format its extension names
// (.json, .onnx or .npz). JSON carries the full record: hyperparameters,
// weights, training state and SGD momentum buffers. ONNX carries weights plus
// the hyperparameter record; NPZ carries weights only, for numpy interop.
func (c *Classifier) SaveCheckpoint(path string, state checkpoints.TrainingState, optimizer training.Optimizer) error {
	format, err := checkpoints.FormatForPath(path)
	if err != nil {
		return err
	}

	weights, err := checkpoints.ExtractWeights(c.NamedTensors())
	if err != nil {
		return fmt.Errorf("failed to extract weights: %v", err)
	}

	checkpoint := &checkpoints.Checkpoint{
		Model:         c.modelInfo(),
		Weights:       weights,
		TrainingState: state,
		Metadata: checkpoints.CheckpointMetadata{
			RunID: c.recorder.RunID(),
		},
	}
	if sgd, ok := optimizer.(*training.SGD); ok {
		checkpoint.OptimizerState = c.sgdState(sgd)
	}

	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}
	c.log.Info("checkpoint saved", "path", path, "format", format.String(), "weights", len(weights))
	return nil
}

func (c *Classifier) modelInfo() checkpoints.ModelInfo {
	return checkpoints.ModelInfo{
		Architecture:   Architecture,
		InputChannels:  c.config.InputChannels,
		OutFeatures:    c.config.OutFeatures,
		LearningRate:   c.config.LearningRate,
		Momentum:       c.config.Momentum,
		WeightDecay:    c.config.WeightDecay,
		ClassWeights:   append([]float32(nil), c.config.ClassWeights...),
		FreezeBackbone: c.config.FreezeBackbone,
		TMax:           c.config.TMax,
		EtaMin:         c.config.EtaMin,
	}
}

// sgdState captures the momentum buffers keyed by parameter name, so a
// restored run resumes with the same optimizer trajectory.
func (c *Classifier) sgdState(sgd *training.SGD) *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.GetLR(),
			"momentum":      c.config.Momentum,
			"weight_decay":  c.config.WeightDecay,
		},
	}

	nameFor := make(map[*tensor.Tensor]string)
	for name, t := range c.NamedTensors() {
		nameFor[t] = name
	}

	for _, param := range sgd.Parameters() {
		velocity := sgd.Velocity(param)
		name := nameFor[param]
		if velocity == nil || name == "" {
			continue
		}
		data, err := velocity.GetFloat32Data()
		if err != nil {
			continue
		}
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     velocity.Size(),
			Data:      append([]float32(nil), data...),
			StateType: "momentum",
		})
	}
	return state
}

// LoadFromCheckpoint rebuilds a classifier from a checkpoint file: the
// persisted hyperparameter record reconstructs the model, then every weight
// loads by name. The checkpoint is returned alongside so callers can restore
// training state and optimizer buffers. NPZ archives carry no hyperparameter
// record; load those into an existing model with ApplyCheckpoint instead.
func LoadFromCheckpoint(path string, device tensor.DeviceType) (*Classifier, *checkpoints.Checkpoint, error) {
	format, err := checkpoints.FormatForPath(path)
	if err != nil {
		return nil, nil, err
	}

	checkpoint, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load checkpoint: %v", err)
	}
	if checkpoint.Model.OutFeatures == 0 {
		return nil, nil, fmt.Errorf("checkpoint %s carries no model record; rebuild the classifier and use ApplyCheckpoint", path)
	}

	c, err := New(ConfigFromModelInfo(checkpoint.Model), device)
	if err != nil {
		return nil, nil, err
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, c.NamedTensors(), nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load weights: %v", err)
	}
	return c, checkpoint, nil
}

// ApplyCheckpoint loads the weights of a checkpoint file into this model by
// name. The model's shape must already match; every model tensor must be
// covered.
func (c *Classifier) ApplyCheckpoint(path string) error {
	format, err := checkpoints.FormatForPath(path)
	if err != nil {
		return err
	}

	checkpoint, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %v", err)
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, c.NamedTensors(), nil); err != nil {
		return fmt.Errorf("failed to load weights: %v", err)
	}
	return nil
}

// RestoreOptimizer copies a checkpoint's momentum buffers and learning rate
// back into an SGD optimizer built over this model's parameters.
func (c *Classifier) RestoreOptimizer(sgd *training.SGD, state *checkpoints.OptimizerState) error {
	if sgd == nil || state == nil {
		return nil
	}
	if state.Type != "SGD" {
		return fmt.Errorf("cannot restore %s state into an SGD optimizer", state.Type)
	}

	named := c.NamedTensors()
	for _, entry := range state.StateData {
		if entry.StateType != "momentum" {
			continue
		}
		param, ok := named[entry.Name]
		if !ok {
			return fmt.Errorf("optimizer state references unknown parameter %s", entry.Name)
		}
		velocity, err := tensor.NewTensor(entry.Shape, tensor.Float32, c.device, append([]float32(nil), entry.Data...))
		if err != nil {
			return fmt.Errorf("failed to rebuild velocity for %s: %v", entry.Name, err)
		}
		if err := sgd.SetVelocity(param, velocity); err != nil {
			return fmt.Errorf("failed to restore velocity for %s: %v", entry.Name, err)
		}
	}

	if lr, ok := state.Parameters["learning_rate"].(float64); ok && lr > 0 {
		sgd.SetLR(lr)
	}
	return nil
}

// ConfigFromModelInfo rebuilds a classifier Config from a checkpoint's
// hyperparameter record.
func ConfigFromModelInfo(info checkpoints.ModelInfo) Config {
	cfg := Config{
		LearningRate:   info.LearningRate,
		Momentum:       info.Momentum,
		WeightDecay:    info.WeightDecay,
		ClassWeights:   append([]float32(nil), info.ClassWeights...),
		FreezeBackbone: info.FreezeBackbone,
		TMax:           info.TMax,
		EtaMin:         info.EtaMin,
		InputChannels:  info.InputChannels,
		OutFeatures:    info.OutFeatures,
	}
	return cfg.withDefaults()
}
