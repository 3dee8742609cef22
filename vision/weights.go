package vision

import (
	"fmt"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/checkpoints"
	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// FeaturePrefix is the name prefix for backbone tensors, matching the
// conventional densenet state dict layout (features.conv0.weight and so on).
const FeaturePrefix = "features"

// stemConvName is the one backbone tensor never loaded from pretrained
// weights. The stem convolution is sized for the configured input channel
// count, which in general differs from the three RGB channels the published
// weights were trained with, so it always keeps its fresh initialization.
const stemConvName = "features.conv0.weight"

// WeightSet holds named weight tensors read from a checkpoint file together
// with the architecture they belong to.
type WeightSet struct {
	Architecture string
	Weights      []checkpoints.WeightTensor
}

// Len returns the number of tensors in the set.
func (ws *WeightSet) Len() int {
	return len(ws.Weights)
}

// Find returns the named tensor and whether it is present.
func (ws *WeightSet) Find(name string) (checkpoints.WeightTensor, bool) {
	for _, w := range ws.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return checkpoints.WeightTensor{}, false
}

// BackboneTensors returns the backbone's parameters and buffers keyed by
// their state dict names.
func BackboneTensors(backbone Backbone) map[string]*tensor.Tensor {
	named := make(map[string]*tensor.Tensor)
	backbone.NamedTensors(FeaturePrefix, named)
	return named
}

// LoadWeightSet reads a weight set from a checkpoint file. The format is
// chosen by file extension (.json, .onnx or .npz).
func LoadWeightSet(path string) (*WeightSet, error) {
	format, err := checkpoints.FormatForPath(path)
	if err != nil {
		return nil, err
	}
	checkpoint, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load weight set: %v", err)
	}
	return &WeightSet{
		Architecture: checkpoint.Model.Architecture,
		Weights:      checkpoint.Weights,
	}, nil
}

// ApplyWeights copies the weight set into the backbone. Every backbone
// tensor must be present in the set with a matching shape.
func ApplyWeights(backbone Backbone, set *WeightSet) error {
	return checkpoints.LoadWeights(set.Weights, BackboneTensors(backbone), nil)
}

// ApplyPretrained copies pretrained weights into the backbone, leaving the
// stem convolution untouched. The set may come from a model trained with a
// different input channel count; everything past the stem transfers.
func ApplyPretrained(backbone Backbone, set *WeightSet) error {
	skip := map[string]bool{stemConvName: true}
	return checkpoints.LoadWeights(set.Weights, BackboneTensors(backbone), skip)
}

// LoadPretrainedBackbone builds a named backbone and initializes it from a
// pretrained weight file, keeping the stem convolution at its fresh
// initialization so any input channel count works.
func LoadPretrainedBackbone(name string, inputChannels int, device tensor.DeviceType, weightsPath string) (Backbone, error) {
	backbone, err := BuildBackbone(name, inputChannels, device)
	if err != nil {
		return nil, err
	}
	set, err := LoadWeightSet(weightsPath)
	if err != nil {
		return nil, err
	}
	if err := ApplyPretrained(backbone, set); err != nil {
		return nil, fmt.Errorf("failed to apply pretrained weights: %v", err)
	}
	return backbone, nil
}

// ExportWeightSet writes the backbone's tensors to a checkpoint file in the
// format chosen by extension. The architecture name is recorded so importers
// can rebuild a matching backbone.
func ExportWeightSet(backbone Backbone, architecture, path string) error {
	weights, err := checkpoints.ExtractWeights(BackboneTensors(backbone))
	if err != nil {
		return fmt.Errorf("failed to extract backbone weights: %v", err)
	}
	format, err := checkpoints.FormatForPath(path)
	if err != nil {
		return err
	}
	checkpoint := &checkpoints.Checkpoint{
		Model: checkpoints.ModelInfo{
			Architecture:  architecture,
			InputChannels: backbone.InputChannels(),
		},
		Weights: weights,
	}
	return checkpoints.NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path)
}
