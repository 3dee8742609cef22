package checkpoints

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// CheckpointFormat defines the serialization format.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
	FormatNPZ
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	case FormatNPZ:
		return "NPZ"
	default:
		return "Unknown"
	}
}

// FormatForPath picks a checkpoint format from the file extension.
func FormatForPath(path string) (CheckpointFormat, error) {
	switch {
	case strings.HasSuffix(path, ".json"):
		return FormatJSON, nil
	case strings.HasSuffix(path, ".onnx"):
		return FormatONNX, nil
	case strings.HasSuffix(path, ".npz"):
		return FormatNPZ, nil
	default:
		return 0, fmt.Errorf("cannot infer checkpoint format from path %q", path)
	}
}

// ModelInfo is the full hyperparameter record of the model a checkpoint
// belongs to, enough to rebuild the model and its optimizer before loading
// weights into it.
type ModelInfo struct {
	Architecture   string    `json:"architecture"`
	InputChannels  int       `json:"input_channels"`
	OutFeatures    int       `json:"out_features"`
	LearningRate   float64   `json:"learning_rate,omitempty"`
	Momentum       float64   `json:"momentum,omitempty"`
	WeightDecay    float64   `json:"weight_decay,omitempty"`
	ClassWeights   []float32 `json:"class_weights,omitempty"`
	FreezeBackbone bool      `json:"freeze_backbone,omitempty"`
	TMax           int       `json:"t_max,omitempty"`
	EtaMin         float64   `json:"eta_min,omitempty"`
}

// Checkpoint represents a complete model state including weights, optimizer
// state and training metadata.
type Checkpoint struct {
	Model   ModelInfo      `json:"model"`
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter or buffer tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

// TrainingState captures the current training progress.
type TrainingState struct {
	Epoch            int     `json:"epoch"`
	Step             int     `json:"step"`
	LearningRate     float32 `json:"learning_rate"`
	BestLoss         float32 `json:"best_loss"`
	BestAvgPrecision float32 `json:"best_avg_precision"`
	TotalSteps       int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum buffers etc).
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors keyed by the parameter
// they belong to.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats.
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		exporter := NewONNXExporter()
		return exporter.ExportToONNX(checkpoint, path)
	case FormatNPZ:
		return SaveNPZ(checkpoint.Weights, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint. NPZ and ONNX files carry weights
// only; their training state comes back zeroed.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		importer := NewONNXImporter()
		return importer.ImportFromONNX(path)
	case FormatNPZ:
		weights, err := LoadNPZ(path)
		if err != nil {
			return nil, err
		}
		return &Checkpoint{Weights: weights}, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format.
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	fillMetadata(&checkpoint.Metadata)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format.
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

func fillMetadata(md *CheckpointMetadata) {
	if md.Framework == "" {
		md.Framework = "mads-capstone-medical-imaging"
		md.Version = "1.0.0"
	}
	if md.RunID == "" {
		md.RunID = uuid.New().String()
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now()
	}
}

// splitParamName splits a dotted parameter path into the owning layer and the
// tensor kind, e.g. "features.norm0.weight" -> ("features.norm0", "weight").
func splitParamName(name string) (layer, kind string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

// ExtractWeights converts named model tensors into serializable weight
// records, sorted by name so output is deterministic.
func ExtractWeights(named map[string]*tensor.Tensor) ([]WeightTensor, error) {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		t := named[name]
		data, err := t.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract data for %s: %v", name, err)
		}

		layer, kind := splitParamName(name)
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: t.Size(),
			Data:  append([]float32(nil), data...),
			Layer: layer,
			Type:  kind,
		})
	}

	return weights, nil
}

// LoadWeights copies weight records into the named model tensors by name.
// Names in skip are never written even when present. Every non-skipped model
// tensor must be covered; extra records are ignored.
func LoadWeights(weights []WeightTensor, named map[string]*tensor.Tensor, skip map[string]bool) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	for name, dst := range named {
		if skip[name] {
			continue
		}

		weight, ok := weightMap[name]
		if !ok {
			return fmt.Errorf("checkpoint is missing tensor %s", name)
		}
		if !shapeEqual(dst.Size(), weight.Shape) {
			return fmt.Errorf("shape mismatch for %s: model %v vs checkpoint %v", name, dst.Size(), weight.Shape)
		}

		data, err := dst.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access model tensor %s: %v", name, err)
		}
		if len(data) != len(weight.Data) {
			return fmt.Errorf("element count mismatch for %s: model %d vs checkpoint %d", name, len(data), len(weight.Data))
		}
		copy(data, weight.Data)
	}

	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
