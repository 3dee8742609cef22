package training

import (
	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// TrainableModel is the per-batch contract a training harness drives. The
// harness owns the loop: it iterates a BatchSource, calls the step methods,
// backpropagates the returned training loss, and steps the optimizer
// configuration between epochs. Models own everything inside a step,
// including metric recording.
type TrainableModel interface {
	// TrainingStep runs the forward pass and returns the scalar loss for
	// one batch. The harness calls Backward on the returned tensor.
	TrainingStep(batch *Batch, batchIdx int) (*tensor.Tensor, error)

	// ValidationStep evaluates one batch without touching gradients,
	// accumulating whatever metrics the model tracks.
	ValidationStep(batch *Batch, batchIdx int) error

	// TestStep evaluates one held-out batch without touching gradients.
	TestStep(batch *Batch, batchIdx int) error

	// ConfigureOptimizers builds the optimizer, and optionally a learning
	// rate schedule, over the model's trainable parameters.
	ConfigureOptimizers() (*OptimizerConfig, error)

	// CurrentEpochEnd flushes per-epoch metric state after the harness
	// finishes the epoch's train and validation passes.
	CurrentEpochEnd(epoch int)
}
