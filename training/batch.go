package training

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// Batch is one step's worth of examples: inputs and targets stacked along
// the leading dimension.
type Batch struct {
	Inputs  *tensor.Tensor
	Targets *tensor.Tensor
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	if b == nil || b.Inputs == nil || len(b.Inputs.Shape) == 0 {
		return 0
	}
	return b.Inputs.Shape[0]
}

// BatchSource yields batches for passes over a dataset. A source is
// exhausted when HasNext reports false; Reset starts a fresh pass.
type BatchSource interface {
	// Len returns the number of examples in the underlying dataset.
	Len() int

	// Batches returns the number of batches one full pass produces.
	Batches() int

	// Reset rewinds the source to the start of a new pass, reshuffling
	// when the source shuffles.
	Reset()

	// HasNext reports whether the current pass has batches remaining.
	HasNext() bool

	// Next returns the next batch of the current pass, or an error once
	// the pass is exhausted.
	Next() (*Batch, error)
}

// InMemorySource serves batches out of dataset tensors held in memory:
// inputs shaped [n, ...] and targets shaped [n, ...] with matching leading
// dimensions. Batches copy their rows out of the dataset, so consumers may
// mutate batch tensors freely. Safe for concurrent use.
type InMemorySource struct {
	inputs    *tensor.Tensor
	targets   *tensor.Tensor
	batchSize int
	shuffle   bool

	inputRow  int
	targetRow int

	indices  []int
	position int
	rng      *rand.Rand
	mutex    sync.Mutex
}

// NewInMemorySource creates a source over the given dataset tensors. When
// shuffle is set, each pass visits the examples in a fresh random order.
func NewInMemorySource(inputs, targets *tensor.Tensor, batchSize int, shuffle bool) (*InMemorySource, error) {
	if inputs == nil || targets == nil {
		return nil, fmt.Errorf("inputs and targets must be non-nil")
	}
	if inputs.DType != tensor.Float32 || targets.DType != tensor.Float32 {
		return nil, fmt.Errorf("inputs and targets must be Float32, got %s and %s", inputs.DType, targets.DType)
	}
	if len(inputs.Shape) < 2 || len(targets.Shape) < 2 {
		return nil, fmt.Errorf("inputs and targets must have a leading example dimension")
	}
	if inputs.Shape[0] != targets.Shape[0] {
		return nil, fmt.Errorf("inputs have %d examples but targets have %d", inputs.Shape[0], targets.Shape[0])
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	n := inputs.Shape[0]
	source := &InMemorySource{
		inputs:    inputs,
		targets:   targets,
		batchSize: batchSize,
		shuffle:   shuffle,
		inputRow:  inputs.NumElems / n,
		targetRow: targets.NumElems / n,
		indices:   make([]int, n),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range source.indices {
		source.indices[i] = i
	}
	if shuffle {
		source.shuffleIndices()
	}
	return source, nil
}

// Seed makes subsequent shuffles deterministic.
func (s *InMemorySource) Seed(seed int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

// Len returns the number of examples in the dataset.
func (s *InMemorySource) Len() int {
	return s.inputs.Shape[0]
}

// BatchSize returns the configured batch size.
func (s *InMemorySource) BatchSize() int {
	return s.batchSize
}

// Batches returns the number of batches one pass produces; the final batch
// may be smaller than the configured size.
func (s *InMemorySource) Batches() int {
	return (s.Len() + s.batchSize - 1) / s.batchSize
}

// Reset rewinds to the start of a new pass, reshuffling if configured.
func (s *InMemorySource) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.position = 0
	if s.shuffle {
		s.shuffleIndices()
	}
}

// HasNext reports whether the current pass has batches remaining.
func (s *InMemorySource) HasNext() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.position < len(s.indices)
}

// Next gathers the next batch's rows into fresh tensors.
func (s *InMemorySource) Next() (*Batch, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.position >= len(s.indices) {
		return nil, fmt.Errorf("pass exhausted after %d examples; call Reset to start another", len(s.indices))
	}

	end := s.position + s.batchSize
	if end > len(s.indices) {
		end = len(s.indices)
	}
	rows := s.indices[s.position:end]
	s.position = end

	inputs, err := s.gather(s.inputs, s.inputRow, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to gather batch inputs: %w", err)
	}
	targets, err := s.gather(s.targets, s.targetRow, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to gather batch targets: %w", err)
	}
	return &Batch{Inputs: inputs, Targets: targets}, nil
}

func (s *InMemorySource) gather(src *tensor.Tensor, rowSize int, rows []int) (*tensor.Tensor, error) {
	srcData, err := src.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	data := make([]float32, len(rows)*rowSize)
	for i, row := range rows {
		copy(data[i*rowSize:(i+1)*rowSize], srcData[row*rowSize:(row+1)*rowSize])
	}

	shape := append([]int{len(rows)}, src.Shape[1:]...)
	return tensor.NewTensor(shape, tensor.Float32, src.Device, data)
}

func (s *InMemorySource) shuffleIndices() {
	s.rng.Shuffle(len(s.indices), func(i, j int) {
		s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
	})
}
