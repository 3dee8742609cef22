package layers

import (
	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// ReLU implements the rectified linear activation.
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module.
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward applies max(0, x) elementwise.
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

// Parameters returns empty slice (ReLU has no parameters).
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

func (r *ReLU) Train()           { r.training = true }
func (r *ReLU) Eval()            { r.training = false }
func (r *ReLU) IsTraining() bool { return r.training }

// Sigmoid implements the logistic activation, mapping logits to (0, 1).
type Sigmoid struct {
	training bool
}

// NewSigmoid creates a new Sigmoid activation module.
func NewSigmoid() *Sigmoid {
	return &Sigmoid{training: true}
}

// Forward applies 1/(1+exp(-x)) elementwise.
func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SigmoidAutograd(input), nil
}

// Parameters returns empty slice (Sigmoid has no parameters).
func (s *Sigmoid) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

func (s *Sigmoid) Train()           { s.training = true }
func (s *Sigmoid) Eval()            { s.training = false }
func (s *Sigmoid) IsTraining() bool { return s.training }
