package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement.
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements stochastic gradient descent with optional momentum,
// dampening, weight decay and Nesterov acceleration. Updates are applied in
// place to the parameter data.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*tensor.Tensor]*tensor.Tensor
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer over the given parameters.
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor]*tensor.Tensor),
	}

	if momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				velocity, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
				sgd.velocities[param] = velocity
			}
		}
	}

	return sgd
}

// Step performs a single optimization step. Parameters without gradients are
// skipped, which makes partial updates over a frozen model safe.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	momentum := float32(sgd.momentum)
	weightDecay := float32(sgd.weightDecay)
	dampening := float32(sgd.dampening)

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		if param.DType != tensor.Float32 {
			return fmt.Errorf("SGD only supports Float32 parameters, got %s", param.DType)
		}

		paramData, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter data access failed: %v", err)
		}
		gradData, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("gradient data access failed: %v", err)
		}
		if len(gradData) != len(paramData) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(gradData), len(paramData))
		}

		var velocityData []float32
		if momentum > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil {
				velocity, err = tensor.Zeros(param.Shape, param.DType, param.Device)
				if err != nil {
					return fmt.Errorf("velocity initialization failed: %v", err)
				}
				sgd.velocities[param] = velocity
			}
			velocityData = velocity.Data.([]float32)
		}

		for i := range paramData {
			g := gradData[i]
			if weightDecay > 0 {
				g += weightDecay * paramData[i]
			}
			if momentum > 0 {
				v := momentum*velocityData[i] + (1-dampening)*g
				velocityData[i] = v
				if sgd.nesterov {
					g += momentum * v
				} else {
					g = v
				}
			}
			paramData[i] -= lr * g
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate.
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate.
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Parameters returns the tensors this optimizer updates.
func (sgd *SGD) Parameters() []*tensor.Tensor {
	return sgd.parameters
}

// Velocity returns the momentum buffer for param, or nil when none exists.
func (sgd *SGD) Velocity(param *tensor.Tensor) *tensor.Tensor {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.velocities[param]
}

// SetVelocity installs a momentum buffer for param, used when restoring
// optimizer state from a checkpoint.
func (sgd *SGD) SetVelocity(param *tensor.Tensor, velocity *tensor.Tensor) error {
	if velocity == nil {
		return fmt.Errorf("velocity tensor is nil")
	}
	if velocity.NumElems != param.NumElems {
		return fmt.Errorf("velocity size %d does not match parameter size %d", velocity.NumElems, param.NumElems)
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.velocities[param] = velocity
	return nil
}

// Adam implements the Adam optimizer with decoupled first and second moment
// estimates and bias correction.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor]*tensor.Tensor // First moment estimates
	v           map[*tensor.Tensor]*tensor.Tensor // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer over the given parameters.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor]*tensor.Tensor),
		v:           make(map[*tensor.Tensor]*tensor.Tensor),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			m, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
			v, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
			adam.m[param] = m
			adam.v[param] = v
		}
	}

	return adam
}

// Step performs a single optimization step.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		if param.DType != tensor.Float32 {
			return fmt.Errorf("Adam only supports Float32 parameters, got %s", param.DType)
		}

		paramData, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter data access failed: %v", err)
		}
		gradData, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("gradient data access failed: %v", err)
		}
		if len(gradData) != len(paramData) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(gradData), len(paramData))
		}

		mT := adam.m[param]
		vT := adam.v[param]
		if mT == nil || vT == nil {
			mT, err = tensor.Zeros(param.Shape, param.DType, param.Device)
			if err != nil {
				return fmt.Errorf("first moment initialization failed: %v", err)
			}
			vT, err = tensor.Zeros(param.Shape, param.DType, param.Device)
			if err != nil {
				return fmt.Errorf("second moment initialization failed: %v", err)
			}
			adam.m[param] = mT
			adam.v[param] = vT
		}
		mData := mT.Data.([]float32)
		vData := vT.Data.([]float32)

		for i := range paramData {
			g := float64(gradData[i])
			if adam.weightDecay > 0 {
				g += adam.weightDecay * float64(paramData[i])
			}

			m := adam.beta1*float64(mData[i]) + (1-adam.beta1)*g
			v := adam.beta2*float64(vData[i]) + (1-adam.beta2)*g*g
			mData[i] = float32(m)
			vData[i] = float32(v)

			mHat := m / bias1
			vHat := v / bias2
			paramData[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// Parameters returns the tensors this optimizer updates.
func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.parameters
}
