package training

import (
	"fmt"
	"math"
	"testing"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(30, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{29, 0.1},
		{30, 0.01},
		{59, 0.01},
		{60, 0.001},
		{90, 0.0001},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("epoch_%d", tt.epoch), func(t *testing.T) {
			lr := scheduler.GetLR(tt.epoch, 0, baseLR)
			if math.Abs(lr-tt.expectedLR) > 1e-10 {
				t.Errorf("epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
			}
		})
	}
}

func TestStepLRSchedulerDefaults(t *testing.T) {
	scheduler := NewStepLRScheduler(0, 0)
	if scheduler.StepSize != 30 {
		t.Errorf("expected default step size 30, got %d", scheduler.StepSize)
	}
	if math.Abs(scheduler.Gamma-0.1) > 1e-10 {
		t.Errorf("expected default gamma 0.1, got %f", scheduler.Gamma)
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.95)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.095},
		{2, 0.09025},
		{10, 0.1 * math.Pow(0.95, 10)},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("epoch_%d", tt.epoch), func(t *testing.T) {
			lr := scheduler.GetLR(tt.epoch, 0, baseLR)
			if math.Abs(lr-tt.expectedLR) > 1e-10 {
				t.Errorf("epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
			}
		})
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(10, 0.001)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{5, 0.0505},
		{10, 0.001},
		{15, 0.0505},
		{20, 0.1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("epoch_%d", tt.epoch), func(t *testing.T) {
			lr := scheduler.GetLR(tt.epoch, 0, baseLR)
			if math.Abs(lr-tt.expectedLR) > 1e-10 {
				t.Errorf("epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
			}
		})
	}
}

// The cosine schedule anneals from the base LR down to EtaMin over TMax
// epochs and then climbs back: it is periodic with period 2*TMax, not
// clamped at the minimum.
func TestCosineAnnealingLRSchedulerPeriodic(t *testing.T) {
	tMax := 10
	etaMin := 0.0005
	baseLR := 0.05
	scheduler := NewCosineAnnealingLRScheduler(tMax, etaMin)

	prev := scheduler.GetLR(0, 0, baseLR)
	if math.Abs(prev-baseLR) > 1e-10 {
		t.Fatalf("expected LR at epoch 0 to equal base LR %f, got %f", baseLR, prev)
	}
	for epoch := 1; epoch <= tMax; epoch++ {
		lr := scheduler.GetLR(epoch, 0, baseLR)
		if lr >= prev {
			t.Errorf("epoch %d: LR %f did not decrease from %f", epoch, lr, prev)
		}
		prev = lr
	}
	if math.Abs(prev-etaMin) > 1e-10 {
		t.Errorf("expected LR at epoch %d to equal eta min %f, got %f", tMax, etaMin, prev)
	}

	for epoch := tMax + 1; epoch < 2*tMax; epoch++ {
		lr := scheduler.GetLR(epoch, 0, baseLR)
		if lr <= etaMin {
			t.Errorf("epoch %d: expected LR above eta min after the trough, got %f", epoch, lr)
		}
	}
	restart := scheduler.GetLR(2*tMax, 0, baseLR)
	if math.Abs(restart-baseLR) > 1e-10 {
		t.Errorf("expected LR at epoch %d to return to base LR %f, got %f", 2*tMax, baseLR, restart)
	}
}

func TestNoOpScheduler(t *testing.T) {
	scheduler := &NoOpScheduler{}
	baseLR := 0.01

	for _, epoch := range []int{0, 10, 1000} {
		lr := scheduler.GetLR(epoch, 0, baseLR)
		if lr != baseLR {
			t.Errorf("epoch %d: expected LR %f, got %f", epoch, baseLR, lr)
		}
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		name      string
	}{
		{NewStepLRScheduler(30, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(10, 0), "CosineAnnealingLR"},
		{&NoOpScheduler{}, "ConstantLR"},
	}

	for _, tt := range tests {
		if got := tt.scheduler.GetName(); got != tt.name {
			t.Errorf("expected scheduler name %q, got %q", tt.name, got)
		}
	}
}

func newTestParam(t *testing.T, data []float32, shape []int) *tensor.Tensor {
	t.Helper()
	param, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	param.SetRequiresGrad(true)
	return param
}

func TestOptimizerConfigAdvanceEpoch(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1, 1})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, 0, false)

	config := &OptimizerConfig{
		Optimizer: sgd,
		Scheduler: &SchedulerConfig{
			Scheduler: NewStepLRScheduler(2, 0.5),
			Interval:  IntervalEpoch,
			Frequency: 1,
		},
	}

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.05},
		{3, 0.05},
		{4, 0.025},
	}

	for _, tt := range tests {
		lr := config.AdvanceEpoch(tt.epoch, nil)
		if math.Abs(lr-tt.expectedLR) > 1e-10 {
			t.Errorf("epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
		if math.Abs(sgd.GetLR()-tt.expectedLR) > 1e-10 {
			t.Errorf("epoch %d: optimizer LR %f not updated to %f", tt.epoch, sgd.GetLR(), tt.expectedLR)
		}
	}
}

func TestOptimizerConfigIntervalMismatch(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1, 1})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, 0, false)

	config := &OptimizerConfig{
		Optimizer: sgd,
		Scheduler: &SchedulerConfig{
			Scheduler: NewExponentialLRScheduler(0.5),
			Interval:  IntervalEpoch,
			Frequency: 1,
		},
	}

	// A step advance against an epoch-interval schedule must not touch
	// the learning rate.
	lr := config.AdvanceStep(100, nil)
	if math.Abs(lr-0.1) > 1e-10 {
		t.Errorf("expected LR to stay at 0.1, got %f", lr)
	}
	if math.Abs(sgd.GetLR()-0.1) > 1e-10 {
		t.Errorf("optimizer LR changed to %f on mismatched interval", sgd.GetLR())
	}
}

func TestOptimizerConfigFrequency(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1, 1})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, 0, false)

	config := &OptimizerConfig{
		Optimizer: sgd,
		Scheduler: &SchedulerConfig{
			Scheduler: NewExponentialLRScheduler(0.5),
			Interval:  IntervalEpoch,
			Frequency: 2,
		},
	}

	// Epoch 1 is skipped by the frequency; epoch 2 halves twice from base.
	config.AdvanceEpoch(1, nil)
	if math.Abs(sgd.GetLR()-0.1) > 1e-10 {
		t.Errorf("expected LR unchanged at off-frequency epoch, got %f", sgd.GetLR())
	}
	config.AdvanceEpoch(2, nil)
	if math.Abs(sgd.GetLR()-0.025) > 1e-10 {
		t.Errorf("expected LR 0.025 at epoch 2, got %f", sgd.GetLR())
	}
}

func TestOptimizerConfigNoScheduler(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1, 1})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.01, 0, 0, 0, false)

	config := &OptimizerConfig{Optimizer: sgd}
	lr := config.AdvanceEpoch(5, nil)
	if math.Abs(lr-0.01) > 1e-10 {
		t.Errorf("expected LR to stay at 0.01 without a scheduler, got %f", lr)
	}
}
