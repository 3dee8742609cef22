package training

import (
	"math"
	"testing"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

func applyGrad(t *testing.T, param *tensor.Tensor, data []float32) {
	t.Helper()
	grad, err := tensor.NewTensor(param.Shape, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("failed to create gradient: %v", err)
	}
	if err := param.SetGrad(grad); err != nil {
		t.Fatalf("failed to attach gradient: %v", err)
	}
}

func paramData(t *testing.T, param *tensor.Tensor) []float32 {
	t.Helper()
	data, err := param.GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read parameter data: %v", err)
	}
	return data
}

func TestSGDBasicUpdate(t *testing.T) {
	param := newTestParam(t, []float32{1.0, 2.0, 3.0}, []int{3})
	applyGrad(t, param, []float32{0.1, 0.2, 0.3})

	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, 0, false)
	if err := sgd.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	expected := []float32{0.99, 1.98, 2.97}
	data := paramData(t, param)
	for i, want := range expected {
		if math.Abs(float64(data[i]-want)) > 1e-6 {
			t.Errorf("param[%d]: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestSGDMomentum(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0.9, 0, 0, false)

	// Step 1: v = 1.0, p = 1.0 - 0.1.
	applyGrad(t, param, []float32{1.0})
	if err := sgd.Step(); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	data := paramData(t, param)
	if math.Abs(float64(data[0]-0.9)) > 1e-6 {
		t.Fatalf("after first step: expected 0.9, got %f", data[0])
	}

	// Step 2: v = 0.9*1.0 + 1.0 = 1.9, p = 0.9 - 0.19.
	applyGrad(t, param, []float32{1.0})
	if err := sgd.Step(); err != nil {
		t.Fatalf("second step failed: %v", err)
	}
	data = paramData(t, param)
	if math.Abs(float64(data[0]-0.71)) > 1e-6 {
		t.Errorf("after second step: expected 0.71, got %f", data[0])
	}
}

func TestSGDWeightDecay(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	applyGrad(t, param, []float32{0.1})

	// Effective gradient 0.1 + 0.1*1.0 = 0.2.
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0.1, 0, false)
	if err := sgd.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	data := paramData(t, param)
	if math.Abs(float64(data[0]-0.98)) > 1e-6 {
		t.Errorf("expected 0.98, got %f", data[0])
	}
}

func TestSGDDampening(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	applyGrad(t, param, []float32{1.0})

	// v = 0.9*0 + (1-0.5)*1.0 = 0.5, p = 1.0 - 0.05.
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0.9, 0, 0.5, false)
	if err := sgd.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	data := paramData(t, param)
	if math.Abs(float64(data[0]-0.95)) > 1e-6 {
		t.Errorf("expected 0.95, got %f", data[0])
	}
}

func TestSGDNesterov(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	applyGrad(t, param, []float32{1.0})

	// v = 1.0, effective gradient 1.0 + 0.9*1.0 = 1.9, p = 1.0 - 0.19.
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0.9, 0, 0, true)
	if err := sgd.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	data := paramData(t, param)
	if math.Abs(float64(data[0]-0.81)) > 1e-6 {
		t.Errorf("expected 0.81, got %f", data[0])
	}
}

func TestSGDSkipsParamsWithoutGrad(t *testing.T) {
	withGrad := newTestParam(t, []float32{1.0}, []int{1})
	withoutGrad := newTestParam(t, []float32{5.0}, []int{1})
	applyGrad(t, withGrad, []float32{1.0})

	sgd := NewSGD([]*tensor.Tensor{withGrad, withoutGrad}, 0.1, 0, 0, 0, false)
	if err := sgd.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	if data := paramData(t, withoutGrad); data[0] != 5.0 {
		t.Errorf("param without gradient moved to %f", data[0])
	}
	if data := paramData(t, withGrad); math.Abs(float64(data[0]-0.9)) > 1e-6 {
		t.Errorf("param with gradient: expected 0.9, got %f", data[0])
	}
}

func TestSGDZeroGrad(t *testing.T) {
	param := newTestParam(t, []float32{1.0, 2.0}, []int{2})
	applyGrad(t, param, []float32{0.5, 0.5})

	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, 0, false)
	sgd.ZeroGrad()

	grad := param.Grad()
	if grad == nil {
		t.Fatal("expected gradient to remain allocated after ZeroGrad")
	}
	gradData, err := grad.GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read gradient: %v", err)
	}
	for i, g := range gradData {
		if g != 0 {
			t.Errorf("grad[%d]: expected 0 after ZeroGrad, got %f", i, g)
		}
	}
}

func TestSGDGetSetLR(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, 0, false)

	if lr := sgd.GetLR(); math.Abs(lr-0.1) > 1e-10 {
		t.Errorf("expected initial LR 0.1, got %f", lr)
	}
	sgd.SetLR(0.001)
	if lr := sgd.GetLR(); math.Abs(lr-0.001) > 1e-10 {
		t.Errorf("expected LR 0.001 after SetLR, got %f", lr)
	}
}

func TestSGDVelocityRoundTrip(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0.9, 0, 0, false)

	applyGrad(t, param, []float32{1.0})
	if err := sgd.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	velocity := sgd.Velocity(param)
	if velocity == nil {
		t.Fatal("expected a velocity buffer after a momentum step")
	}
	vData, err := velocity.GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read velocity: %v", err)
	}
	if math.Abs(float64(vData[0]-1.0)) > 1e-6 {
		t.Errorf("expected velocity 1.0, got %f", vData[0])
	}

	restored, err := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{0.5})
	if err != nil {
		t.Fatalf("failed to create velocity tensor: %v", err)
	}
	if err := sgd.SetVelocity(param, restored); err != nil {
		t.Fatalf("failed to restore velocity: %v", err)
	}

	// Next step continues from the restored buffer: v = 0.9*0.5 + 1.0.
	applyGrad(t, param, []float32{1.0})
	if err := sgd.Step(); err != nil {
		t.Fatalf("step after restore failed: %v", err)
	}
	data := paramData(t, param)
	expected := 0.9 - 0.1*(0.9*0.5+1.0)
	if math.Abs(float64(data[0])-expected) > 1e-6 {
		t.Errorf("expected %f after restored-velocity step, got %f", expected, data[0])
	}
}

func TestSGDSetVelocityShapeMismatch(t *testing.T) {
	param := newTestParam(t, []float32{1.0, 2.0}, []int{2})
	sgd := NewSGD([]*tensor.Tensor{param}, 0.1, 0.9, 0, 0, false)

	wrong, err := tensor.NewTensor([]int{3}, tensor.Float32, tensor.CPU, []float32{1, 2, 3})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	if err := sgd.SetVelocity(param, wrong); err == nil {
		t.Error("expected an error restoring a mismatched velocity buffer")
	}
}

func TestAdamBasicUpdate(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	applyGrad(t, param, []float32{0.1})

	adam := NewAdam([]*tensor.Tensor{param}, 0.1, 0.9, 0.999, 1e-8, 0)
	if err := adam.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	// With bias correction the first step moves by almost exactly lr.
	data := paramData(t, param)
	if math.Abs(float64(data[0]-0.9)) > 1e-6 {
		t.Errorf("expected 0.9, got %f", data[0])
	}
}

func TestAdamConstantGradient(t *testing.T) {
	param := newTestParam(t, []float32{1.0}, []int{1})
	adam := NewAdam([]*tensor.Tensor{param}, 0.1, 0.9, 0.999, 1e-8, 0)

	// Under a constant gradient the bias-corrected moments cancel and every
	// step moves by almost exactly lr.
	for i := 0; i < 2; i++ {
		applyGrad(t, param, []float32{0.1})
		if err := adam.Step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	data := paramData(t, param)
	if math.Abs(float64(data[0]-0.8)) > 1e-5 {
		t.Errorf("expected 0.8 after two steps, got %f", data[0])
	}
}
