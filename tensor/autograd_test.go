package tensor

import (
	"math"
	"testing"
)

func gradTensor(t *testing.T, tensor *Tensor) []float32 {
	t.Helper()
	if tensor.Grad() == nil {
		t.Fatalf("Expected gradient, got nil")
	}
	return tensor.Grad().Data.([]float32)
}

func TestBackwardRequiresScalar(t *testing.T) {
	a := mustTensor(t, []int{2}, []float32{1, 2})
	a.SetRequiresGrad(true)
	b := mustTensor(t, []int{2}, []float32{3, 4})

	sum := AddAutograd(a, b)
	if err := Backward(sum); err == nil {
		t.Error("Expected error for non-scalar backward, got nil")
	}
}

func TestBackwardThroughAdd(t *testing.T) {
	a := mustTensor(t, []int{3}, []float32{1, 2, 3})
	a.SetRequiresGrad(true)
	b := mustTensor(t, []int{3}, []float32{4, 5, 6})
	b.SetRequiresGrad(true)

	loss := SumAutograd(AddAutograd(a, b))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for i, g := range gradTensor(t, a) {
		if g != 1 {
			t.Errorf("gradA element %d: expected 1, got %f", i, g)
		}
	}
	for i, g := range gradTensor(t, b) {
		if g != 1 {
			t.Errorf("gradB element %d: expected 1, got %f", i, g)
		}
	}
}

func TestBackwardThroughMul(t *testing.T) {
	a := mustTensor(t, []int{2}, []float32{2, 3})
	a.SetRequiresGrad(true)
	b := mustTensor(t, []int{2}, []float32{5, 7})
	b.SetRequiresGrad(true)

	loss := SumAutograd(MulAutograd(a, b))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	gradA := gradTensor(t, a)
	gradB := gradTensor(t, b)
	if gradA[0] != 5 || gradA[1] != 7 {
		t.Errorf("Expected gradA [5 7], got %v", gradA)
	}
	if gradB[0] != 2 || gradB[1] != 3 {
		t.Errorf("Expected gradB [2 3], got %v", gradB)
	}
}

func TestBackwardBroadcastBias(t *testing.T) {
	x := mustTensor(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	x.SetRequiresGrad(true)
	bias := mustTensor(t, []int{3}, []float32{1, 1, 1})
	bias.SetRequiresGrad(true)

	loss := SumAutograd(AddAutograd(x, bias))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Bias gradient sums over the broadcast batch dimension.
	gradBias := gradTensor(t, bias)
	for i, g := range gradBias {
		if g != 2 {
			t.Errorf("gradBias element %d: expected 2, got %f", i, g)
		}
	}
}

func TestBackwardThroughMatMul(t *testing.T) {
	a := mustTensor(t, []int{2, 2}, []float32{1, 2, 3, 4})
	a.SetRequiresGrad(true)
	b := mustTensor(t, []int{2, 2}, []float32{5, 6, 7, 8})
	b.SetRequiresGrad(true)

	loss := SumAutograd(MatMulAutograd(a, b))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dL/dA = ones @ B^T, dL/dB = A^T @ ones.
	expectedA := []float32{11, 15, 11, 15}
	expectedB := []float32{4, 4, 6, 6}
	gradA := gradTensor(t, a)
	gradB := gradTensor(t, b)
	for i, want := range expectedA {
		if gradA[i] != want {
			t.Errorf("gradA element %d: expected %f, got %f", i, want, gradA[i])
		}
	}
	for i, want := range expectedB {
		if gradB[i] != want {
			t.Errorf("gradB element %d: expected %f, got %f", i, want, gradB[i])
		}
	}
}

func TestBackwardThroughReLU(t *testing.T) {
	x := mustTensor(t, []int{4}, []float32{-1, 2, -3, 4})
	x.SetRequiresGrad(true)

	loss := SumAutograd(ReLUAutograd(x))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	expected := []float32{0, 1, 0, 1}
	grad := gradTensor(t, x)
	for i, want := range expected {
		if grad[i] != want {
			t.Errorf("grad element %d: expected %f, got %f", i, want, grad[i])
		}
	}
}

func TestBackwardThroughSigmoid(t *testing.T) {
	x := mustTensor(t, []int{1}, []float32{0})
	x.SetRequiresGrad(true)

	loss := SumAutograd(SigmoidAutograd(x))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// sigma(0) = 0.5, so dsigma/dx = 0.25.
	grad := gradTensor(t, x)
	if math.Abs(float64(grad[0])-0.25) > 1e-6 {
		t.Errorf("Expected gradient 0.25, got %f", grad[0])
	}
}

func TestBackwardMeanScalesGradient(t *testing.T) {
	x := mustTensor(t, []int{4}, []float32{1, 2, 3, 4})
	x.SetRequiresGrad(true)

	loss := MeanAutograd(x)
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := gradTensor(t, x)
	for i, g := range grad {
		if g != 0.25 {
			t.Errorf("grad element %d: expected 0.25, got %f", i, g)
		}
	}
}

func TestBackwardAccumulatesSharedInput(t *testing.T) {
	x := mustTensor(t, []int{2}, []float32{1, 2})
	x.SetRequiresGrad(true)

	// x participates twice: loss = sum(x + x) so dL/dx = 2.
	loss := SumAutograd(AddAutograd(x, x))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := gradTensor(t, x)
	for i, g := range grad {
		if g != 2 {
			t.Errorf("grad element %d: expected 2, got %f", i, g)
		}
	}
}

func TestFrozenLeafGetsNoGradient(t *testing.T) {
	frozen := mustTensor(t, []int{2}, []float32{1, 2})
	live := mustTensor(t, []int{2}, []float32{3, 4})
	live.SetRequiresGrad(true)

	loss := SumAutograd(MulAutograd(frozen, live))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if frozen.Grad() != nil {
		t.Error("Frozen tensor should not accumulate a gradient")
	}
	if live.Grad() == nil {
		t.Error("Live tensor should accumulate a gradient")
	}
}

func TestNoGraphWithoutRequiresGrad(t *testing.T) {
	a := mustTensor(t, []int{2}, []float32{1, 2})
	b := mustTensor(t, []int{2}, []float32{3, 4})

	result := AddAutograd(a, b)
	if result.creator != nil {
		t.Error("Result of all-frozen inputs should not record a creator")
	}
	if result.RequiresGrad() {
		t.Error("Result of all-frozen inputs should not require grad")
	}
}

func TestBackwardLinearChainNumeric(t *testing.T) {
	// loss = mean(relu(x @ w + b)) checked against central differences.
	xData := []float32{0.5, -1.2, 0.3, 0.8, -0.4, 1.5}
	wData := []float32{0.2, -0.7, 1.1, 0.05, -0.3, 0.9}
	bData := []float32{0.1, -0.2}

	forward := func(w []float32) float64 {
		x := mustTensor(t, []int{2, 3}, append([]float32(nil), xData...))
		wt := mustTensor(t, []int{3, 2}, append([]float32(nil), w...))
		b := mustTensor(t, []int{2}, append([]float32(nil), bData...))
		out := ReLUAutograd(AddAutograd(MatMulAutograd(x, wt), b))
		loss, err := MeanAll(out)
		if err != nil {
			t.Fatalf("MeanAll failed: %v", err)
		}
		return loss
	}

	x := mustTensor(t, []int{2, 3}, append([]float32(nil), xData...))
	w := mustTensor(t, []int{3, 2}, append([]float32(nil), wData...))
	w.SetRequiresGrad(true)
	b := mustTensor(t, []int{2}, append([]float32(nil), bData...))
	b.SetRequiresGrad(true)

	loss := MeanAutograd(ReLUAutograd(AddAutograd(MatMulAutograd(x, w), b)))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := gradTensor(t, w)
	const eps = 1e-3
	for i := range wData {
		plus := append([]float32(nil), wData...)
		minus := append([]float32(nil), wData...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (forward(plus) - forward(minus)) / (2 * eps)
		if math.Abs(float64(grad[i])-numeric) > 1e-3 {
			t.Errorf("Weight gradient %d: analytic %f, numeric %f", i, grad[i], numeric)
		}
	}
}
