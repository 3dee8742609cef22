package tensor

import (
	"math"
	"testing"
)

func TestConv2DKnownValues(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	weight := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 0, 0, 1})

	result, err := Conv2D(input, weight, nil, 1, 0)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}

	expectedShape := []int{1, 1, 2, 2}
	if !shapesEqual(result.Shape, expectedShape) {
		t.Fatalf("Expected shape %v, got %v", expectedShape, result.Shape)
	}
	expected := []float32{6, 8, 12, 14}
	data := result.Data.([]float32)
	for i, want := range expected {
		if data[i] != want {
			t.Errorf("Element %d: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestConv2DWithBias(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	weight := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 0, 0, 1})
	bias := mustTensor(t, []int{1}, []float32{1})

	result, err := Conv2D(input, weight, bias, 1, 0)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}

	expected := []float32{7, 9, 13, 15}
	data := result.Data.([]float32)
	for i, want := range expected {
		if data[i] != want {
			t.Errorf("Element %d: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestConv2DStride(t *testing.T) {
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i + 1)
	}
	input := mustTensor(t, []int{1, 1, 4, 4}, data)
	weight := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 1, 1, 1})

	result, err := Conv2D(input, weight, nil, 2, 0)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}

	expected := []float32{14, 22, 46, 54}
	out := result.Data.([]float32)
	for i, want := range expected {
		if out[i] != want {
			t.Errorf("Element %d: expected %f, got %f", i, want, out[i])
		}
	}
}

func TestConv2DPadding(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	weight := mustTensor(t, []int{1, 1, 3, 3}, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1})

	result, err := Conv2D(input, weight, nil, 1, 1)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}

	if !shapesEqual(result.Shape, []int{1, 1, 2, 2}) {
		t.Fatalf("Expected shape [1 1 2 2], got %v", result.Shape)
	}
	// Every 3x3 window covers the entire padded 2x2 input.
	out := result.Data.([]float32)
	for i, got := range out {
		if got != 10 {
			t.Errorf("Element %d: expected 10, got %f", i, got)
		}
	}
}

func TestConv2DMultiChannel(t *testing.T) {
	input := mustTensor(t, []int{1, 2, 2, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	weight := mustTensor(t, []int{1, 2, 1, 1}, []float32{2, 3})

	result, err := Conv2D(input, weight, nil, 1, 0)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}

	expected := []float32{17, 22, 27, 34}
	out := result.Data.([]float32)
	for i, want := range expected {
		if out[i] != want {
			t.Errorf("Element %d: expected %f, got %f", i, want, out[i])
		}
	}
}

func TestConv2DLargeStrideShape(t *testing.T) {
	input, err := Zeros([]int{2, 1, 32, 32}, Float32, CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	weight, err := Zeros([]int{4, 1, 7, 7}, Float32, CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}

	result, err := Conv2D(input, weight, nil, 2, 3)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	if !shapesEqual(result.Shape, []int{2, 4, 16, 16}) {
		t.Errorf("Expected shape [2 4 16 16], got %v", result.Shape)
	}
}

func TestConv2DChannelMismatch(t *testing.T) {
	input := mustTensor(t, []int{1, 3, 4, 4}, make([]float32, 48))
	weight := mustTensor(t, []int{2, 1, 3, 3}, make([]float32, 18))

	if _, err := Conv2D(input, weight, nil, 1, 0); err == nil {
		t.Error("Expected channel mismatch error, got nil")
	}
}

func TestConv2DBackwardNumeric(t *testing.T) {
	xData := []float32{0.5, -0.3, 1.2, 0.8, -1.1, 0.4, 0.9, -0.6, 0.2}
	wData := []float32{0.7, -0.2, 0.5, 1.3}
	bData := []float32{0.1}

	forward := func(w []float32) float64 {
		x := mustTensor(t, []int{1, 1, 3, 3}, append([]float32(nil), xData...))
		wt := mustTensor(t, []int{1, 1, 2, 2}, append([]float32(nil), w...))
		b := mustTensor(t, []int{1}, append([]float32(nil), bData...))
		out, err := Conv2D(x, wt, b, 1, 0)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}
		loss, err := MeanAll(out)
		if err != nil {
			t.Fatalf("MeanAll failed: %v", err)
		}
		return loss
	}

	x := mustTensor(t, []int{1, 1, 3, 3}, append([]float32(nil), xData...))
	x.SetRequiresGrad(true)
	w := mustTensor(t, []int{1, 1, 2, 2}, append([]float32(nil), wData...))
	w.SetRequiresGrad(true)
	b := mustTensor(t, []int{1}, append([]float32(nil), bData...))
	b.SetRequiresGrad(true)

	loss := MeanAutograd(Conv2DAutograd(x, w, b, 1, 0))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	gradW := gradTensor(t, w)
	for i := range wData {
		plus := append([]float32(nil), wData...)
		minus := append([]float32(nil), wData...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (forward(plus) - forward(minus)) / (2 * eps)
		if math.Abs(float64(gradW[i])-numeric) > 1e-3 {
			t.Errorf("Weight gradient %d: analytic %f, numeric %f", i, gradW[i], numeric)
		}
	}

	// Each of the 4 output positions contributes 1/4 to the bias gradient.
	gradB := gradTensor(t, b)
	if math.Abs(float64(gradB[0])-1.0) > 1e-6 {
		t.Errorf("Bias gradient: expected 1.0, got %f", gradB[0])
	}

	if x.Grad() == nil {
		t.Error("Input should accumulate a gradient")
	}
}
