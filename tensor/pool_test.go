package tensor

import (
	"math"
	"testing"
)

func sequentialTensor(t *testing.T, shape []int) *Tensor {
	t.Helper()
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i + 1)
	}
	return mustTensor(t, shape, data)
}

func TestMaxPool2DKnownValues(t *testing.T) {
	input := sequentialTensor(t, []int{1, 1, 4, 4})

	result, _, err := MaxPool2D(input, 2, 2, 0)
	if err != nil {
		t.Fatalf("MaxPool2D failed: %v", err)
	}

	if !shapesEqual(result.Shape, []int{1, 1, 2, 2}) {
		t.Fatalf("Expected shape [1 1 2 2], got %v", result.Shape)
	}
	expected := []float32{6, 8, 14, 16}
	data := result.Data.([]float32)
	for i, want := range expected {
		if data[i] != want {
			t.Errorf("Element %d: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestMaxPool2DPaddedShape(t *testing.T) {
	// The pooling config used after the stem conv: 3x3 kernel, stride 2, padding 1.
	input := sequentialTensor(t, []int{1, 1, 8, 8})

	result, _, err := MaxPool2D(input, 3, 2, 1)
	if err != nil {
		t.Fatalf("MaxPool2D failed: %v", err)
	}
	if !shapesEqual(result.Shape, []int{1, 1, 4, 4}) {
		t.Errorf("Expected shape [1 1 4 4], got %v", result.Shape)
	}
}

func TestMaxPool2DNegativeInputs(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 2, 2}, []float32{-5, -3, -8, -4})

	result, _, err := MaxPool2D(input, 2, 2, 0)
	if err != nil {
		t.Fatalf("MaxPool2D failed: %v", err)
	}
	data := result.Data.([]float32)
	if data[0] != -3 {
		t.Errorf("Expected -3, got %f", data[0])
	}
}

func TestMaxPool2DBackward(t *testing.T) {
	input := sequentialTensor(t, []int{1, 1, 4, 4})
	input.SetRequiresGrad(true)

	loss := SumAutograd(MaxPool2DAutograd(input, 2, 2, 0))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := gradTensor(t, input)
	// Gradient lands only on the argmax of each window.
	maxIndices := map[int]bool{5: true, 7: true, 13: true, 15: true}
	for i, g := range grad {
		want := float32(0)
		if maxIndices[i] {
			want = 1
		}
		if g != want {
			t.Errorf("grad element %d: expected %f, got %f", i, want, g)
		}
	}
}

func TestAvgPool2DKnownValues(t *testing.T) {
	input := sequentialTensor(t, []int{1, 1, 4, 4})

	result, err := AvgPool2D(input, 2, 2, 0)
	if err != nil {
		t.Fatalf("AvgPool2D failed: %v", err)
	}

	expected := []float32{3.5, 5.5, 11.5, 13.5}
	data := result.Data.([]float32)
	for i, want := range expected {
		if data[i] != want {
			t.Errorf("Element %d: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestAvgPool2DBackward(t *testing.T) {
	input := sequentialTensor(t, []int{1, 1, 4, 4})
	input.SetRequiresGrad(true)

	loss := SumAutograd(AvgPool2DAutograd(input, 2, 2, 0))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := gradTensor(t, input)
	for i, g := range grad {
		if g != 0.25 {
			t.Errorf("grad element %d: expected 0.25, got %f", i, g)
		}
	}
}

func TestGlobalAvgPool2DKnownValues(t *testing.T) {
	input := sequentialTensor(t, []int{1, 2, 2, 2})

	result, err := GlobalAvgPool2D(input)
	if err != nil {
		t.Fatalf("GlobalAvgPool2D failed: %v", err)
	}

	if !shapesEqual(result.Shape, []int{1, 2, 1, 1}) {
		t.Fatalf("Expected shape [1 2 1 1], got %v", result.Shape)
	}
	data := result.Data.([]float32)
	if math.Abs(float64(data[0])-2.5) > 1e-6 {
		t.Errorf("Channel 0: expected 2.5, got %f", data[0])
	}
	if math.Abs(float64(data[1])-6.5) > 1e-6 {
		t.Errorf("Channel 1: expected 6.5, got %f", data[1])
	}
}

func TestGlobalAvgPool2DBackward(t *testing.T) {
	input := sequentialTensor(t, []int{1, 1, 2, 2})
	input.SetRequiresGrad(true)

	loss := SumAutograd(GlobalAvgPool2DAutograd(input))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := gradTensor(t, input)
	for i, g := range grad {
		if g != 0.25 {
			t.Errorf("grad element %d: expected 0.25, got %f", i, g)
		}
	}
}

func TestPoolRejectsNon4D(t *testing.T) {
	input := mustTensor(t, []int{4, 4}, make([]float32, 16))

	if _, _, err := MaxPool2D(input, 2, 2, 0); err == nil {
		t.Error("Expected error for 2D input to MaxPool2D, got nil")
	}
	if _, err := AvgPool2D(input, 2, 2, 0); err == nil {
		t.Error("Expected error for 2D input to AvgPool2D, got nil")
	}
	if _, err := GlobalAvgPool2D(input); err == nil {
		t.Error("Expected error for 2D input to GlobalAvgPool2D, got nil")
	}
}
