package tensor

import (
	"testing"
)

func TestNewTensor(t *testing.T) {
	tensor, err := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}

	if tensor.NumElems != 6 {
		t.Errorf("Expected 6 elements, got %d", tensor.NumElems)
	}
	if len(tensor.Strides) != 2 || tensor.Strides[0] != 3 || tensor.Strides[1] != 1 {
		t.Errorf("Expected strides [3 1], got %v", tensor.Strides)
	}
	if tensor.DType != Float32 {
		t.Errorf("Expected Float32 dtype, got %s", tensor.DType)
	}
	if tensor.Device != CPU {
		t.Errorf("Expected CPU device, got %s", tensor.Device)
	}
}

func TestNewTensorInvalidShape(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
	}{
		{"zero dimension", []int{2, 0}},
		{"negative dimension", []int{-1, 3}},
		{"empty shape", []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTensor(tt.shape, Float32, CPU, nil)
			if err == nil {
				t.Errorf("Expected error for shape %v, got nil", tt.shape)
			}
		})
	}
}

func TestNewTensorDataLengthMismatch(t *testing.T) {
	_, err := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3})
	if err == nil {
		t.Error("Expected error for mismatched data length, got nil")
	}
}

func TestTensorRequiresGrad(t *testing.T) {
	tensor, err := Zeros([]int{2, 2}, Float32, CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}

	if tensor.RequiresGrad() {
		t.Error("New tensor should not require grad by default")
	}

	tensor.SetRequiresGrad(true)
	if !tensor.RequiresGrad() {
		t.Error("SetRequiresGrad(true) did not take effect")
	}
}

func TestTensorDetach(t *testing.T) {
	tensor, err := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	tensor.SetRequiresGrad(true)

	detached := tensor.Detach()
	if detached.RequiresGrad() {
		t.Error("Detached tensor should not require grad")
	}
	if detached.creator != nil {
		t.Error("Detached tensor should have no creator")
	}

	// Data is shared, not copied.
	detached.Data.([]float32)[0] = 9
	if tensor.Data.([]float32)[0] != 9 {
		t.Error("Detach should share the underlying data")
	}
}

func TestDTypeString(t *testing.T) {
	if Float32.String() != "Float32" {
		t.Errorf("Expected Float32, got %s", Float32.String())
	}
	if Int32.String() != "Int32" {
		t.Errorf("Expected Int32, got %s", Int32.String())
	}
}
