package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// alignForBinaryOp materializes both operands to a common broadcast shape.
// Operands with equal shapes pass through untouched.
func alignForBinaryOp(t1, t2 *Tensor) (*Tensor, *Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, nil, err
	}

	if shapesEqual(t1.Shape, t2.Shape) {
		return t1, t2, nil
	}

	outputShape, err := BroadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, nil, err
	}

	a, err := BroadcastTensor(t1, outputShape)
	if err != nil {
		return nil, nil, err
	}
	b, err := BroadcastTensor(t2, outputShape)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	a, b, err := alignForBinaryOp(t1, t2)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType, a.Device)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		data1 := a.Data.([]float32)
		data2 := b.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < a.NumElems; i++ {
			resultData[i] = data1[i] + data2[i]
		}
	case Int32:
		data1 := a.Data.([]int32)
		data2 := b.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < a.NumElems; i++ {
			resultData[i] = data1[i] + data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Add: %s", a.DType)
	}

	return result, nil
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	a, b, err := alignForBinaryOp(t1, t2)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType, a.Device)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		data1 := a.Data.([]float32)
		data2 := b.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < a.NumElems; i++ {
			resultData[i] = data1[i] - data2[i]
		}
	case Int32:
		data1 := a.Data.([]int32)
		data2 := b.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < a.NumElems; i++ {
			resultData[i] = data1[i] - data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Sub: %s", a.DType)
	}

	return result, nil
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	a, b, err := alignForBinaryOp(t1, t2)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType, a.Device)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		data1 := a.Data.([]float32)
		data2 := b.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < a.NumElems; i++ {
			resultData[i] = data1[i] * data2[i]
		}
	case Int32:
		data1 := a.Data.([]int32)
		data2 := b.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < a.NumElems; i++ {
			resultData[i] = data1[i] * data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Mul: %s", a.DType)
	}

	return result, nil
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	a, b, err := alignForBinaryOp(t1, t2)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType, a.Device)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		data1 := a.Data.([]float32)
		data2 := b.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < a.NumElems; i++ {
			if data2[i] == 0 {
				return nil, fmt.Errorf("division by zero at element %d", i)
			}
			resultData[i] = data1[i] / data2[i]
		}
	case Int32:
		data1 := a.Data.([]int32)
		data2 := b.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < a.NumElems; i++ {
			if data2[i] == 0 {
				return nil, fmt.Errorf("division by zero at element %d", i)
			}
			resultData[i] = data1[i] / data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Div: %s", a.DType)
	}

	return result, nil
}

// Scale multiplies every element by a scalar factor.
func Scale(t *Tensor, factor float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Scale: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		resultData[i] = data[i] * factor
	}

	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for ReLU: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		if data[i] > 0 {
			resultData[i] = data[i]
		}
	}

	return result, nil
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sigmoid: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		resultData[i] = float32(1.0 / (1.0 + math.Exp(-float64(data[i]))))
	}

	return result, nil
}

func Tanh(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Tanh: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		resultData[i] = float32(math.Tanh(float64(data[i])))
	}

	return result, nil
}

func Exp(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Exp: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		resultData[i] = float32(math.Exp(float64(data[i])))
	}

	return result, nil
}

func Log(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Log: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		if data[i] <= 0 {
			return nil, fmt.Errorf("Log requires positive values, got %f at element %d", data[i], i)
		}
		resultData[i] = float32(math.Log(float64(data[i])))
	}

	return result, nil
}

func Sqrt(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sqrt: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		if data[i] < 0 {
			return nil, fmt.Errorf("Sqrt requires non-negative values, got %f at element %d", data[i], i)
		}
		resultData[i] = float32(math.Sqrt(float64(data[i])))
	}

	return result, nil
}
