package tensor

import (
	"fmt"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// MatMul multiplies two 2D matrices.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1 := t1.Shape[0]
	cols1 := t1.Shape[1]
	rows2 := t2.Shape[0]
	cols2 := t2.Shape[1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2}, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < rows1; i++ {
			for j := 0; j < cols2; j++ {
				var sum float32
				for k := 0; k < cols1; k++ {
					sum += data1[i*cols1+k] * data2[k*cols2+j]
				}
				resultData[i*cols2+j] = sum
			}
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < rows1; i++ {
			for j := 0; j < cols2; j++ {
				var sum int32
				for k := 0; k < cols1; k++ {
					sum += data1[i*cols1+k] * data2[k*cols2+j]
				}
				resultData[i*cols2+j] = sum
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}

	return result, nil
}

func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) {
		return nil, fmt.Errorf("dim0 %d out of range for tensor with %d dimensions", dim0, len(t.Shape))
	}
	if dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("dim1 %d out of range for tensor with %d dimensions", dim1, len(t.Shape))
	}

	outputShape := make([]int, len(t.Shape))
	copy(outputShape, t.Shape)
	outputShape[dim0], outputShape[dim1] = outputShape[dim1], outputShape[dim0]

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	case Int32:
		data := t.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	return result, nil
}

// resolveShape replaces a single -1 entry with the size inferred from the
// element count.
func resolveShape(newShape []int, numElems int) ([]int, error) {
	resolved := make([]int, len(newShape))
	copy(resolved, newShape)

	inferIdx := -1
	known := 1
	for i, dim := range resolved {
		if dim == -1 {
			if inferIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be inferred, shape %v has several", newShape)
			}
			inferIdx = i
			continue
		}
		if dim <= 0 {
			return nil, fmt.Errorf("invalid shape %v: dimension %d has size %d", newShape, i, dim)
		}
		known *= dim
	}

	if inferIdx >= 0 {
		if known == 0 || numElems%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension for shape %v from %d elements", newShape, numElems)
		}
		resolved[inferIdx] = numElems / known
	}

	return resolved, nil
}

// Reshape returns a copy of the tensor with a new shape. One dimension may be
// -1 and is inferred.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	resolved, err := resolveShape(newShape, t.NumElems)
	if err != nil {
		return nil, err
	}
	if err := validateShape(resolved); err != nil {
		return nil, err
	}

	newNumElems := calculateNumElements(resolved)
	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)",
			t.NumElems, resolved, newNumElems)
	}

	result := &Tensor{
		Shape:        resolved,
		Strides:      calculateStrides(resolved),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		newData := make([]float32, len(data))
		copy(newData, data)
		result.Data = newData
	case Int32:
		data := t.Data.([]int32)
		newData := make([]int32, len(data))
		copy(newData, data)
		result.Data = newData
	default:
		return nil, fmt.Errorf("unsupported dtype for Reshape: %s", t.DType)
	}

	return result, nil
}

func Flatten(t *Tensor) (*Tensor, error) {
	return Reshape(t, []int{t.NumElems})
}

func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}

	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("cannot squeeze dimension %d with size %d (must be 1)", dim, t.Shape[dim])
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			newShape = append(newShape, size)
		}
	}

	return Reshape(t, newShape)
}

func Unsqueeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for unsqueeze operation", dim)
	}

	newShape := make([]int, len(t.Shape)+1)
	copy(newShape[:dim], t.Shape[:dim])
	newShape[dim] = 1
	copy(newShape[dim+1:], t.Shape[dim:])

	return Reshape(t, newShape)
}

// Sum reduces over one dimension.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}

	var outputShape []int
	if keepDim {
		outputShape = make([]int, len(t.Shape))
		copy(outputShape, t.Shape)
		outputShape[dim] = 1
	} else if len(t.Shape) == 1 {
		outputShape = []int{1}
	} else {
		outputShape = make([]int, 0, len(t.Shape)-1)
		for i, size := range t.Shape {
			if i != dim {
				outputShape = append(outputShape, size)
			}
		}
	}

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		indices := getIndicesFromLinear(i, t.Shape)

		var resultIndices []int
		if keepDim {
			resultIndices = make([]int, len(indices))
			copy(resultIndices, indices)
			resultIndices[dim] = 0
		} else if len(t.Shape) == 1 {
			resultIndices = []int{0}
		} else {
			resultIndices = make([]int, 0, len(indices)-1)
			for j, idx := range indices {
				if j != dim {
					resultIndices = append(resultIndices, idx)
				}
			}
		}

		resultData[getIndex(resultIndices, result.Strides)] += data[i]
	}

	return result, nil
}

// Mean reduces over one dimension by averaging.
func Mean(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	summed, err := Sum(t, dim, keepDim)
	if err != nil {
		return nil, err
	}
	return Scale(summed, 1.0/float32(t.Shape[dim]))
}

// SumAll returns the sum of every element as a float64.
func SumAll(t *Tensor) (float64, error) {
	if t.DType != Float32 {
		return 0, fmt.Errorf("unsupported dtype for SumAll: %s", t.DType)
	}

	data := t.Data.([]float32)
	sum := 0.0
	for _, v := range data {
		sum += float64(v)
	}
	return sum, nil
}

// MeanAll returns the mean of every element as a float64.
func MeanAll(t *Tensor) (float64, error) {
	if t.NumElems == 0 {
		return 0, fmt.Errorf("cannot take mean of empty tensor")
	}
	sum, err := SumAll(t)
	if err != nil {
		return 0, err
	}
	return sum / float64(t.NumElems), nil
}
