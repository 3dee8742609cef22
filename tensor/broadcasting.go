package tensor

import (
	"fmt"
)

// BroadcastShapes returns the shape two operands broadcast to, following
// NumPy rules: align trailing dimensions, sizes must match or one must be 1.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)

	for i := 0; i < maxDims; i++ {
		dim1Idx := len(shape1) - 1 - i
		dim2Idx := len(shape2) - 1 - i
		resultIdx := maxDims - 1 - i

		dim1 := 1
		dim2 := 1
		if dim1Idx >= 0 {
			dim1 = shape1[dim1Idx]
		}
		if dim2Idx >= 0 {
			dim2 = shape2[dim2Idx]
		}

		switch {
		case dim1 == dim2:
			resultShape[resultIdx] = dim1
		case dim1 == 1:
			resultShape[resultIdx] = dim2
		case dim2 == 1:
			resultShape[resultIdx] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// broadcastSourceIndex maps a flat index in the broadcast result back to the
// flat index of the source tensor, treating size-1 and missing source
// dimensions as repeated.
func broadcastSourceIndex(dstIdx int, targetShape, srcShape []int) int {
	numDims := len(targetShape)
	srcDims := len(srcShape)

	srcIdx := 0
	srcStride := 1
	remaining := dstIdx

	coords := make([]int, numDims)
	for i := numDims - 1; i >= 0; i-- {
		coords[i] = remaining % targetShape[i]
		remaining /= targetShape[i]
	}

	for i := numDims - 1; i >= 0; i-- {
		srcDimIdx := i - (numDims - srcDims)
		if srcDimIdx < 0 {
			break
		}
		srcDim := srcShape[srcDimIdx]
		coord := coords[i]
		if srcDim == 1 {
			coord = 0
		}
		srcIdx += coord * srcStride
		srcStride *= srcDim
	}

	return srcIdx
}

// BroadcastTensor materializes a tensor expanded to the target shape.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	if _, err := BroadcastShapes(t.Shape, targetShape); err != nil {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v: %v",
			t.Shape, targetShape, err)
	}
	if len(targetShape) < len(t.Shape) {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to lower-rank shape %v", t.Shape, targetShape)
	}
	for i := 0; i < len(t.Shape); i++ {
		srcDim := t.Shape[len(t.Shape)-1-i]
		dstDim := targetShape[len(targetShape)-1-i]
		if srcDim != 1 && srcDim != dstDim {
			return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v", t.Shape, targetShape)
		}
	}

	result, err := Zeros(targetShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}
	result.requiresGrad = t.requiresGrad

	switch t.DType {
	case Float32:
		srcData := t.Data.([]float32)
		dstData := result.Data.([]float32)
		for dstIdx := 0; dstIdx < result.NumElems; dstIdx++ {
			dstData[dstIdx] = srcData[broadcastSourceIndex(dstIdx, targetShape, t.Shape)]
		}
	case Int32:
		srcData := t.Data.([]int32)
		dstData := result.Data.([]int32)
		for dstIdx := 0; dstIdx < result.NumElems; dstIdx++ {
			dstData[dstIdx] = srcData[broadcastSourceIndex(dstIdx, targetShape, t.Shape)]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for broadcasting: %s", t.DType)
	}

	return result, nil
}
