package tensor

import (
	"fmt"
)

// reduceGradientToShape reduces a gradient tensor to match the target shape.
// This is needed when broadcasting occurred during the forward pass.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}

	if len(targetShape) == 1 && targetShape[0] == 1 {
		return sumAllElements(grad)
	}

	result := grad
	var err error

	// Sum away leading dimensions the target never had.
	dimsToSum := len(grad.Shape) - len(targetShape)
	for i := 0; i < dimsToSum; i++ {
		result, err = sumOverDimension(result, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to sum over dimension: %v", err)
		}
	}

	// Sum dimensions that were broadcast up from size 1.
	for i := 0; i < len(targetShape); i++ {
		if i < len(result.Shape) && result.Shape[i] != targetShape[i] {
			if targetShape[i] == 1 && result.Shape[i] > 1 {
				result, err = sumKeepDimension(result, i)
				if err != nil {
					return nil, fmt.Errorf("failed to sum over broadcast dimension: %v", err)
				}
			}
		}
	}

	if !shapesEqual(result.Shape, targetShape) {
		result, err = Reshape(result, targetShape)
		if err != nil {
			return nil, fmt.Errorf("failed to reshape gradient: %v", err)
		}
	}

	return result, nil
}

func sumAllElements(t *Tensor) (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		sum := float32(0)
		for _, val := range data {
			sum += val
		}
		return NewTensor([]int{1}, t.DType, t.Device, []float32{sum})
	case Int32:
		data := t.Data.([]int32)
		sum := int32(0)
		for _, val := range data {
			sum += val
		}
		return NewTensor([]int{1}, t.DType, t.Device, []int32{sum})
	default:
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}
}

func sumOverDimension(t *Tensor, dim int) (*Tensor, error) {
	if len(t.Shape) == 1 {
		return sumAllElements(t)
	}
	return Sum(t, dim, false)
}

func sumKeepDimension(t *Tensor, dim int) (*Tensor, error) {
	return Sum(t, dim, true)
}

func indexToCoords(index int, shape []int) []int {
	coords := make([]int, len(shape))
	remaining := index
	for i := len(shape) - 1; i >= 0; i-- {
		coords[i] = remaining % shape[i]
		remaining /= shape[i]
	}
	return coords
}

func coordsToIndex(coords []int, strides []int) int {
	index := 0
	for i, coord := range coords {
		index += coord * strides[i]
	}
	return index
}

// attachResult wires a forward result into the autograd graph. The creator is
// recorded only when a gradient can actually flow to some input, so frozen
// subgraphs cost nothing on the backward pass.
func attachResult(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	requiresGrad := false
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			requiresGrad = true
			break
		}
	}
	result.requiresGrad = requiresGrad
	if requiresGrad {
		result.creator = op
	}
	return result
}

// Backward runs reverse-mode differentiation from a scalar tensor through the
// graph that produced it, accumulating gradients on every tensor that
// requires them.
func Backward(loss *Tensor) error {
	if loss.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got shape %v", loss.Shape)
	}
	if loss.creator == nil {
		return fmt.Errorf("backward called on a tensor with no autograd graph")
	}

	seed, err := Ones(loss.Shape, loss.DType, loss.Device)
	if err != nil {
		return fmt.Errorf("failed to create seed gradient: %v", err)
	}
	if err := accumulateGradient(loss, seed); err != nil {
		return err
	}

	order := topologicalOrder(loss)

	// Walk outputs before inputs so each tensor's gradient is complete
	// before its creator consumes it.
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.creator == nil || t.grad == nil {
			continue
		}

		grads := t.creator.Backward(t.grad)
		inputs := t.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(grads), len(inputs))
		}

		for j, input := range inputs {
			if input == nil || grads[j] == nil {
				continue
			}
			if !input.requiresGrad {
				continue
			}
			if err := accumulateGradient(input, grads[j]); err != nil {
				return fmt.Errorf("failed to accumulate gradient: %v", err)
			}
		}
	}

	return nil
}

func topologicalOrder(root *Tensor) []*Tensor {
	visited := make(map[*Tensor]bool)
	var order []*Tensor

	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, input := range t.creator.Inputs() {
				if input != nil {
					visit(input)
				}
			}
		}
		order = append(order, t)
	}

	visit(root)
	return order
}

func accumulateGradient(t *Tensor, grad *Tensor) error {
	if !shapesEqual(t.Shape, grad.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}
	if t.grad == nil {
		t.grad = grad
		return nil
	}

	sum, err := Add(t.grad, grad)
	if err != nil {
		return err
	}
	t.grad = sum
	return nil
}

// AddOp implements the Operation interface for tensor addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, a, b)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// Addition passes the gradient through unchanged; broadcasting is
	// undone by reducing to the original input shapes.
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// SubOp implements the Operation interface for tensor subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, a, b)
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	negGradOut, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("Failed to negate gradient: %v", err))
	}

	gradB, err := reduceGradientToShape(negGradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MulOp implements the Operation interface for elementwise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, a, b)
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	gradAFull, err := Mul(gradOut, b)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
	}
	gradA, err := reduceGradientToShape(gradAFull, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	gradBFull, err := Mul(gradOut, a)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
	}
	gradB, err := reduceGradientToShape(gradBFull, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MatMulOp implements the Operation interface for matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, a, b)
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// d(A @ B)/dA = gradOut @ B^T, d(A @ B)/dB = A^T @ gradOut
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose B: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
	}

	aT, err := Transpose(a, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose A: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ReLUOp implements the Operation interface for the rectified linear unit.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := ReLU(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs[0])
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	inputData := input.Data.([]float32)
	gradData := gradOut.Data.([]float32)

	grad, err := Zeros(input.Shape, input.DType, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	resultData := grad.Data.([]float32)
	for i := range inputData {
		if inputData[i] > 0 {
			resultData[i] = gradData[i]
		}
	}

	return []*Tensor{grad}
}

// SigmoidOp implements the Operation interface for the logistic sigmoid.
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SigmoidOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := Sigmoid(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	op.output = result

	return attachResult(result, op, inputs[0])
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	// dsigma/dx = sigma * (1 - sigma), with sigma saved from the forward pass.
	outData := op.output.Data.([]float32)
	gradData := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, op.inputs[0].DType, op.inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	resultData := grad.Data.([]float32)
	for i := range outData {
		resultData[i] = gradData[i] * outData[i] * (1 - outData[i])
	}

	return []*Tensor{grad}
}

// ReshapeOp implements the Operation interface for shape changes.
type ReshapeOp struct {
	inputs   []*Tensor
	newShape []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := Reshape(inputs[0], op.newShape)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs[0])
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

// SumOp implements the Operation interface for reduction of every element to
// a scalar.
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SumOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := sumAllElements(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs[0])
}

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	upstream := gradOut.Data.([]float32)[0]

	grad, err := Full(input.Shape, upstream, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	return []*Tensor{grad}
}

// MeanOp implements the Operation interface for reduction of every element to
// the scalar mean.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MeanOp requires exactly 1 input")
	}

	op.inputs = inputs

	sum, err := sumAllElements(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result, err := Scale(sum, 1.0/float32(inputs[0].NumElems))
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	return attachResult(result, op, inputs[0])
}

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	upstream := gradOut.Data.([]float32)[0] / float32(input.NumElems)

	grad, err := Full(input.Shape, upstream, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	return []*Tensor{grad}
}

func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

func ReLUAutograd(t *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(t)
}

func SigmoidAutograd(t *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(t)
}

func ReshapeAutograd(t *Tensor, newShape []int) *Tensor {
	op := &ReshapeOp{newShape: append([]int(nil), newShape...)}
	return op.Forward(t)
}

func SumAutograd(t *Tensor) *Tensor {
	op := &SumOp{}
	return op.Forward(t)
}

func MeanAutograd(t *Tensor) *Tensor {
	op := &MeanOp{}
	return op.Forward(t)
}
