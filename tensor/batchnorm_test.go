package tensor

import (
	"math"
	"testing"
)

func batchNormFixture(t *testing.T) (x, gamma, beta, runningMean, runningVar *Tensor) {
	t.Helper()
	x = mustTensor(t, []int{1, 1, 1, 4}, []float32{1, 2, 3, 4})
	gamma = mustTensor(t, []int{1}, []float32{1})
	beta = mustTensor(t, []int{1}, []float32{0})
	runningMean = mustTensor(t, []int{1}, []float32{0})
	runningVar = mustTensor(t, []int{1}, []float32{1})
	return
}

func TestBatchNormTrainingNormalizes(t *testing.T) {
	x, gamma, beta, rm, rv := batchNormFixture(t)

	out := BatchNorm2DAutograd(x, gamma, beta, rm, rv, true, 0.1, 1e-5)

	// Batch mean 2.5, biased variance 1.25.
	expected := []float32{-1.34164, -0.44721, 0.44721, 1.34164}
	data := out.Data.([]float32)
	for i, want := range expected {
		if math.Abs(float64(data[i]-want)) > 1e-4 {
			t.Errorf("Element %d: expected %f, got %f", i, want, data[i])
		}
	}

	var sum, sumSq float64
	for _, v := range data {
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	if math.Abs(sum/4) > 1e-5 {
		t.Errorf("Normalized mean should be ~0, got %f", sum/4)
	}
	if math.Abs(sumSq/4-1) > 1e-3 {
		t.Errorf("Normalized variance should be ~1, got %f", sumSq/4)
	}
}

func TestBatchNormRunningStatsUpdate(t *testing.T) {
	x, gamma, beta, rm, rv := batchNormFixture(t)

	BatchNorm2DAutograd(x, gamma, beta, rm, rv, true, 0.1, 1e-5)

	// Running mean blends toward the batch mean, running variance toward
	// the unbiased batch variance (5/3 for this fixture).
	gotMean := rm.Data.([]float32)[0]
	gotVar := rv.Data.([]float32)[0]
	if math.Abs(float64(gotMean)-0.25) > 1e-5 {
		t.Errorf("Running mean: expected 0.25, got %f", gotMean)
	}
	if math.Abs(float64(gotVar)-1.0666667) > 1e-5 {
		t.Errorf("Running variance: expected 1.066667, got %f", gotVar)
	}
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	x, gamma, beta, rm, rv := batchNormFixture(t)

	out := BatchNorm2DAutograd(x, gamma, beta, rm, rv, false, 0.1, 1e-5)

	// With running mean 0 and running variance 1 eval mode is identity.
	data := out.Data.([]float32)
	xData := x.Data.([]float32)
	for i := range xData {
		if math.Abs(float64(data[i]-xData[i])) > 1e-4 {
			t.Errorf("Element %d: expected %f, got %f", i, xData[i], data[i])
		}
	}

	// Eval mode must not touch the running stats.
	if rm.Data.([]float32)[0] != 0 {
		t.Errorf("Running mean changed in eval mode: %f", rm.Data.([]float32)[0])
	}
	if rv.Data.([]float32)[0] != 1 {
		t.Errorf("Running variance changed in eval mode: %f", rv.Data.([]float32)[0])
	}
}

func TestBatchNormEvalDeterministic(t *testing.T) {
	x, gamma, beta, rm, rv := batchNormFixture(t)

	first := BatchNorm2DAutograd(x, gamma, beta, rm, rv, false, 0.1, 1e-5)
	second := BatchNorm2DAutograd(x, gamma, beta, rm, rv, false, 0.1, 1e-5)

	a := first.Data.([]float32)
	b := second.Data.([]float32)
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("Element %d differs between eval passes: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestBatchNormAffine(t *testing.T) {
	x, _, _, rm, rv := batchNormFixture(t)
	gamma := mustTensor(t, []int{1}, []float32{2})
	beta := mustTensor(t, []int{1}, []float32{10})

	out := BatchNorm2DAutograd(x, gamma, beta, rm, rv, true, 0.1, 1e-5)

	expected := []float32{7.31672, 9.10557, 10.89443, 12.68328}
	data := out.Data.([]float32)
	for i, want := range expected {
		if math.Abs(float64(data[i]-want)) > 1e-3 {
			t.Errorf("Element %d: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestBatchNormBackwardGammaBeta(t *testing.T) {
	x, gamma, beta, rm, rv := batchNormFixture(t)
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)
	x.SetRequiresGrad(true)

	loss := SumAutograd(BatchNorm2DAutograd(x, gamma, beta, rm, rv, true, 0.1, 1e-5))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dL/dbeta sums the upstream gradient, dL/dgamma weighs it by xhat
	// which sums to zero for a centered batch.
	gradBeta := gradTensor(t, beta)
	if math.Abs(float64(gradBeta[0])-4) > 1e-5 {
		t.Errorf("Beta gradient: expected 4, got %f", gradBeta[0])
	}
	gradGamma := gradTensor(t, gamma)
	if math.Abs(float64(gradGamma[0])) > 1e-4 {
		t.Errorf("Gamma gradient: expected ~0, got %f", gradGamma[0])
	}

	// A uniform shift of the input leaves normalized outputs unchanged,
	// so the input gradient of a sum loss vanishes.
	gradX := gradTensor(t, x)
	for i, g := range gradX {
		if math.Abs(float64(g)) > 1e-4 {
			t.Errorf("Input gradient %d: expected ~0, got %f", i, g)
		}
	}
}

func TestBatchNormBackwardInputNumeric(t *testing.T) {
	xData := []float32{0.5, -1.2, 2.1, 0.3, -0.8, 1.7, -0.1, 0.9}

	forward := func(xs []float32) float64 {
		x := mustTensor(t, []int{1, 2, 2, 2}, append([]float32(nil), xs...))
		gamma := mustTensor(t, []int{2}, []float32{1.5, 0.8})
		beta := mustTensor(t, []int{2}, []float32{0.2, -0.4})
		rm := mustTensor(t, []int{2}, []float32{0, 0})
		rv := mustTensor(t, []int{2}, []float32{1, 1})
		out := BatchNorm2DAutograd(x, gamma, beta, rm, rv, true, 0.1, 1e-5)
		sq := MulAutograd(out, out)
		loss, err := SumAll(sq)
		if err != nil {
			t.Fatalf("SumAll failed: %v", err)
		}
		return loss
	}

	x := mustTensor(t, []int{1, 2, 2, 2}, append([]float32(nil), xData...))
	x.SetRequiresGrad(true)
	gamma := mustTensor(t, []int{2}, []float32{1.5, 0.8})
	beta := mustTensor(t, []int{2}, []float32{0.2, -0.4})
	rm := mustTensor(t, []int{2}, []float32{0, 0})
	rv := mustTensor(t, []int{2}, []float32{1, 1})

	out := BatchNorm2DAutograd(x, gamma, beta, rm, rv, true, 0.1, 1e-5)
	loss := SumAutograd(MulAutograd(out, out))
	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := gradTensor(t, x)
	const eps = 1e-2
	for i := range xData {
		plus := append([]float32(nil), xData...)
		minus := append([]float32(nil), xData...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (forward(plus) - forward(minus)) / (2 * eps)
		if math.Abs(float64(grad[i])-numeric) > 5e-2 {
			t.Errorf("Input gradient %d: analytic %f, numeric %f", i, grad[i], numeric)
		}
	}
}

func TestBatchNormSingleElementChannel(t *testing.T) {
	x := mustTensor(t, []int{1, 1, 1, 1}, []float32{3})
	gamma := mustTensor(t, []int{1}, []float32{1})
	beta := mustTensor(t, []int{1}, []float32{0})
	rm := mustTensor(t, []int{1}, []float32{0})
	rv := mustTensor(t, []int{1}, []float32{1})

	out := BatchNorm2DAutograd(x, gamma, beta, rm, rv, true, 0.1, 1e-5)
	data := out.Data.([]float32)
	if math.Abs(float64(data[0])) > 1e-2 {
		t.Errorf("Single element normalizes to ~0, got %f", data[0])
	}
}
