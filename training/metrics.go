package training

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// MetricResult is the epoch result of a per-class ranking metric. Classes
// that could not be scored (no positive examples, or for ROC no negatives
// either) report zero and are flagged false in Valid; the macro mean still
// averages over every class, zeros included.
type MetricResult struct {
	PerClass []float64
	Valid    []bool
	Macro    float64
}

// scoreBuffer accumulates per-class prediction scores and binarized targets
// across batches. Both metric types share it; it only grows between resets.
type scoreBuffer struct {
	classes int
	scores  [][]float64
	labels  [][]bool
	seen    int
}

func newScoreBuffer(classes int) scoreBuffer {
	return scoreBuffer{
		classes: classes,
		scores:  make([][]float64, classes),
		labels:  make([][]bool, classes),
	}
}

func (sb *scoreBuffer) update(probs, targets *tensor.Tensor) error {
	if probs == nil || targets == nil {
		return fmt.Errorf("probabilities and targets must be non-nil")
	}
	if probs.DType != tensor.Float32 || targets.DType != tensor.Float32 {
		return fmt.Errorf("probabilities and targets must be Float32, got %s and %s", probs.DType, targets.DType)
	}
	if len(probs.Shape) != 2 || probs.Shape[1] != sb.classes {
		return fmt.Errorf("probabilities must be [batch, %d], got shape %v", sb.classes, probs.Shape)
	}
	if !shapesMatch(probs.Shape, targets.Shape) {
		return fmt.Errorf("probabilities shape %v does not match targets shape %v", probs.Shape, targets.Shape)
	}

	pData := probs.Data.([]float32)
	tData := targets.Data.([]float32)

	batch := probs.Shape[0]
	for i := 0; i < batch; i++ {
		for c := 0; c < sb.classes; c++ {
			sb.scores[c] = append(sb.scores[c], float64(pData[i*sb.classes+c]))
			sb.labels[c] = append(sb.labels[c], tData[i*sb.classes+c] > 0.5)
		}
	}
	sb.seen += batch
	return nil
}

func (sb *scoreBuffer) reset() {
	for c := range sb.scores {
		sb.scores[c] = nil
		sb.labels[c] = nil
	}
	sb.seen = 0
}

func (sb *scoreBuffer) merge(other *scoreBuffer) error {
	if other.classes != sb.classes {
		return fmt.Errorf("cannot merge accumulator over %d classes into one over %d", other.classes, sb.classes)
	}
	for c := range sb.scores {
		sb.scores[c] = append(sb.scores[c], other.scores[c]...)
		sb.labels[c] = append(sb.labels[c], other.labels[c]...)
	}
	sb.seen += other.seen
	return nil
}

func shapesMatch(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AveragePrecision accumulates predicted probabilities and multi-hot targets
// and computes the area under each class's precision-recall curve, the
// standard ranking metric for multi-label classification where positives are
// rare.
type AveragePrecision struct {
	buf scoreBuffer
}

// NewAveragePrecision creates an accumulator over numClasses classes.
func NewAveragePrecision(numClasses int) *AveragePrecision {
	return &AveragePrecision{buf: newScoreBuffer(numClasses)}
}

// Classes returns the number of classes the accumulator tracks.
func (ap *AveragePrecision) Classes() int {
	return ap.buf.classes
}

// Update appends a batch of probabilities and targets, both shaped
// [batch, classes]. Targets above 0.5 count as positive.
func (ap *AveragePrecision) Update(probs, targets *tensor.Tensor) error {
	return ap.buf.update(probs, targets)
}

// ExamplesSeen returns the number of examples accumulated since the last
// reset.
func (ap *AveragePrecision) ExamplesSeen() int {
	return ap.buf.seen
}

// Reset clears the accumulated state.
func (ap *AveragePrecision) Reset() {
	ap.buf.reset()
}

// Merge folds another accumulator's state into this one, as when combining
// per-worker accumulators after a distributed validation pass.
func (ap *AveragePrecision) Merge(other *AveragePrecision) error {
	return ap.buf.merge(&other.buf)
}

// Compute scores every class over the accumulated examples. It errors when
// nothing has been accumulated.
func (ap *AveragePrecision) Compute() (*MetricResult, error) {
	if ap.buf.seen == 0 {
		return nil, fmt.Errorf("no examples accumulated")
	}

	result := &MetricResult{
		PerClass: make([]float64, ap.buf.classes),
		Valid:    make([]bool, ap.buf.classes),
	}
	for c := 0; c < ap.buf.classes; c++ {
		result.PerClass[c], result.Valid[c] = averagePrecision(ap.buf.scores[c], ap.buf.labels[c])
	}
	result.Macro = stat.Mean(result.PerClass, nil)
	return result, nil
}

// averagePrecision walks the predictions from highest to lowest score,
// summing the precision at each positive; dividing by the positive count
// integrates precision over the recall steps.
func averagePrecision(scores []float64, labels []bool) (float64, bool) {
	totalPos := 0
	for _, l := range labels {
		if l {
			totalPos++
		}
	}
	if totalPos == 0 {
		return 0, false
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	tp, fp := 0, 0
	sum := 0.0
	for _, i := range order {
		if labels[i] {
			tp++
			sum += float64(tp) / float64(tp+fp)
		} else {
			fp++
		}
	}
	return sum / float64(totalPos), true
}

// AUROC accumulates predicted probabilities and multi-hot targets and
// computes the area under each class's ROC curve. A class needs at least one
// positive and one negative example to be scored.
type AUROC struct {
	buf scoreBuffer
}

// NewAUROC creates an accumulator over numClasses classes.
func NewAUROC(numClasses int) *AUROC {
	return &AUROC{buf: newScoreBuffer(numClasses)}
}

// Classes returns the number of classes the accumulator tracks.
func (a *AUROC) Classes() int {
	return a.buf.classes
}

// Update appends a batch of probabilities and targets, both shaped
// [batch, classes]. Targets above 0.5 count as positive.
func (a *AUROC) Update(probs, targets *tensor.Tensor) error {
	return a.buf.update(probs, targets)
}

// ExamplesSeen returns the number of examples accumulated since the last
// reset.
func (a *AUROC) ExamplesSeen() int {
	return a.buf.seen
}

// Reset clears the accumulated state.
func (a *AUROC) Reset() {
	a.buf.reset()
}

// Merge folds another accumulator's state into this one.
func (a *AUROC) Merge(other *AUROC) error {
	return a.buf.merge(&other.buf)
}

// Compute scores every class over the accumulated examples. It errors when
// nothing has been accumulated.
func (a *AUROC) Compute() (*MetricResult, error) {
	if a.buf.seen == 0 {
		return nil, fmt.Errorf("no examples accumulated")
	}

	result := &MetricResult{
		PerClass: make([]float64, a.buf.classes),
		Valid:    make([]bool, a.buf.classes),
	}
	for c := 0; c < a.buf.classes; c++ {
		result.PerClass[c], result.Valid[c] = areaUnderROC(a.buf.scores[c], a.buf.labels[c])
	}
	result.Macro = stat.Mean(result.PerClass, nil)
	return result, nil
}

// areaUnderROC builds the ROC curve over all cutoffs and integrates it with
// the trapezoidal rule. The curve comes back ordered by ascending threshold,
// so the false positive rate falls from one to zero across it.
func areaUnderROC(scores []float64, labels []bool) (float64, bool) {
	pos, neg := 0, 0
	for _, l := range labels {
		if l {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, false
	}

	y := append([]float64(nil), scores...)
	classes := append([]bool(nil), labels...)
	stat.SortWeightedLabeled(y, classes, nil)

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)

	auc := 0.0
	for i := 0; i+1 < len(fpr); i++ {
		auc += (fpr[i] - fpr[i+1]) * (tpr[i] + tpr[i+1]) / 2
	}
	return auc, true
}
