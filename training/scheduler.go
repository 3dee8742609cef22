package training

import (
	"math"
)

// Scheduler stepping intervals understood by OptimizerConfig.
const (
	IntervalEpoch = "epoch"
	IntervalStep  = "step"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch/step counters so a training
// harness can resume from any point without replaying history.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step.
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs.
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially per epoch.
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler.
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals the learning rate from the base LR down
// to EtaMin over TMax epochs along a half cosine. The schedule is periodic:
// past TMax the same closed form climbs back toward the base LR, reaching it
// again at 2*TMax. There is no clamping at TMax.
type CosineAnnealingLRScheduler struct {
	TMax   int     // Epochs from base LR down to EtaMin
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler.
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains a constant learning rate.
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig pairs a scheduler with its stepping cadence: Interval names
// the counter that drives it and Frequency applies it every N intervals.
// A zero Frequency means every interval.
type SchedulerConfig struct {
	Scheduler LRScheduler
	Interval  string
	Frequency int
}

// OptimizerConfig is what a model's optimizer assembly hands to the training
// harness: the optimizer over the model's trainable parameters plus an
// optional learning rate schedule. BaseLR is the rate the schedule anneals
// from; when zero it is captured from the optimizer on first use.
type OptimizerConfig struct {
	Optimizer Optimizer
	Scheduler *SchedulerConfig
	BaseLR    float64
}

// AdvanceEpoch applies an epoch-interval scheduler at an epoch boundary,
// setting the resulting learning rate on the optimizer and announcing it
// through log when one is given. It returns the learning rate now in effect.
func (oc *OptimizerConfig) AdvanceEpoch(epoch int, log Logger) float64 {
	return oc.advance(IntervalEpoch, epoch, 0, epoch, log)
}

// AdvanceStep applies a step-interval scheduler after an optimizer step.
func (oc *OptimizerConfig) AdvanceStep(step int, log Logger) float64 {
	return oc.advance(IntervalStep, 0, step, step, log)
}

func (oc *OptimizerConfig) advance(interval string, epoch, step, tick int, log Logger) float64 {
	lr := oc.Optimizer.GetLR()
	sc := oc.Scheduler
	if sc == nil || sc.Scheduler == nil {
		return lr
	}
	if sc.Interval != "" && sc.Interval != interval {
		return lr
	}
	freq := sc.Frequency
	if freq <= 0 {
		freq = 1
	}
	if tick%freq != 0 {
		return lr
	}

	if oc.BaseLR == 0 {
		oc.BaseLR = lr
	}
	lr = sc.Scheduler.GetLR(epoch, step, oc.BaseLR)
	oc.Optimizer.SetLR(lr)
	if log != nil {
		log.Info("learning rate adjusted", "scheduler", sc.Scheduler.GetName(), interval, tick, "lr", lr)
	}
	return lr
}
