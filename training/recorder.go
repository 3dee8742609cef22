package training

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// LogOptions control how a recorded value is reported.
type LogOptions struct {
	OnStep  bool // emit a log line at the step the value is recorded
	OnEpoch bool // fold the value into the per-epoch mean, reported at epoch end
	Sync    bool // mark the value for cross-worker reduction in distributed runs
}

// Recorder accumulates named scalar metrics over an epoch and emits them
// through a Logger. Values flagged OnStep produce a line as they arrive;
// values flagged OnEpoch are averaged and reported when EpochEnd is called.
// The Sync flag is carried on every line so a distributed harness can tell
// which values it is expected to reduce; the recorder itself performs no
// communication.
type Recorder struct {
	log    Logger
	runID  string
	series map[string]*metricSeries
	mutex  sync.Mutex
}

type metricSeries struct {
	sum   float64
	count int
	steps int
	opts  LogOptions
}

// NewRecorder creates a recorder that reports through log. Every emitted line
// carries a fresh run identifier so interleaved runs can be told apart.
func NewRecorder(log Logger) *Recorder {
	if log == nil {
		log = Default()
	}
	runID := uuid.NewString()
	return &Recorder{
		log:    log.With("run", runID),
		runID:  runID,
		series: make(map[string]*metricSeries),
	}
}

// RunID returns the identifier attached to every line this recorder emits.
func (r *Recorder) RunID() string {
	return r.runID
}

// Log records one value for name. OnStep emits the value immediately; OnEpoch
// adds it to the series averaged at EpochEnd. A value recorded with neither
// flag set is dropped.
func (r *Recorder) Log(name string, value float64, opts LogOptions) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s := r.series[name]
	if s == nil {
		s = &metricSeries{}
		r.series[name] = s
	}
	s.opts = opts

	if opts.OnStep {
		r.log.Info("metric", "name", name, "value", value, "step", s.steps, "sync", opts.Sync)
	}
	s.steps++

	if opts.OnEpoch {
		s.sum += value
		s.count++
	}
}

// EpochMean returns the running epoch mean for name, or false when nothing
// has been accumulated for it this epoch.
func (r *Recorder) EpochMean(name string) (float64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s := r.series[name]
	if s == nil || s.count == 0 {
		return 0, false
	}
	return s.sum / float64(s.count), true
}

// EpochEnd reports the epoch mean of every accumulated series, clears the
// accumulators for the next epoch and returns the means by name.
func (r *Recorder) EpochEnd(epoch int) map[string]float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	names := make([]string, 0, len(r.series))
	for name, s := range r.series {
		if s.count > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	means := make(map[string]float64, len(names))
	for _, name := range names {
		s := r.series[name]
		mean := s.sum / float64(s.count)
		means[name] = mean
		r.log.Info("epoch metric", "name", name, "value", mean, "epoch", epoch, "batches", s.count, "sync", s.opts.Sync)
	}

	r.series = make(map[string]*metricSeries)
	return means
}
