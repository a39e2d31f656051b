// Package eval runs a separation model over a test set and sweeps the
// checkpoints of a training run.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mchmarny/sepeval/pkg/dataset"
	"github.com/mchmarny/sepeval/pkg/device"
	"github.com/mchmarny/sepeval/pkg/inference"
	"github.com/mchmarny/sepeval/pkg/metric"
	"github.com/mchmarny/sepeval/pkg/tensor"
)

// FailurePolicy decides what happens when one unit of work fails.
type FailurePolicy int

const (
	// FailAbort stops at the first failure.
	FailAbort FailurePolicy = iota
	// FailSkip logs and counts the failure, then continues.
	FailSkip
)

func (p FailurePolicy) String() string {
	if p == FailSkip {
		return "skip"
	}
	return "abort"
}

// Predictor separates a mixture placed on its device.
type Predictor interface {
	Device() device.Device
	Predict(ctx context.Context, mixture *tensor.Waveform) (tensor.Sources, error)
}

// ExampleError locates a failure within the test set.
type ExampleError struct {
	Checkpoint string
	Index      int
	Name       string
	Err        error
}

func (e *ExampleError) Error() string {
	where := fmt.Sprintf("example %d", e.Index)
	if e.Name != "" {
		where += " (" + e.Name + ")"
	}
	if e.Checkpoint != "" {
		where = "checkpoint " + e.Checkpoint + ", " + where
	}
	return where + ": " + e.Err.Error()
}

func (e *ExampleError) Unwrap() error { return e.Err }

// Samples are the pooled per-example metric values of one evaluation, in
// dataset order.
type Samples struct {
	CSDR []float64 `json:"csdr" yaml:"csdr"`
	USDR []float64 `json:"usdr" yaml:"usdr"`
	// Total is the dataset size.
	Total int `json:"total" yaml:"total"`
	// Silent and Failed hold the indices left out of the sequences.
	Silent []int `json:"silent,omitempty" yaml:"silent,omitempty"`
	Failed []int `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Evaluated is the number of examples that contributed values.
func (s *Samples) Evaluated() int {
	return len(s.CSDR)
}

// ByKind returns the value sequences keyed by metric kind.
func (s *Samples) ByKind() map[metric.Kind][]float64 {
	return map[metric.Kind][]float64{
		metric.CSDR: s.CSDR,
		metric.USDR: s.USDR,
	}
}

// Loop evaluates every example of a dataset exactly once, in index order.
type Loop struct {
	Metric metric.Options
	// OnFailure applies to inference errors only. Dataset and metric
	// errors always abort.
	OnFailure FailurePolicy
	// ExampleTimeout bounds each prediction when positive.
	ExampleTimeout time.Duration
	Logger         *slog.Logger
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Run evaluates p on every example of ds.
func (l *Loop) Run(ctx context.Context, ds dataset.Dataset, p Predictor) (*Samples, error) {
	if ds == nil || p == nil {
		return nil, errors.New("dataset and predictor required")
	}
	logger := l.logger()

	n := ds.Len()
	s := &Samples{CSDR: make([]float64, 0, n), USDR: make([]float64, 0, n), Total: n}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, &ExampleError{Index: i, Err: err}
		}

		ex, err := ds.Item(i)
		if err != nil {
			return nil, &ExampleError{Index: i, Err: fmt.Errorf("loading example: %w", err)}
		}

		pred, err := l.predict(ctx, p, ex)
		if err != nil {
			if l.skippable(ctx, err) {
				logger.Warn("Skipping failed example", "index", i, "name", ex.Name, "error", err)
				s.Failed = append(s.Failed, i)
				continue
			}
			return nil, &ExampleError{Index: i, Name: ex.Name, Err: err}
		}

		res, err := metric.ComputeSDRs(pred, ex.Reference, l.Metric)
		if err != nil {
			return nil, &ExampleError{Index: i, Name: ex.Name, Err: err}
		}
		if res.AllSilent() {
			logger.Warn("Silent reference, example excluded from summary", "index", i, "name", ex.Name)
			s.Silent = append(s.Silent, i)
			continue
		}

		s.CSDR = append(s.CSDR, res.Pooled(metric.CSDR))
		s.USDR = append(s.USDR, res.Pooled(metric.USDR))
		logger.Debug("Evaluated example", "index", i, "name", ex.Name,
			"csdr", res.Pooled(metric.CSDR), "usdr", res.Pooled(metric.USDR))
	}
	return s, nil
}

// predict moves the mixture to the predictor device and the prediction
// back to the host.
func (l *Loop) predict(ctx context.Context, p Predictor, ex *dataset.Example) (tensor.Sources, error) {
	if ex.Mixture == nil {
		return nil, tensor.ErrEmptyWaveform
	}
	if l.ExampleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.ExampleTimeout)
		defer cancel()
	}

	pred, err := p.Predict(ctx, ex.Mixture.To(p.Device()))
	if err != nil {
		return nil, err
	}
	return pred.To(device.CPU), nil
}

func (l *Loop) skippable(ctx context.Context, err error) bool {
	if l.OnFailure != FailSkip || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, inference.ErrNoWeights) && !errors.Is(err, inference.ErrDeviceMismatch)
}
