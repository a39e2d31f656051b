package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mchmarny/sepeval/pkg/checkpoint"
	"github.com/mchmarny/sepeval/pkg/dataset"
	"github.com/mchmarny/sepeval/pkg/inference"
	"github.com/mchmarny/sepeval/pkg/metric"
	"github.com/mchmarny/sepeval/pkg/report"
)

// ErrNoSamples marks a checkpoint where no example contributed a value.
var ErrNoSamples = errors.New("no example produced a metric value")

// State is a sweep or checkpoint lifecycle state.
type State string

const (
	StateIdle       State = "IDLE"
	StateLoading    State = "LOADING"
	StateEvaluating State = "EVALUATING"
	StateReported   State = "REPORTED"
	StateSkipped    State = "SKIPPED"
	StateFailed     State = "FAILED"
	StateDone       State = "DONE"
)

// CheckpointResult is the outcome of evaluating one checkpoint.
type CheckpointResult struct {
	Ref       checkpoint.Ref
	State     State
	Info      *checkpoint.Info
	Load      *inference.LoadReport
	Samples   *Samples
	Summaries map[metric.Kind]report.Summary
	Duration  time.Duration
	Err       error
}

// Report converts the result to its printable form.
func (r *CheckpointResult) Report() *report.CheckpointReport {
	rep := &report.CheckpointReport{
		Checkpoint: r.Ref.Name,
		State:      string(r.State),
		Duration:   r.Duration.Round(time.Millisecond).String(),
	}
	if r.Samples != nil {
		rep.Examples = r.Samples.Evaluated()
		rep.Silent = len(r.Samples.Silent)
		rep.Failed = len(r.Samples.Failed)
	}
	if r.Summaries != nil {
		rep.Summaries = report.Ordered(r.Summaries)
	}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	return rep
}

// SweepResult holds checkpoint results in visit order.
type SweepResult struct {
	State       State
	Checkpoints []*CheckpointResult
	Duration    time.Duration
}

// Get returns the result of the named checkpoint.
func (r *SweepResult) Get(name string) (*CheckpointResult, bool) {
	for _, c := range r.Checkpoints {
		if c.Ref.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Reports converts every checkpoint result to its printable form.
func (r *SweepResult) Reports() []*report.CheckpointReport {
	list := make([]*report.CheckpointReport, 0, len(r.Checkpoints))
	for _, c := range r.Checkpoints {
		list = append(list, c.Report())
	}
	return list
}

// Sweep evaluates checkpoints one at a time. It is the only writer of the
// adapter weights while running.
type Sweep struct {
	Adapter *inference.Adapter
	Loader  *checkpoint.Loader
	Dataset dataset.Dataset
	Loop    *Loop
	// OnFailure decides whether a failed checkpoint stops the sweep.
	OnFailure FailurePolicy
	// CheckpointTimeout bounds loading and evaluating one checkpoint when
	// positive.
	CheckpointTimeout time.Duration
	Logger            *slog.Logger
	// OnReport is called with every reported checkpoint. An error fails
	// that checkpoint.
	OnReport func(*CheckpointResult) error

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (s *Sweep) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return StateIdle
	}
	return s.state
}

func (s *Sweep) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sweep) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Run evaluates refs in the given order.
func (s *Sweep) Run(ctx context.Context, refs []checkpoint.Ref) (*SweepResult, error) {
	if s.Adapter == nil || s.Loader == nil || s.Dataset == nil {
		return nil, errors.New("adapter, loader and dataset required")
	}
	if s.Loop == nil {
		s.Loop = &Loop{Logger: s.Logger}
	}
	logger := s.logger()

	start := time.Now()
	out := &SweepResult{State: StateIdle, Checkpoints: make([]*CheckpointResult, 0, len(refs))}
	s.setState(StateIdle)

	for _, ref := range refs {
		res := s.runCheckpoint(ctx, ref)
		out.Checkpoints = append(out.Checkpoints, res)
		if res.Err == nil {
			continue
		}

		if s.OnFailure == FailSkip && ctx.Err() == nil {
			res.State = StateSkipped
			logger.Error("Skipping checkpoint", "checkpoint", ref.Name, "error", res.Err)
			continue
		}

		res.State = StateFailed
		s.setState(StateFailed)
		out.State = StateFailed
		out.Duration = time.Since(start)
		return out, fmt.Errorf("evaluating checkpoint %s: %w", ref.Name, res.Err)
	}

	s.setState(StateDone)
	out.State = StateDone
	out.Duration = time.Since(start)
	return out, nil
}

func (s *Sweep) runCheckpoint(ctx context.Context, ref checkpoint.Ref) *CheckpointResult {
	start := time.Now()
	res := &CheckpointResult{Ref: ref, State: StateLoading}
	defer func() { res.Duration = time.Since(start) }()

	if s.CheckpointTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CheckpointTimeout)
		defer cancel()
	}

	logger := s.logger()
	s.setState(StateLoading)
	logger.Info("Evaluating checkpoint - " + ref.Name)

	w, info, err := s.Loader.LoadWeights(ref.Path, s.Adapter.Device())
	if err != nil {
		res.Err = err
		return res
	}
	res.Info = info
	logger.Debug("Checkpoint decoded", "checkpoint", ref.Name, "format", info.Format,
		"epoch", info.Epoch, "step", info.GlobalStep, "params", info.Params, "dropped", info.Dropped)

	if err := s.Adapter.Wait(ctx); err != nil {
		res.Err = err
		return res
	}
	load, err := s.Adapter.LoadWeights(w)
	if err != nil {
		res.Err = err
		return res
	}
	res.Load = load
	if len(load.Changed) == 0 && len(load.Unchanged) > 0 {
		logger.Warn("Checkpoint weights identical to the previous checkpoint", "checkpoint", ref.Name)
	}
	logger.Debug("Weights installed", "checkpoint", ref.Name,
		"changed", len(load.Changed), "unchanged", len(load.Unchanged))

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	res.State = StateEvaluating
	s.setState(StateEvaluating)
	samples, err := s.Loop.Run(ctx, s.Dataset, s.Adapter)
	if err != nil {
		var exErr *ExampleError
		if errors.As(err, &exErr) {
			exErr.Checkpoint = ref.Name
		}
		res.Err = err
		return res
	}
	res.Samples = samples
	if n := len(samples.Failed); n > 0 {
		logger.Warn("Examples failed", "checkpoint", ref.Name, "count", n)
	}
	if n := len(samples.Silent); n > 0 {
		logger.Warn("Examples with silent reference", "checkpoint", ref.Name, "count", n)
	}

	if samples.Evaluated() == 0 {
		res.Err = fmt.Errorf("%w: %d examples, %d failed, %d silent",
			ErrNoSamples, samples.Total, len(samples.Failed), len(samples.Silent))
		return res
	}

	sums := report.Summarize(samples.ByKind())
	if s.OnReport != nil {
		pending := *res
		pending.State = StateReported
		pending.Summaries = sums
		pending.Duration = time.Since(start)
		if err := s.OnReport(&pending); err != nil {
			res.Err = fmt.Errorf("reporting: %w", err)
			return res
		}
	}

	res.Summaries = sums
	report.Log(logger, ref.Name, sums)
	res.State = StateReported
	s.setState(StateReported)
	return res
}
