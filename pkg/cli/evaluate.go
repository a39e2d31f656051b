package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mchmarny/sepeval/pkg/checkpoint"
	"github.com/mchmarny/sepeval/pkg/config"
	"github.com/mchmarny/sepeval/pkg/data"
	"github.com/mchmarny/sepeval/pkg/dataset"
	"github.com/mchmarny/sepeval/pkg/device"
	"github.com/mchmarny/sepeval/pkg/eval"
	"github.com/mchmarny/sepeval/pkg/inference"
	"github.com/mchmarny/sepeval/pkg/logging"
	"github.com/mchmarny/sepeval/pkg/model"
	"github.com/mchmarny/sepeval/pkg/report"
	"github.com/urfave/cli/v2"
)

var (
	runDirFlag = &cli.StringFlag{
		Name:     "run-dir",
		Usage:    "Training run directory holding tb_logs/hparams.yaml and weights/",
		Required: true,
	}

	ckptFlag = &cli.StringFlag{
		Name:     "ckpt",
		Usage:    "Checkpoint file name in the weights directory, including extension",
		Required: true,
	}

	deviceFlag = &cli.StringFlag{
		Name:  "device",
		Usage: "Device to run the model on [cuda, cpu], falls back to cpu without an accelerator",
		Value: string(device.CUDA),
	}

	exampleTimeoutFlag = &cli.DurationFlag{
		Name:  "example-timeout",
		Usage: "Deadline for a single prediction (optional, default: none)",
	}

	checkpointTimeoutFlag = &cli.DurationFlag{
		Name:  "checkpoint-timeout",
		Usage: "Deadline for loading and evaluating one checkpoint (optional, default: none)",
	}

	skipFailedExamplesFlag = &cli.BoolFlag{
		Name:  "skip-failed-examples",
		Usage: "Count and log failed predictions instead of aborting (optional, default: false)",
	}

	metricsFileFlag = &cli.StringFlag{
		Name:  "metrics-file",
		Usage: "Write summaries in Prometheus textfile format to this path (optional)",
	}

	evaluateCmd = &cli.Command{
		Name:    "evaluate",
		Aliases: []string{"e"},
		Usage:   "Evaluate a single checkpoint of a training run",
		Action:  cmdEvaluate,
		Flags: append([]cli.Flag{
			ckptFlag,
		}, evalFlags()...),
	}
)

// evalFlags are shared by the commands running evaluations.
func evalFlags() []cli.Flag {
	return []cli.Flag{
		runDirFlag,
		deviceFlag,
		exampleTimeoutFlag,
		checkpointTimeoutFlag,
		skipFailedExamplesFlag,
		metricsFileFlag,
	}
}

// evalOptions are the parsed evaluation flags.
type evalOptions struct {
	RunDir             string
	Device             string
	ExampleTimeout     time.Duration
	CheckpointTimeout  time.Duration
	SkipFailedExamples bool
	SkipFailedCkpts    bool
	MetricsFile        string
}

func parseEvalOptions(c *cli.Context) *evalOptions {
	return &evalOptions{
		RunDir:             c.String(runDirFlag.Name),
		Device:             c.String(deviceFlag.Name),
		ExampleTimeout:     c.Duration(exampleTimeoutFlag.Name),
		CheckpointTimeout:  c.Duration(checkpointTimeoutFlag.Name),
		SkipFailedExamples: c.Bool(skipFailedExamplesFlag.Name),
		MetricsFile:        c.String(metricsFileFlag.Name),
	}
}

// refSelector picks the checkpoints of a run to evaluate.
type refSelector func(l config.Layout) ([]checkpoint.Ref, error)

func cmdEvaluate(c *cli.Context) error {
	name := c.String(ckptFlag.Name)
	return runEvaluation(c, parseEvalOptions(c), func(l config.Layout) ([]checkpoint.Ref, error) {
		ref, err := checkpoint.Resolve(l.RunDir, l.WeightsDir(), name)
		if err != nil {
			return nil, err
		}
		return []checkpoint.Ref{ref}, nil
	})
}

func policy(skip bool) eval.FailurePolicy {
	if skip {
		return eval.FailSkip
	}
	return eval.FailAbort
}

// runEvaluation loads the run configuration, evaluates the selected
// checkpoints, and reports the results to the run log, the store, the
// metrics file and the output.
func runEvaluation(c *cli.Context, opts *evalOptions, selectRefs refSelector) error {
	cfg := getConfig(c)
	layout := config.NewLayout(opts.RunDir)

	runLog, err := logging.OpenRunLog(layout.LogPath())
	if err != nil {
		return err
	}
	defer runLog.Close()

	console := c.App.ErrWriter
	if console == nil {
		console = os.Stderr
	}
	logger := runLog.Logger(console, cfg.logLevel())
	start := time.Now()

	logger.Info("Starting evaluation...")

	hp, err := config.Load(layout.HParamsPath())
	if err != nil {
		return logFatal(logger, err)
	}
	logger.Info("Used model: " + layout.HParamsPath())

	requested, err := device.Parse(opts.Device)
	if err != nil {
		return logFatal(logger, err)
	}
	dev := device.Resolve(requested, device.AcceleratorAvailable)
	if dev != requested {
		logger.Warn("Accelerator not available, falling back", "requested", requested, "device", dev)
	}

	refs, err := selectRefs(layout)
	if err != nil {
		return logFatal(logger, err)
	}

	logger.Info("Initializing the dataset...")
	ds, err := dataset.NewTrackFolder(hp.DatasetOptions(layout.RunDir))
	if err != nil {
		return logFatal(logger, err)
	}
	logger.Debug("dataset indexed", "tracks", ds.Len(), "targets", hp.TestDataset.Targets)

	logger.Info("Initializing the separator...")
	m, err := model.New(hp.ModelConfig())
	if err != nil {
		return logFatal(logger, err)
	}
	adapter := inference.New(m, dev)
	logger.Debug("separator ready", "model", m.Config().String(), "device", dev, "params", len(m.Schema()))

	run := data.NewRun(layout.RunDir, hp.Model.Name, dev.String())
	if cfg.DB != nil {
		if err := data.SaveRun(cfg.DB, run); err != nil {
			return logFatal(logger, err)
		}
	}

	sweep := &eval.Sweep{
		Adapter: adapter,
		Loader:  checkpoint.NewLoader(hp.StripPrefixes(), logger),
		Dataset: ds,
		Loop: &eval.Loop{
			Metric:         hp.MetricOptions(),
			OnFailure:      policy(opts.SkipFailedExamples),
			ExampleTimeout: opts.ExampleTimeout,
			Logger:         logger,
		},
		OnFailure:         policy(opts.SkipFailedCkpts),
		CheckpointTimeout: opts.CheckpointTimeout,
		Logger:            logger,
		OnReport: func(r *eval.CheckpointResult) error {
			if cfg.DB == nil {
				return nil
			}
			return data.SaveCheckpointResult(cfg.DB, run.ID, r.Report())
		},
	}

	logger.Info("Starting evaluation run...")
	res, runErr := sweep.Run(c.Context, refs)
	if res == nil {
		return logFatal(logger, runErr)
	}

	rep := &report.RunReport{
		RunID:       run.ID,
		RunDir:      layout.RunDir,
		Model:       m.Config().String(),
		Device:      dev.String(),
		Duration:    time.Since(start).Round(time.Millisecond).String(),
		Checkpoints: res.Reports(),
	}

	if cfg.DB != nil {
		for _, r := range res.Checkpoints {
			if r.State == eval.StateReported {
				continue
			}
			if err := data.SaveCheckpointResult(cfg.DB, run.ID, r.Report()); err != nil {
				logger.Error("Failed to store checkpoint outcome", "checkpoint", r.Ref.Name, "error", err)
			}
		}
	}

	if opts.MetricsFile != "" {
		if err := report.WriteTextfile(opts.MetricsFile, rep); err != nil {
			logger.Error("Failed to write metrics file", "path", opts.MetricsFile, "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	if runErr != nil {
		return logFatal(logger, runErr)
	}
	logger.Info("Evaluation finished", "checkpoints", len(res.Checkpoints), "duration", rep.Duration)

	if err := encode(c, rep); err != nil {
		return fmt.Errorf("error encoding report: %w", err)
	}
	return nil
}

// logFatal records err in the run log before it is returned to the caller.
func logFatal(logger *slog.Logger, err error) error {
	if err == nil {
		err = errors.New("evaluation did not produce a result")
	}
	logger.Error("Evaluation failed", "error", err)
	return err
}
