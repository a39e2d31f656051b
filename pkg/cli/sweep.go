package cli

import (
	"fmt"

	"github.com/mchmarny/sepeval/pkg/checkpoint"
	"github.com/mchmarny/sepeval/pkg/config"
	"github.com/urfave/cli/v2"
)

var (
	extFlag = &cli.StringFlag{
		Name:  "ext",
		Usage: "Checkpoint file extension [.ckpt, .onnx]",
		Value: checkpoint.DefaultExtension,
	}

	skipFailedFlag = &cli.BoolFlag{
		Name:  "skip-failed",
		Usage: "Skip checkpoints that fail to load or evaluate instead of aborting (optional, default: false)",
	}

	sweepCmd = &cli.Command{
		Name:    "sweep",
		Aliases: []string{"s"},
		Usage:   "Evaluate every checkpoint of a training run in file name order",
		Action:  cmdSweep,
		Flags: append([]cli.Flag{
			extFlag,
			skipFailedFlag,
		}, evalFlags()...),
	}
)

func cmdSweep(c *cli.Context) error {
	opts := parseEvalOptions(c)
	opts.SkipFailedCkpts = c.Bool(skipFailedFlag.Name)
	ext := c.String(extFlag.Name)

	return runEvaluation(c, opts, func(l config.Layout) ([]checkpoint.Ref, error) {
		refs, err := checkpoint.List(l.RunDir, l.WeightsDir(), ext)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("%w: no %s files in %s", checkpoint.ErrCheckpointNotFound, ext, l.WeightsDir())
		}
		return refs, nil
	})
}
