package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mchmarny/sepeval/pkg/data"
	"github.com/urfave/cli/v2"
)

const (
	historyLimitDefault = 100
)

var (
	errNoStore = errors.New("result store not configured, set --db")

	historyRunDirFlag = &cli.StringFlag{
		Name:  "run-dir",
		Usage: "Only list results of this run directory (optional)",
	}

	historyLimitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Limits number of checkpoints returned",
		Value: historyLimitDefault,
	}

	historyCmd = &cli.Command{
		Name:    "history",
		Aliases: []string{"h"},
		Usage:   "List stored metric summaries, newest run first",
		Action:  cmdHistory,
		Flags: []cli.Flag{
			historyRunDirFlag,
			historyLimitFlag,
		},
	}
)

func cmdHistory(c *cli.Context) error {
	cfg := getConfig(c)
	if cfg.DB == nil {
		return errNoStore
	}

	runDir := c.String(historyRunDirFlag.Name)
	limit := c.Int(historyLimitFlag.Name)
	slog.Debug("query history", "run_dir", runDir, "limit", limit)

	list, err := data.GetSummaries(cfg.DB, runDir, limit)
	if err != nil {
		return fmt.Errorf("failed to query history: %w", err)
	}

	if err := encode(c, list); err != nil {
		return fmt.Errorf("error encoding list: %w", err)
	}
	return nil
}
