package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mchmarny/sepeval/pkg/data"
	"github.com/urfave/cli/v2"
)

var (
	forceFlag = &cli.BoolFlag{
		Name:  "force",
		Usage: "Delete without asking for confirmation (optional, default: false)",
	}

	resetCmd = &cli.Command{
		Name:            "reset",
		Usage:           "Delete all stored results and start fresh",
		HideHelpCommand: true,
		Flags:           []cli.Flag{forceFlag},
		Action:          cmdReset,
	}
)

func cmdReset(c *cli.Context) error {
	cfg := getConfig(c)
	if cfg.DB == nil {
		return errNoStore
	}

	var in io.Reader = os.Stdin
	if c.App.Reader != nil {
		in = c.App.Reader
	}
	out := c.App.Writer

	if !c.Bool(forceFlag.Name) {
		fmt.Fprintf(out, "This will permanently delete all results in %s\n", cfg.DBPath)
		fmt.Fprint(out, "Are you sure? [y/N]: ")

		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	// close the DB before deleting the file
	cfg.DB.Close()
	cfg.DB = nil

	if err := os.Remove(cfg.DBPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting database: %w", err)
	}

	slog.Info("database deleted", "path", cfg.DBPath)

	if err := data.Init(cfg.DBPath); err != nil {
		return fmt.Errorf("re-initializing database: %w", err)
	}

	slog.Info("database re-initialized", "path", cfg.DBPath)
	fmt.Fprintln(out, "Reset complete.")
	return nil
}
