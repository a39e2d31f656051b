package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mchmarny/sepeval/pkg/data"
	"github.com/mchmarny/sepeval/pkg/logging"
	urfave "github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	appConfigKey = "app-config"

	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""

	debugFlag = &urfave.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs (optional, default: false)",
	}

	dbFilePathFlag = &urfave.StringFlag{
		Name:  "db",
		Usage: "Path to the Sqlite result store (optional, results are not stored when empty)",
	}

	formatFlag = &urfave.StringFlag{
		Name:  "format",
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}
)

// Execute creates and runs the CLI application.
func Execute() {
	initLogging(false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp()
	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		stop()
		os.Exit(1)
	}
}

type appConfig struct {
	DBPath string
	Debug  bool
	Format string
	DB     *sql.DB
}

func getConfig(c *urfave.Context) *appConfig {
	return c.App.Metadata[appConfigKey].(*appConfig)
}

// logLevel returns the level selected by the global flags.
func (cfg *appConfig) logLevel() slog.Level {
	if cfg.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func newApp() *urfave.App {
	return &urfave.App{
		Name:                 "sepeval",
		Version:              fmt.Sprintf("%s (%s - %s)", version, commit, date),
		Compiled:             time.Now(),
		EnableBashCompletion: true,
		HideHelpCommand:      true,
		Usage:                "Evaluate audio source separation checkpoints with cSDR and uSDR",
		Flags: []urfave.Flag{
			debugFlag,
			dbFilePathFlag,
			formatFlag,
		},
		Commands: []*urfave.Command{
			evaluateCmd,
			sweepCmd,
			historyCmd,
			resetCmd,
		},
		Before: func(c *urfave.Context) error {
			if c.Bool(debugFlag.Name) {
				initLogging(true)
			}

			cfg := &appConfig{
				DBPath: c.String(dbFilePathFlag.Name),
				Debug:  c.Bool(debugFlag.Name),
				Format: formatJSON,
			}

			f := c.String(formatFlag.Name)
			if f == formatYAML || f == "yml" {
				cfg.Format = formatYAML
			}

			if cfg.DBPath != "" {
				if err := data.Init(cfg.DBPath); err != nil {
					return fmt.Errorf("initializing database: %w", err)
				}

				db, err := data.GetDB(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("opening database: %w", err)
				}
				cfg.DB = db
			}

			c.App.Metadata[appConfigKey] = cfg
			return nil
		},
		After: func(c *urfave.Context) error {
			if cfg, ok := c.App.Metadata[appConfigKey].(*appConfig); ok && cfg.DB != nil {
				cfg.DB.Close()
			}
			return nil
		},
	}
}

func initLogging(debug bool) {
	level := "info"
	if debug {
		level = "debug"
	}
	logging.SetDefaultCLILogger(level)
}

func encode(c *urfave.Context, v any) error {
	var w io.Writer = os.Stdout
	if c.App.Writer != nil {
		w = c.App.Writer
	}

	if getConfig(c).Format == formatYAML {
		return yaml.NewEncoder(w).Encode(v)
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
