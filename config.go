package launch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-launch/eventlog"
	"github.com/ethereum-optimism/infra/op-launch/flags"
	"github.com/ethereum-optimism/infra/op-launch/service"
)

// StdinPath selects standard input as the event stream
const StdinPath = "-"

// Config holds the application configuration
type Config struct {
	EventsPath        string          // Recorded stream, or StdinPath
	Format            eventlog.Format // How stream lines are decoded
	PropertiesPath    string          // Optional yaml or toml properties file
	OutputDir         string          // Root of the file sink; empty disables it
	HTML              bool            // Render HTML pages into OutputDir
	Stdout            bool            // Echo JSON reports on Out
	Pretty            bool
	Async             bool // Publish on a background worker
	AsyncQueue        int
	Summary           bool // Print a results table per report
	ShowFailures      bool
	LaunchIDSeed      string
	LaunchIDMaxLength int
	ModuleDir         string // go.mod and git checkout of the code under test
	Service           service.Config

	Stdin io.Reader
	Out   io.Writer
	Log   log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	format, err := eventlog.ParseFormat(ctx.String(flags.Format.Name))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		EventsPath:        ctx.String(flags.Events.Name),
		Format:            format,
		PropertiesPath:    ctx.String(flags.Properties.Name),
		OutputDir:         ctx.String(flags.OutputDir.Name),
		HTML:              ctx.Bool(flags.HTML.Name),
		Stdout:            ctx.Bool(flags.Stdout.Name),
		Pretty:            ctx.Bool(flags.Pretty.Name),
		Async:             ctx.Bool(flags.Async.Name),
		AsyncQueue:        ctx.Int(flags.AsyncQueue.Name),
		Summary:           ctx.Bool(flags.Summary.Name),
		ShowFailures:      ctx.Bool(flags.ShowFailures.Name),
		LaunchIDSeed:      ctx.String(flags.LaunchID.Name),
		LaunchIDMaxLength: ctx.Int(flags.LaunchIDMaxLength.Name),
		ModuleDir:         ctx.String(flags.ModuleDir.Name),
		Service: service.Config{
			HealthzEnabled: ctx.Bool(flags.HealthzEnabled.Name),
			HealthzAddr:    ctx.String(flags.HealthzAddr.Name),
			MetricsEnabled: ctx.Bool(flags.MetricsEnabled.Name),
			MetricsAddr:    ctx.String(flags.MetricsAddr.Name),
		},
		Stdin:             os.Stdin,
		Out:               os.Stdout,
		Log:               log,
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	if cfg.EventsPath != StdinPath {
		if cfg.EventsPath, err = filepath.Abs(cfg.EventsPath); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for events '%s': %w", ctx.String(flags.Events.Name), err)
		}
	}
	return cfg, nil
}

// Check validates the configuration
func (c *Config) Check() error {
	if c.EventsPath == "" {
		return errors.New("events path is required")
	}
	if c.HTML && c.OutputDir == "" {
		return errors.New("html reports need an output directory")
	}
	if c.Async && c.AsyncQueue < 1 {
		return fmt.Errorf("async queue must be at least 1, got %d", c.AsyncQueue)
	}
	if c.LaunchIDMaxLength < 0 {
		return fmt.Errorf("launch id max length must not be negative, got %d", c.LaunchIDMaxLength)
	}
	return nil
}
