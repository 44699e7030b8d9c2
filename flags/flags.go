package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"

	"github.com/ethereum-optimism/infra/op-launch/eventlog"
	"github.com/ethereum-optimism/infra/op-launch/service"
)

const EnvVarPrefix = "OP_LAUNCH"

var (
	Events = &cli.StringFlag{
		Name:     "events",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "EVENTS"),
		Usage:    "Path to the recorded lifecycle stream, or '-' to read stdin",
	}
	Format = &cli.StringFlag{
		Name:    "format",
		Value:   string(eventlog.FormatLifecycle),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FORMAT"),
		Usage:   "Stream format: 'lifecycle' records or 'gotest' (go test -json output)",
		Action: func(_ *cli.Context, v string) error {
			_, err := eventlog.ParseFormat(v)
			return err
		},
	}
	Properties = &cli.StringFlag{
		Name:    "properties",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROPERTIES"),
		Usage:   "Path to a yaml or toml properties file (eg. 'launch.yaml')",
	}
	OutputDir = &cli.StringFlag{
		Name:    "output-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT_DIR"),
		Usage:   "Directory to write testrun-<launchId>/ report files into. Empty disables the file sink.",
	}
	HTML = &cli.BoolFlag{
		Name:    "html",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HTML"),
		Usage:   "Also render an HTML page per report into the output directory",
	}
	Stdout = &cli.BoolFlag{
		Name:    "stdout",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STDOUT"),
		Usage:   "Echo each report as a JSON document on stdout",
	}
	Pretty = &cli.BoolFlag{
		Name:    "pretty",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PRETTY"),
		Usage:   "Indent JSON reports",
	}
	Async = &cli.BoolFlag{
		Name:    "async",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ASYNC"),
		Usage:   "Publish reports on a background worker",
	}
	AsyncQueue = &cli.IntFlag{
		Name:    "async-queue",
		Value:   16,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ASYNC_QUEUE"),
		Usage:   "Number of reports the background worker may buffer",
		Action: func(_ *cli.Context, v int) error {
			if v < 1 {
				return fmt.Errorf("async-queue must be at least 1, got %d", v)
			}
			return nil
		},
	}
	Summary = &cli.BoolFlag{
		Name:    "summary",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SUMMARY"),
		Usage:   "Print a results table for every finished report",
	}
	ShowFailures = &cli.BoolFlag{
		Name:    "show-failures",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_FAILURES"),
		Usage:   "List failure details under the results table",
	}
	LaunchID = &cli.StringFlag{
		Name:    "launch-id",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LAUNCH_ID"),
		Usage:   "Seed for the run identity; only the part before the first '-' is kept as the base",
	}
	LaunchIDMaxLength = &cli.IntFlag{
		Name:    "launch-id-max-length",
		Value:   50,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LAUNCH_ID_MAX_LENGTH"),
		Usage:   "Maximum length of the generated run identity",
	}
	ModuleDir = &cli.StringFlag{
		Name:    "module-dir",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MODULE_DIR"),
		Usage:   "Directory holding the go.mod and git checkout of the code under test",
	}
	MetricsEnabled = &cli.BoolFlag{
		Name:    "metrics.enabled",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "METRICS_ENABLED"),
		Usage:   "Serve prometheus metrics while the stream is replayed",
	}
	MetricsAddr = &cli.StringFlag{
		Name:    "metrics.addr",
		Value:   service.DefaultMetricsAddr,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "METRICS_ADDR"),
		Usage:   "Metrics listening address",
	}
	HealthzEnabled = &cli.BoolFlag{
		Name:    "healthz.enabled",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ENABLED"),
		Usage:   "Serve /healthz while the stream is replayed",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   service.DefaultHealthzAddr,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Healthz listening address",
	}
)

var requiredFlags = []cli.Flag{
	Events,
}

var optionalFlags = []cli.Flag{
	Format,
	Properties,
	OutputDir,
	HTML,
	Stdout,
	Pretty,
	Async,
	AsyncQueue,
	Summary,
	ShowFailures,
	LaunchID,
	LaunchIDMaxLength,
	ModuleDir,
	MetricsEnabled,
	MetricsAddr,
	HealthzEnabled,
	HealthzAddr,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
