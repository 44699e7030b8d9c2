package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/infra/op-launch/coordinator"
	"github.com/ethereum-optimism/infra/op-launch/eventlog"
	"github.com/ethereum-optimism/infra/op-launch/identity"
	"github.com/ethereum-optimism/infra/op-launch/properties"
	"github.com/ethereum-optimism/infra/op-launch/reporting"
	"github.com/ethereum-optimism/infra/op-launch/service"
	"github.com/ethereum-optimism/infra/op-launch/types"
	"github.com/ethereum-optimism/infra/op-launch/ui"
	"github.com/ethereum-optimism/infra/op-launch/versioninfo"
)

// Launch implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Launch{}

// Launch replays one recorded lifecycle stream into a coordinator, publishes
// every finished report and exits.
type Launch struct {
	config  *Config
	version string

	coordinator *coordinator.Coordinator
	sink        reporting.Sink
	async       *reporting.AsyncSink
	svc         *service.Service

	mu      sync.Mutex
	stats   eventlog.ReplayStats
	reports []*types.Report

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(config *Config, version string, shutdownCallback func(error)) (*Launch, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Check(); err != nil {
		return nil, err
	}
	if config.Out == nil {
		config.Out = os.Stdout
	}
	if config.Stdin == nil {
		config.Stdin = os.Stdin
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	config.Log.Debug("Creating launch with config",
		"events", config.EventsPath,
		"format", config.Format,
		"properties", config.PropertiesPath,
		"outputDir", config.OutputDir,
		"async", config.Async)

	l := &Launch{
		config:           config,
		version:          version,
		shutdownCallback: shutdownCallback,
	}
	sink, err := l.buildSink()
	if err != nil {
		return nil, err
	}
	l.sink = sink
	if config.Service.HealthzEnabled || config.Service.MetricsEnabled {
		l.svc = service.New(config.Service)
	}
	l.coordinator = coordinator.New(coordinator.Config{
		Log: config.Log,
		Identity: identity.New(
			identity.WithSeed(config.LaunchIDSeed),
			identity.WithMaxLength(config.LaunchIDMaxLength),
		),
		Sink:        l.sink,
		Properties:  properties.NewFileSource(config.Log, config.PropertiesPath),
		VersionInfo: versioninfo.NewDetector(config.Log, config.ModuleDir),
	})
	return l, nil
}

// buildSink always logs, then adds the stdout, file and html sinks when configured
func (l *Launch) buildSink() (reporting.Sink, error) {
	sinks := []reporting.Sink{reporting.NewLoggingSink(l.config.Log)}
	if l.config.Stdout {
		sinks = append(sinks, reporting.NewWriterSink(l.config.Log, l.config.Out, l.config.Pretty))
	}
	if l.config.OutputDir != "" {
		sinks = append(sinks, reporting.NewFileSink(l.config.Log, l.config.OutputDir))
	}
	if l.config.HTML {
		html, err := reporting.NewHTMLSink(l.config.Log, l.config.OutputDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, html)
	}
	var sink reporting.Sink = reporting.NewMultiSink(sinks...)
	if l.config.Async {
		l.async = reporting.NewAsyncSink(l.config.Log, sink, l.config.AsyncQueue)
		sink = l.async
	}
	return sink, nil
}

// Start replays the stream to completion.
// Start implements the cliapp.Lifecycle interface.
func (l *Launch) Start(ctx context.Context) error {
	l.running.Store(true)
	l.config.Log.Info("Starting op-launch", "version", l.version, "events", l.config.EventsPath)
	if l.svc != nil {
		l.svc.Start(ctx)
	}

	err := l.run(ctx)
	if err != nil && !IsTestFailureError(err) {
		l.config.Log.Error("Runtime error replaying events", "error", err)
		return err
	}
	if err != nil {
		l.config.Log.Warn("Launch completed with failures, returning exit code 1")
		return err
	}

	l.config.Log.Info("Events replayed, exiting")
	go func() {
		l.shutdownCallback(nil)
	}()
	return nil
}

func (l *Launch) run(ctx context.Context) error {
	stream, closeStream, err := l.openStream()
	if err != nil {
		return NewRuntimeError(StageStream, err)
	}
	defer closeStream()

	dec := eventlog.NewDecoder(stream,
		eventlog.WithFormat(l.config.Format),
		eventlog.WithLogger(l.config.Log))
	stats, replayErr := eventlog.Replay(ctx, l.config.Log, dec, l.coordinator)

	// Whatever was read so far is still reported
	if err := l.coordinator.FinalizeOpen(ctx); err != nil {
		if errors.Is(err, coordinator.ErrPublishFailed) {
			stats.PublishFailed++
		} else {
			l.config.Log.Error("Failed to finalize open groups", "err", err)
		}
	}
	if l.async != nil {
		_ = l.async.Close()
		stats.PublishFailed += l.async.Failures()
	}
	reports := l.coordinator.Reports()

	l.mu.Lock()
	l.stats = stats
	l.reports = reports
	l.mu.Unlock()

	l.config.Log.Info("Replay finished",
		"events", stats.Events,
		"rejected", stats.Rejected,
		"reports", len(reports),
		"publishFailed", stats.PublishFailed)

	if l.config.Summary {
		l.printSummaries(reports)
	}

	if replayErr != nil {
		return NewRuntimeError(StageReplay, fmt.Errorf("%s: %w", l.config.EventsPath, replayErr))
	}
	if stats.PublishFailed > 0 {
		return NewRuntimeError(StagePublish, fmt.Errorf("%d report(s) could not be published", stats.PublishFailed))
	}
	if failed := newTestFailureError(reports); failed != nil {
		return failed
	}
	return nil
}

func (l *Launch) openStream() (io.Reader, func(), error) {
	if l.config.EventsPath == StdinPath {
		return l.config.Stdin, func() {}, nil
	}
	f, err := os.Open(l.config.EventsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open events file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

const summaryBoxWidth = 64

func (l *Launch) printSummaries(reports []*types.Report) {
	formatter := reporting.NewTableFormatter("Launch Summary", l.config.ShowFailures)
	for _, report := range reports {
		out, err := formatter.Format(report)
		if err != nil {
			l.config.Log.Error("Failed to format summary", "launchId", report.Header.LaunchID, "err", err)
			continue
		}
		fmt.Fprint(l.config.Out, launchBox(report))
		fmt.Fprintln(l.config.Out, out)
	}
}

// launchBox frames the header fields of a report
func launchBox(report *types.Report) string {
	h := report.Header
	var b strings.Builder
	b.WriteString(ui.BuildBoxHeader("Launch "+h.LaunchID, summaryBoxWidth))
	for _, line := range [][2]string{
		{"Application", h.ApplicationName},
		{"Environment", h.RunEnvironment},
		{"User", h.User},
		{"Branch", h.GitBranch},
		{"Runtime", h.RuntimeVersion},
	} {
		if line[1] == "" {
			continue
		}
		b.WriteString(ui.BuildBoxLine(fmt.Sprintf("%-12s %s", line[0]+":", line[1]), summaryBoxWidth))
	}
	if h.Regression {
		b.WriteString(ui.BuildBoxLine("Regression run", summaryBoxWidth))
	}
	b.WriteString(ui.BuildBoxFooter(summaryBoxWidth))
	return b.String()
}

// Stop implements the cliapp.Lifecycle interface.
func (l *Launch) Stop(ctx context.Context) error {
	l.config.Log.Info("Stopping op-launch")
	if !l.running.Swap(false) {
		l.config.Log.Debug("Already stopped, nothing to do")
		return nil
	}
	if l.svc != nil {
		l.svc.Shutdown()
	}
	if l.async != nil {
		return l.async.Close()
	}
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (l *Launch) Stopped() bool {
	return !l.running.Load()
}

// Reports returns the reports of the last Start
func (l *Launch) Reports() []*types.Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reports
}

// Stats returns the replay counters of the last Start
func (l *Launch) Stats() eventlog.ReplayStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
