package reporting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-launch/metrics"
	"github.com/ethereum-optimism/infra/op-launch/types"
)

var (
	// ErrSinkClosed is returned when publishing to a sink that was closed
	ErrSinkClosed = errors.New("sink is closed")
	// ErrSinkPanicked wraps a panic raised by a sink while publishing
	ErrSinkPanicked = errors.New("sink panicked")
)

// Sink consumes finished reports
type Sink interface {
	Name() string
	Publish(ctx context.Context, report *types.Report) error
}

// LoggingSink logs a one-line summary at info and the payload at debug
type LoggingSink struct {
	log log.Logger
}

var _ Sink = (*LoggingSink)(nil)

func NewLoggingSink(logger log.Logger) *LoggingSink {
	return &LoggingSink{log: logger}
}

func (s *LoggingSink) Name() string {
	return "logging"
}

func (s *LoggingSink) Publish(_ context.Context, report *types.Report) error {
	data, err := MarshalReport(report, false)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	logSummary(s.log, report, len(data))
	s.log.Debug("Report payload", "json", string(data))
	return nil
}

func logSummary(l log.Logger, report *types.Report, size int) {
	stats := report.Stats()
	class := ""
	if report.Root != nil {
		class = report.Root.Name
	}
	l.Info("Publishing report",
		"class", class,
		"tests", stats.Total,
		"failed", stats.Failed+stats.Aborted,
		"bytes", size,
		"launchId", report.Header.LaunchID)
}

// WriterSink writes one JSON document per report to w
type WriterSink struct {
	log    log.Logger
	name   string
	pretty bool

	mu sync.Mutex
	w  io.Writer
}

var _ Sink = (*WriterSink)(nil)

func NewWriterSink(logger log.Logger, w io.Writer, pretty bool) *WriterSink {
	return &WriterSink{log: logger, name: "writer", w: w, pretty: pretty}
}

// NewStdoutSink echoes reports to the process output
func NewStdoutSink(logger log.Logger, pretty bool) *WriterSink {
	s := NewWriterSink(logger, os.Stdout, pretty)
	s.name = "stdout"
	return s
}

func (s *WriterSink) Name() string {
	return s.name
}

func (s *WriterSink) Publish(_ context.Context, report *types.Report) error {
	data, err := MarshalReport(report, s.pretty)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	logSummary(s.log, report, len(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// FileSink writes each report under <baseDir>/testrun-<launchId>/ as
// <group>.json and appends its table to summary.log
type FileSink struct {
	log       log.Logger
	baseDir   string
	formatter *TableFormatter

	mu sync.Mutex
}

var _ Sink = (*FileSink)(nil)

func NewFileSink(logger log.Logger, baseDir string) *FileSink {
	return &FileSink{
		log:       logger,
		baseDir:   baseDir,
		formatter: NewTableFormatter("Launch Summary", true),
	}
}

func (s *FileSink) Name() string {
	return "file"
}

// RunDir returns the directory reports of a launch are written to
func (s *FileSink) RunDir(launchID string) string {
	return runDir(s.baseDir, launchID)
}

func runDir(baseDir, launchID string) string {
	return filepath.Join(baseDir, "testrun-"+safeFilename(launchID))
}

func (s *FileSink) Publish(_ context.Context, report *types.Report) error {
	data, err := MarshalReport(report, true)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	summary, err := s.formatter.Format(report)
	if err != nil {
		return fmt.Errorf("failed to format summary: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(report.Header.LaunchID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	reportFile := filepath.Join(dir, reportFilename(report, ".json"))
	if err := os.WriteFile(reportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "summary.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open summary file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(summary); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}

	s.log.Info("Wrote report", "file", reportFile)
	return nil
}

func reportFilename(report *types.Report, ext string) string {
	if report.Root == nil || report.Root.Name == "" {
		return "report" + ext
	}
	return safeFilename(report.Root.Name) + ext
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func safeFilename(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// MultiSink fans a report out to every sink concurrently. Errors are joined.
type MultiSink struct {
	sinks []Sink
}

var _ Sink = (*MultiSink)(nil)

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Name() string {
	return "multi"
}

func (s *MultiSink) Publish(ctx context.Context, report *types.Report) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, sink := range s.sinks {
		p.Go(func(ctx context.Context) error {
			start := time.Now()
			err := safePublish(ctx, sink, report)
			metrics.RecordPublish(sink.Name(), err, time.Since(start))
			if err != nil {
				return fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// AsyncSink hands reports to a single background worker so Publish returns
// immediately. Close drains the queue.
type AsyncSink struct {
	log   log.Logger
	inner Sink
	queue chan asyncItem
	wg    conc.WaitGroup

	failures atomic.Int64

	mu     sync.Mutex
	closed bool
}

type asyncItem struct {
	ctx    context.Context
	report *types.Report
}

var _ Sink = (*AsyncSink)(nil)

func NewAsyncSink(logger log.Logger, inner Sink, queueSize int) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 16
	}
	s := &AsyncSink{
		log:   logger,
		inner: inner,
		queue: make(chan asyncItem, queueSize),
	}
	s.wg.Go(s.processQueue)
	return s
}

func (s *AsyncSink) Name() string {
	return "async." + s.inner.Name()
}

// Publish enqueues the report. It blocks only while the queue is full.
func (s *AsyncSink) Publish(ctx context.Context, report *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- asyncItem{ctx: context.WithoutCancel(ctx), report: report}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) processQueue() {
	for item := range s.queue {
		start := time.Now()
		err := safePublish(item.ctx, s.inner, item.report)
		metrics.RecordPublish(s.Name(), err, time.Since(start))
		if err != nil {
			s.failures.Add(1)
			s.log.Error("Background publish failed", "sink", s.inner.Name(), "launchId", item.report.Header.LaunchID, "err", err)
		}
	}
}

// safePublish turns a panic in sink into an error, so one broken sink cannot
// take down the caller or a background worker
func safePublish(ctx context.Context, sink Sink, report *types.Report) (err error) {
	var pc panics.Catcher
	pc.Try(func() {
		err = sink.Publish(ctx, report)
	})
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("%w: %v", ErrSinkPanicked, r.Value)
	}
	return err
}

// Failures counts reports the worker failed to publish
func (s *AsyncSink) Failures() int {
	return int(s.failures.Load())
}

// Close stops accepting reports and waits for queued ones to be published
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
