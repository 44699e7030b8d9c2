package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

func discard() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

type recordingSink struct {
	name string
	err  error

	mu      sync.Mutex
	reports []*types.Report
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestLoggingSink(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogger(log.NewTerminalHandlerWithLevel(&buf, log.LevelDebug, false))

	require.NoError(t, NewLoggingSink(logger).Publish(context.Background(), sampleReport(t)))

	out := buf.String()
	assert.Contains(t, out, "Publishing report")
	assert.Contains(t, out, "TestLaunch-0123456789ab")
	assert.Contains(t, out, "Report payload")
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(discard(), &buf, false)
	require.NoError(t, sink.Publish(context.Background(), sampleReport(t)))
	require.NoError(t, sink.Publish(context.Background(), sampleReport(t)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "one JSON document per line")
	var doc LaunchJSON
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &doc))
	assert.Equal(t, "TestLaunch-0123456789ab", doc.Header.LaunchID)
	assert.Equal(t, "stdout", NewStdoutSink(discard(), false).Name())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriterSink_WriteError(t *testing.T) {
	err := NewWriterSink(discard(), failingWriter{}, false).Publish(context.Background(), sampleReport(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(discard(), dir)
	report := sampleReport(t)
	require.NoError(t, sink.Publish(context.Background(), report))

	other := sampleReport(t)
	other.Root.Name = "Other Group"
	require.NoError(t, sink.Publish(context.Background(), other))

	runDir := sink.RunDir(report.Header.LaunchID)
	assert.Equal(t, filepath.Join(dir, "testrun-TestLaunch-0123456789ab"), runDir)

	data, err := os.ReadFile(filepath.Join(runDir, "Top.json"))
	require.NoError(t, err)
	var doc LaunchJSON
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.TestClasses, 1)
	assert.Equal(t, "Top", doc.TestClasses[0].ClassName)

	_, err = os.Stat(filepath.Join(runDir, "Other_Group.json"))
	require.NoError(t, err)

	summary, err := os.ReadFile(filepath.Join(runDir, "summary.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(summary), "FAILURES:"), "summaries are appended per report")
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("unavailable")}

	err := NewMultiSink(ok, bad).Publish(context.Background(), sampleReport(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: unavailable")
	assert.Equal(t, 1, ok.count(), "a failing sink does not stop the others")
	assert.Equal(t, 1, bad.count())
}

func TestAsyncSink(t *testing.T) {
	inner := &recordingSink{name: "inner", err: errors.New("ignored in background")}
	sink := NewAsyncSink(discard(), inner, 1)
	assert.Equal(t, "async.inner", sink.Name())

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Publish(context.Background(), sampleReport(t)))
	}
	require.NoError(t, sink.Close())
	assert.Equal(t, 5, inner.count(), "close drains every queued report")
	assert.Equal(t, 5, sink.Failures())

	require.ErrorIs(t, sink.Publish(context.Background(), sampleReport(t)), ErrSinkClosed)
	require.NoError(t, sink.Close(), "close is idempotent")
}

type panickingSink struct {
	calls atomic.Int32
}

func (s *panickingSink) Name() string { return "panicking" }

func (s *panickingSink) Publish(context.Context, *types.Report) error {
	s.calls.Add(1)
	panic("boom")
}

func TestAsyncSinkSurvivesPanickingSink(t *testing.T) {
	inner := &panickingSink{}
	sink := NewAsyncSink(discard(), inner, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Publish(context.Background(), sampleReport(t)))
	}
	require.NotPanics(t, func() {
		require.NoError(t, sink.Close())
	})
	assert.Equal(t, int32(3), inner.calls.Load(), "the worker keeps going after a panic")
	assert.Equal(t, 3, sink.Failures())
}

func TestMultiSinkContainsPanickingSink(t *testing.T) {
	good := &recordingSink{name: "good"}
	sink := NewMultiSink(&panickingSink{}, good)

	var err error
	require.NotPanics(t, func() {
		err = sink.Publish(context.Background(), sampleReport(t))
	})
	require.ErrorIs(t, err, ErrSinkPanicked)
	assert.Contains(t, err.Error(), "panicking")
	assert.Equal(t, 1, good.count())
}
