package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-launch/identity"
	"github.com/ethereum-optimism/infra/op-launch/properties"
	"github.com/ethereum-optimism/infra/op-launch/reporting"
	"github.com/ethereum-optimism/infra/op-launch/types"
	"github.com/ethereum-optimism/infra/op-launch/versioninfo"
)

type recordingSink struct {
	err error

	mu      sync.Mutex
	reports []*types.Report
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingSink) published() []*types.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Report(nil), s.reports...)
}

type panickingSink struct{}

func (panickingSink) Name() string { return "panicking" }
func (panickingSink) Publish(context.Context, *types.Report) error {
	panic("sink exploded")
}

// tickingClock advances one millisecond per call from a fixed epoch
func tickingClock() func() time.Time {
	var ticks atomic.Int64
	base := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}
}

type fixture struct {
	c    *Coordinator
	sink *recordingSink
	ctx  context.Context
}

func newFixture(t *testing.T, reportingEnabled bool) *fixture {
	t.Helper()
	sink := &recordingSink{}
	c := New(Config{
		Log:      log.NewLogger(log.DiscardHandler()),
		Identity: identity.New(identity.WithSeed("Nightly")),
		Sink:     sink,
		Properties: properties.Static{
			ApplicationName:  "payments",
			RunEnvironment:   "UAT",
			User:             "ci",
			ReportingEnabled: reportingEnabled,
		},
		VersionInfo: versioninfo.Static{GitBranch: "main", RuntimeVersion: "go1.26"},
		Clock:       tickingClock(),
	})
	return &fixture{c: c, sink: sink, ctx: context.Background()}
}

func (f *fixture) handle(t *testing.T, ev Event) {
	t.Helper()
	require.NoError(t, f.c.Handle(f.ctx, ev))
}

func (f *fixture) runCase(t *testing.T, execID string, testCase *types.Scope, raw string, status types.Status, args ...[]any) {
	t.Helper()
	f.handle(t, CaseStart{ExecutionID: execID, Case: testCase, RawDisplayName: raw})
	for _, a := range args {
		f.handle(t, ParameterizedInvocation{ExecutionID: execID, Args: a})
	}
	f.handle(t, CaseObserved{ExecutionID: execID, Status: status})
	f.handle(t, CaseEnd{ExecutionID: execID})
}

func caseIDs(cases []*types.CaseRecord) []string {
	ids := make([]string, 0, len(cases))
	for _, c := range cases {
		ids = append(ids, c.CaseID())
	}
	return ids
}

func TestEndToEnd_NestedWithParameterized(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "Top Level", "A")
	inner := types.NewScope(top, "Inner", "", "C")

	f.handle(t, GroupEnter{Group: top})
	f.handle(t, GroupEnter{Group: inner})
	f.runCase(t, "1", types.NewScope(inner, "plain", "", "M"), "plain()", types.StatusPassed)
	f.runCase(t, "2", types.NewScope(inner, "param", ""), "Run 1 with value=A", types.StatusPassed, []any{"A", 1})
	f.runCase(t, "3", types.NewScope(inner, "param", ""), "Run 2 with value=B", types.StatusFailed, []any{"B", nil})
	f.handle(t, GroupExit{Group: inner})
	f.handle(t, GroupExit{Group: top})

	reports := f.sink.published()
	require.Len(t, reports, 1)
	report := reports[0]

	assert.Empty(t, report.Root.Key, "root key is cleared")
	assert.Equal(t, "Top Level", report.Root.DisplayName)
	assert.Empty(t, report.Root.Cases)
	require.Len(t, report.Root.Children, 1)
	child := report.Root.Children[0]
	require.Len(t, child.Cases, 3)
	assert.ElementsMatch(t, []string{"Top$Inner#plain", "Top$Inner#param[0]", "Top$Inner#param[1]"}, caseIDs(child.Cases))
	assert.Equal(t, []string{"Top Level"}, child.AncestorChain)

	for _, c := range child.Cases {
		switch c.CaseID() {
		case "Top$Inner#plain":
			assert.Equal(t, types.TestTypeSingle, c.TestType())
			assert.Empty(t, c.Parameters())
			assert.Equal(t, "plain", c.RunDisplayName)
			assert.Equal(t, []string{"M"}, c.MethodTags.Sorted())
			assert.Equal(t, []string{"C"}, c.OwnGroupTags.Sorted())
			assert.Equal(t, []string{"A"}, c.InheritedGroupTags.Sorted())
			assert.Equal(t, []string{"Top Level", "Inner"}, c.ParentChain)
		case "Top$Inner#param[0]":
			assert.Equal(t, types.TestTypeParameterized, c.TestType())
			assert.Equal(t, "Run 1 with value=A", c.RunDisplayName)
			assert.Equal(t, []types.Parameter{
				{Index: 0, TypeName: "string", StringValue: "A"},
				{Index: 1, TypeName: "int", StringValue: "1"},
			}, c.Parameters())
		case "Top$Inner#param[1]":
			assert.Equal(t, types.StatusFailed, c.Status())
			assert.Equal(t, types.Parameter{Index: 1, TypeName: "null", StringValue: "null"}, c.Parameters()[1])
		}
		assert.GreaterOrEqual(t, c.EndTime(), c.StartTime())
	}

	h := report.Header
	assert.True(t, identity.IsFull(h.LaunchID))
	assert.Contains(t, h.LaunchID, "Nightly-")
	assert.Equal(t, "payments", h.ApplicationName)
	assert.Equal(t, "main", h.GitBranch)
	assert.Greater(t, h.LaunchEndTime, h.LaunchStartTime)
	assert.True(t, report.HasFailures())
	assert.Len(t, f.c.Reports(), 1)
}

func TestDisabledCaseWithoutStart(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	f.handle(t, GroupEnter{Group: top})
	f.handle(t, CaseObserved{
		ExecutionID: "skipped",
		Status:      types.StatusDisabled,
		Detail:      []byte("not on this platform"),
		Case:        types.NewScope(top, "windowsOnly", "Windows only"),
	})
	f.handle(t, GroupExit{Group: top})

	report := f.sink.published()[0]
	require.Len(t, report.Root.Cases, 1)
	c := report.Root.Cases[0]
	assert.Equal(t, types.StatusDisabled, c.Status())
	assert.Equal(t, "Top#windowsOnly", c.CaseID())
	assert.Equal(t, "Windows only", c.RunDisplayName)
	assert.Equal(t, c.StartTime(), c.EndTime())
	assert.Equal(t, []byte("not on this platform"), c.FailureDetail())
}

func TestDuplicateTerminalTransitionRejected(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	f.handle(t, GroupEnter{Group: top})
	f.handle(t, CaseStart{ExecutionID: "1", Case: types.NewScope(top, "m", "")})
	f.handle(t, CaseObserved{ExecutionID: "1", Status: types.StatusFailed, Detail: []byte("boom")})
	f.handle(t, CaseObserved{ExecutionID: "1", Status: types.StatusPassed})
	f.handle(t, CaseEnd{ExecutionID: "1"})
	f.handle(t, GroupExit{Group: top})

	c := f.sink.published()[0].Root.Cases[0]
	assert.Equal(t, types.StatusFailed, c.Status(), "FAILED is never overwritten")
	assert.Equal(t, []byte("boom"), c.FailureDetail())
}

func TestCaseEndWithoutResultIsAborted(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	f.handle(t, GroupEnter{Group: top})
	f.handle(t, CaseStart{ExecutionID: "1", Case: types.NewScope(top, "m", "")})
	f.handle(t, CaseEnd{ExecutionID: "1"})
	f.handle(t, GroupExit{Group: top})

	c := f.sink.published()[0].Root.Cases[0]
	assert.Equal(t, types.StatusAborted, c.Status())
	assert.Equal(t, []byte(noResultDetail), c.FailureDetail())
}

func TestReportingDisabledStillAggregates(t *testing.T) {
	f := newFixture(t, false)
	top := types.NewScope(nil, "Top", "")
	f.handle(t, GroupEnter{Group: top})
	f.runCase(t, "1", types.NewScope(top, "m", ""), "m()", types.StatusPassed)
	f.handle(t, GroupExit{Group: top})

	assert.Empty(t, f.sink.published(), "sink is skipped")
	reports := f.c.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Stats().Total)
}

func TestMissingShellIsRecreated(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	// Group enter was never delivered
	f.runCase(t, "1", types.NewScope(top, "m", ""), "m", types.StatusPassed)
	f.handle(t, GroupExit{Group: top})

	reports := f.sink.published()
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Root.Cases, 1, "no aggregated case is lost")
	assert.True(t, identity.IsFull(reports[0].Header.LaunchID))
	assert.Equal(t, reports[0].Root.Cases[0].StartTime(), reports[0].Header.LaunchStartTime)
}

func TestPublishFailuresAreContained(t *testing.T) {
	tests := []struct {
		name string
		sink reporting.Sink
	}{
		{name: "error", sink: &recordingSink{err: errors.New("broker down")}},
		{name: "panic", sink: panickingSink{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{
				Log:        log.NewLogger(log.DiscardHandler()),
				Sink:       tt.sink,
				Properties: properties.Static{ReportingEnabled: true},
			})
			top := types.NewScope(nil, "Top", "")
			ctx := context.Background()
			require.NoError(t, c.Handle(ctx, GroupEnter{Group: top}))
			err := c.Handle(ctx, GroupExit{Group: top})
			require.ErrorIs(t, err, ErrPublishFailed)
			assert.Len(t, c.Reports(), 1, "the report is kept even if shipping failed")
		})
	}
}

type panickingScope struct {
	*types.Scope
}

func (p panickingScope) DeclaredTags() []string {
	panic("annotation lookup failed")
}

func TestMetadataFailureDoesNotLoseCase(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	f.handle(t, GroupEnter{Group: top})

	broken := panickingScope{types.NewScope(top, "fragile", "Fragile")}
	f.handle(t, CaseStart{ExecutionID: "1", Case: broken})
	f.handle(t, CaseObserved{ExecutionID: "1", Status: types.StatusPassed})
	f.handle(t, CaseEnd{ExecutionID: "1"})
	f.runCase(t, "2", types.NewScope(top, "solid", ""), "solid", types.StatusPassed)
	f.handle(t, GroupExit{Group: top})

	cases := f.sink.published()[0].Root.Cases
	require.Len(t, cases, 2)
	assert.Equal(t, "Fragile", cases[0].RunDisplayName, "names derived before the failure are kept")
	assert.Empty(t, cases[0].MethodTags.Sorted())
}

func TestUnknownExecutionAndBadEvents(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.ErrorIs(t, f.c.Handle(ctx, CaseEnd{ExecutionID: "ghost"}), ErrUnknownExecution)
	require.ErrorIs(t, f.c.Handle(ctx, ParameterizedInvocation{ExecutionID: "ghost"}), ErrUnknownExecution)
	require.ErrorIs(t, f.c.Handle(ctx, CaseObserved{ExecutionID: "ghost", Status: types.StatusPassed}), ErrUnknownExecution)
	require.ErrorIs(t, f.c.Handle(ctx, CaseObserved{ExecutionID: "ghost", Status: types.StatusRunning}), types.ErrNotTerminal)
	require.ErrorIs(t, f.c.Handle(ctx, CaseStart{ExecutionID: "x", Case: types.NewScope(nil, "orphan", "")}), ErrMissingGroup)
	require.ErrorIs(t, f.c.Handle(ctx, GroupEnter{}), ErrMissingContext)
	require.ErrorIs(t, f.c.Handle(ctx, nil), ErrUnknownEvent)
}

func TestReenteredInvocationKeepsIndex(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	f.handle(t, GroupEnter{Group: top})
	f.handle(t, CaseStart{ExecutionID: "1", Case: types.NewScope(top, "m", "")})
	f.handle(t, ParameterizedInvocation{ExecutionID: "1", Args: []any{1}})
	f.handle(t, ParameterizedInvocation{ExecutionID: "1", Args: []any{1}})
	f.handle(t, CaseObserved{ExecutionID: "1", Status: types.StatusPassed})
	f.handle(t, CaseEnd{ExecutionID: "1"})
	f.runCase(t, "2", types.NewScope(top, "m", ""), "m", types.StatusPassed, []any{2})
	f.handle(t, GroupExit{Group: top})

	assert.Equal(t, []string{"Top#m[0]", "Top#m[1]"}, caseIDs(f.sink.published()[0].Root.Cases))
}

func TestConcurrentExecutions(t *testing.T) {
	const n = 200
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	group := types.NewScope(top, "Parallel", "")
	f.handle(t, GroupEnter{Group: top})
	f.handle(t, GroupEnter{Group: group})

	p := pool.New().WithErrors().WithMaxGoroutines(32)
	for i := 0; i < n; i++ {
		p.Go(func() error {
			id := fmt.Sprintf("exec-%d", i)
			for _, ev := range []Event{
				CaseStart{ExecutionID: id, Case: types.NewScope(group, "param", "")},
				ParameterizedInvocation{ExecutionID: id, Args: []any{i}},
				CaseObserved{ExecutionID: id, Status: types.StatusPassed},
				CaseEnd{ExecutionID: id},
			} {
				if err := f.c.Handle(f.ctx, ev); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, p.Wait())
	f.handle(t, GroupExit{Group: group})
	f.handle(t, GroupExit{Group: top})

	cases := f.sink.published()[0].Root.Children[0].Cases
	require.Len(t, cases, n, "no case is lost")
	seen := make(map[string]bool, n)
	for _, c := range cases {
		assert.False(t, seen[c.CaseID()], "duplicate id %s", c.CaseID())
		seen[c.CaseID()] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[fmt.Sprintf("Top$Parallel#param[%d]", i)])
	}
}

func TestConcurrentFirstEnterKeepsIndexes(t *testing.T) {
	const n = 100
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")

	// Every worker races to open the run, so the counters must be reset
	// once, before any invocation can take an index.
	p := pool.New().WithErrors().WithMaxGoroutines(32)
	for i := 0; i < n; i++ {
		p.Go(func() error {
			id := fmt.Sprintf("exec-%d", i)
			for _, ev := range []Event{
				GroupEnter{Group: top},
				CaseStart{ExecutionID: id, Case: types.NewScope(top, "m", "")},
				ParameterizedInvocation{ExecutionID: id, Args: []any{i}},
				CaseObserved{ExecutionID: id, Status: types.StatusPassed},
				CaseEnd{ExecutionID: id},
			} {
				if err := f.c.Handle(f.ctx, ev); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, p.Wait())
	f.handle(t, GroupExit{Group: top})

	cases := f.sink.published()[0].Root.Cases
	require.Len(t, cases, n)
	seen := make(map[string]bool, n)
	for _, c := range cases {
		assert.False(t, seen[c.CaseID()], "duplicate id %s", c.CaseID())
		seen[c.CaseID()] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[fmt.Sprintf("Top#m[%d]", i)])
	}
}

func TestMultipleTopLevelGroupsShareLaunchID(t *testing.T) {
	f := newFixture(t, true)
	first := types.NewScope(nil, "First", "")
	second := types.NewScope(nil, "Second", "")

	f.handle(t, GroupEnter{Group: first})
	f.handle(t, GroupEnter{Group: second})
	f.runCase(t, "1", types.NewScope(first, "a", ""), "a", types.StatusPassed)
	f.runCase(t, "2", types.NewScope(second, "b", ""), "b", types.StatusPassed)
	f.handle(t, GroupExit{Group: second})
	f.handle(t, GroupExit{Group: first})

	reports := f.sink.published()
	require.Len(t, reports, 2)
	assert.Equal(t, "Second", reports[0].Root.Name)
	assert.Equal(t, "First", reports[1].Root.Name)
	assert.Equal(t, reports[0].Header.LaunchID, reports[1].Header.LaunchID)
	assert.Empty(t, reports[0].Root.Children, "other roots are not attached")
}

func TestFinalizeOpen(t *testing.T) {
	f := newFixture(t, true)
	top := types.NewScope(nil, "Top", "")
	f.handle(t, GroupEnter{Group: top})
	f.runCase(t, "1", types.NewScope(top, "m", ""), "m", types.StatusPassed)

	require.NoError(t, f.c.FinalizeOpen(f.ctx))
	require.Len(t, f.sink.published(), 1)
	require.NoError(t, f.c.FinalizeOpen(f.ctx), "nothing left to finalize")
	assert.Len(t, f.sink.published(), 1)
}

func TestParametersFromArgs(t *testing.T) {
	type point struct{ X, Y int }
	got := ParametersFromArgs([]any{"s", 3, nil, &point{1, 2}, []int{1}})
	assert.Equal(t, []types.Parameter{
		{Index: 0, TypeName: "string", StringValue: "s"},
		{Index: 1, TypeName: "int", StringValue: "3"},
		{Index: 2, TypeName: "null", StringValue: "null"},
		{Index: 3, TypeName: "point", StringValue: "&{1 2}"},
		{Index: 4, TypeName: "[]int", StringValue: "[1]"},
	}, got)
	assert.Empty(t, ParametersFromArgs(nil))
	assert.NotNil(t, ParametersFromArgs(nil))
}
