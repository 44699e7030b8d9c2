package eventlog

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-launch/coordinator"
	"github.com/ethereum-optimism/infra/op-launch/types"
)

// go test -json actions
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

// GoTestEvent is one line of `go test -json` output
type GoTestEvent struct {
	Time    time.Time
	Action  string
	Package string
	Test    string
	Output  string
	Elapsed float64
}

// GoTestAdapter maps `go test -json` events onto lifecycle events. Each
// package is a top-level group, a test is a case in its package, and the
// subtests of a test are cases in a nested group named after it.
type GoTestAdapter struct {
	packages map[string]*goPackage
}

type goPackage struct {
	scope  *types.Scope
	groups map[string]*types.Scope // test path -> nested group scope
	tests  map[string]*goTest
	runs   map[string]int // runs started per test
	order  []string       // group paths in enter order
}

type goTest struct {
	executionID string
	output      strings.Builder
}

func NewGoTestAdapter() *GoTestAdapter {
	return &GoTestAdapter{packages: make(map[string]*goPackage)}
}

// Translate returns the lifecycle events implied by one go test event
func (a *GoTestAdapter) Translate(ev GoTestEvent) []coordinator.Event {
	if ev.Package == "" {
		return nil
	}
	var out []coordinator.Event
	pkg, ok := a.packages[ev.Package]
	if !ok {
		pkg = &goPackage{
			scope:  types.NewScope(nil, packageGroupName(ev.Package), ev.Package),
			groups: make(map[string]*types.Scope),
			tests:  make(map[string]*goTest),
			runs:   make(map[string]int),
		}
		a.packages[ev.Package] = pkg
		out = append(out, coordinator.GroupEnter{Group: pkg.scope, Time: ev.Time})
	}

	if ev.Test == "" {
		switch ev.Action {
		case ActionPass, ActionFail, ActionSkip:
			out = append(out, a.closePackage(ev.Package, ev.Time)...)
		}
		return out
	}

	switch ev.Action {
	case ActionRun:
		out = append(out, a.startTest(pkg, ev)...)
	case ActionOutput:
		if t, ok := pkg.tests[ev.Test]; ok && !isFramingLine(ev.Output) {
			t.output.WriteString(ev.Output)
		}
	case ActionPass, ActionFail, ActionSkip:
		out = append(out, a.finishTest(pkg, ev)...)
	}
	return out
}

// Flush closes every package still open, as if its final event was lost
func (a *GoTestAdapter) Flush() []coordinator.Event {
	names := make([]string, 0, len(a.packages))
	for name := range a.packages {
		names = append(names, name)
	}
	slices.Sort(names)
	var out []coordinator.Event
	for _, name := range names {
		out = append(out, a.closePackage(name, time.Time{})...)
	}
	return out
}

// startTest opens a case for test. Repeated runs of one test (go test -count)
// become parameterized invocations carrying the run number, which keeps
// every case id in the group distinct.
func (a *GoTestAdapter) startTest(pkg *goPackage, ev GoTestEvent) []coordinator.Event {
	if _, running := pkg.tests[ev.Test]; running {
		return nil
	}
	group, out := pkg.groupFor(ev.Test, ev.Time)
	previous := pkg.runs[ev.Test]
	pkg.runs[ev.Test]++

	t := &goTest{executionID: ev.Package + " " + ev.Test}
	if previous > 0 {
		t.executionID = fmt.Sprintf("%s#%d", t.executionID, previous+1)
	}
	pkg.tests[ev.Test] = t
	out = append(out, coordinator.CaseStart{
		ExecutionID: t.executionID,
		Case:        types.NewScope(group, testMethodName(ev.Test), ""),
		Time:        ev.Time,
	})
	if previous > 0 {
		out = append(out, coordinator.ParameterizedInvocation{
			ExecutionID: t.executionID,
			Params:      []types.Parameter{{Index: 0, TypeName: "run", StringValue: strconv.Itoa(previous + 1)}},
		})
	}
	return out
}

func (a *GoTestAdapter) finishTest(pkg *goPackage, ev GoTestEvent) []coordinator.Event {
	status := types.StatusPassed
	switch ev.Action {
	case ActionFail:
		status = types.StatusFailed
	case ActionSkip:
		status = types.StatusDisabled
	}

	t, running := pkg.tests[ev.Test]
	if !running {
		if status == types.StatusDisabled && pkg.runs[ev.Test] == 0 {
			pkg.runs[ev.Test]++
			group, out := pkg.groupFor(ev.Test, ev.Time)
			return append(out, coordinator.CaseObserved{
				ExecutionID: ev.Package + " " + ev.Test,
				Status:      status,
				Case:        types.NewScope(group, testMethodName(ev.Test), ""),
				Time:        ev.Time,
			})
		}
		out := a.startTest(pkg, ev)
		t = pkg.tests[ev.Test]
		return append(out, a.observe(pkg, ev, t, status)...)
	}
	return a.observe(pkg, ev, t, status)
}

func (a *GoTestAdapter) observe(pkg *goPackage, ev GoTestEvent, t *goTest, status types.Status) []coordinator.Event {
	delete(pkg.tests, ev.Test)
	observed := coordinator.CaseObserved{ExecutionID: t.executionID, Status: status, Time: ev.Time}
	if status != types.StatusPassed {
		if detail := strings.TrimSpace(t.output.String()); detail != "" {
			observed.Detail = []byte(detail)
		}
	}
	return []coordinator.Event{observed, coordinator.CaseEnd{ExecutionID: t.executionID, Time: ev.Time}}
}

func (a *GoTestAdapter) closePackage(name string, at time.Time) []coordinator.Event {
	pkg, ok := a.packages[name]
	if !ok {
		return nil
	}
	delete(a.packages, name)

	var out []coordinator.Event
	running := make([]string, 0, len(pkg.tests))
	for test := range pkg.tests {
		running = append(running, test)
	}
	slices.Sort(running)
	for _, test := range running {
		out = append(out, coordinator.CaseEnd{ExecutionID: pkg.tests[test].executionID, Time: at})
	}
	for _, path := range slices.Backward(pkg.order) {
		out = append(out, coordinator.GroupExit{Group: pkg.groups[path], Time: at})
	}
	return append(out, coordinator.GroupExit{Group: pkg.scope, Time: at})
}

// groupFor returns the group owning test, entering any nested groups on the way
func (p *goPackage) groupFor(test string, at time.Time) (*types.Scope, []coordinator.Event) {
	segments := strings.Split(test, "/")
	group := p.scope
	var out []coordinator.Event
	for i := 1; i < len(segments); i++ {
		path := strings.Join(segments[:i], "/")
		nested, ok := p.groups[path]
		if !ok {
			nested = types.NewScope(group, segments[i-1], "")
			p.groups[path] = nested
			p.order = append(p.order, path)
			out = append(out, coordinator.GroupEnter{Group: nested, Time: at})
		}
		group = nested
	}
	return group, out
}

// packageGroupName turns an import path into a dotted group name, so the
// case id namespace reduces to the package's last element
func packageGroupName(pkg string) string {
	return strings.ReplaceAll(pkg, "/", ".")
}

func testMethodName(test string) string {
	if i := strings.LastIndex(test, "/"); i >= 0 {
		return test[i+1:]
	}
	return test
}

func isFramingLine(output string) bool {
	trimmed := strings.TrimSpace(output)
	return strings.HasPrefix(trimmed, "=== ") ||
		strings.HasPrefix(trimmed, "--- PASS") ||
		strings.HasPrefix(trimmed, "--- FAIL") ||
		strings.HasPrefix(trimmed, "--- SKIP")
}
