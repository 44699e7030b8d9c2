// Package coordinator turns runner lifecycle events into case records and
// finished reports.
package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-launch/caseid"
	"github.com/ethereum-optimism/infra/op-launch/identity"
	"github.com/ethereum-optimism/infra/op-launch/metrics"
	"github.com/ethereum-optimism/infra/op-launch/naming"
	"github.com/ethereum-optimism/infra/op-launch/properties"
	"github.com/ethereum-optimism/infra/op-launch/reporting"
	"github.com/ethereum-optimism/infra/op-launch/store"
	"github.com/ethereum-optimism/infra/op-launch/tags"
	"github.com/ethereum-optimism/infra/op-launch/types"
	"github.com/ethereum-optimism/infra/op-launch/versioninfo"
)

const (
	tracerName       = "github.com/ethereum-optimism/infra/op-launch/coordinator"
	noResultDetail   = "no result observed before case end"
	noDisabledReason = "disabled without a reason"
)

var (
	ErrUnknownExecution = errors.New("unknown execution")
	ErrMissingContext   = errors.New("event has no context")
	ErrMissingGroup     = errors.New("case has no enclosing group")
	ErrCaptureFailed    = errors.New("lifecycle capture failed")
	ErrPublishFailed    = errors.New("report publish failed")
	ErrUnknownEvent     = errors.New("unknown event")
)

// Config wires a Coordinator. Only Sink may be left nil to disable publishing;
// every other field has a default.
type Config struct {
	Log         log.Logger
	Identity    *identity.RunIdentity
	Store       *store.Store
	Sink        reporting.Sink
	Properties  properties.Source
	VersionInfo versioninfo.Source
	Clock       func() time.Time
	Tracer      trace.Tracer
}

// Coordinator handles the events of one run. All methods are safe for
// concurrent use; events for different executions may arrive on any goroutine.
type Coordinator struct {
	log      log.Logger
	identity *identity.RunIdentity
	store    *store.Store
	sink     reporting.Sink
	props    properties.Source
	version  versioninfo.Source
	clock    func() time.Time
	tracer   trace.Tracer

	classifier *tags.Classifier
	resolver   *naming.Resolver
	counter    *caseid.InvocationCounter // scoped to this run

	slots sync.Map // execution id -> *slot

	mu      sync.Mutex
	shells  map[string]*shell // top-level group key -> open report shell
	reports []*types.Report
}

// shell is the run-level state of a top-level group between enter and exit
type shell struct {
	rootKey     string
	startMillis int64
}

// slot is the per-execution scratch space between CaseStart and CaseEnd
type slot struct {
	mu              sync.Mutex
	record          *types.CaseRecord
	groupKey        string
	invocationIndex int // -1 until the first parameterized invocation
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		log:        cfg.Log,
		identity:   cfg.Identity,
		store:      cfg.Store,
		sink:       cfg.Sink,
		props:      cfg.Properties,
		version:    cfg.VersionInfo,
		clock:      cfg.Clock,
		tracer:     cfg.Tracer,
		classifier: tags.NewClassifier(),
		resolver:   naming.NewResolver(),
		counter:    caseid.NewInvocationCounter(),
		shells:     make(map[string]*shell),
	}
	if c.log == nil {
		c.log = log.Root()
	}
	if c.identity == nil {
		c.identity = identity.New()
	}
	if c.store == nil {
		c.store = store.New(c.log)
	}
	if c.props == nil {
		c.props = properties.Static(properties.Defaults())
	}
	if c.version == nil {
		c.version = versioninfo.Static{}
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// Handle dispatches one event. Failures are logged and returned for the
// caller's information, but never panic and never discard stored cases.
func (c *Coordinator) Handle(ctx context.Context, ev Event) (err error) {
	if ev == nil {
		return fmt.Errorf("%w: nil", ErrUnknownEvent)
	}
	kind := ev.Kind()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrCaptureFailed, kind, r)
			c.log.Error("Recovered from panic while handling event", "event", kind, "panic", r)
			metrics.RecordError("coordinator.panic")
		}
	}()

	switch e := ev.(type) {
	case GroupEnter:
		err = c.onGroupEnter(e)
	case GroupExit:
		err = c.onGroupExit(ctx, e)
	case CaseStart:
		err = c.onCaseStart(e)
	case ParameterizedInvocation:
		err = c.onInvocation(e)
	case CaseObserved:
		err = c.onCaseObserved(e)
	case CaseEnd:
		err = c.onCaseEnd(e)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	if err != nil && !errors.Is(err, ErrPublishFailed) {
		c.log.Error("Lifecycle event not captured", "event", kind, "err", err)
		metrics.RecordError("coordinator." + string(kind))
	}
	return err
}

func (c *Coordinator) onGroupEnter(e GroupEnter) error {
	if e.Group == nil {
		return fmt.Errorf("%w: group enter", ErrMissingContext)
	}
	// Invocation indexes start over with each new launch id
	launchID := c.identity.EnsureFunc(c.counter.Reset)
	key := types.GroupKey(e.Group)
	c.registerGroup(key, e.Group)

	if !types.IsTopLevel(e.Group) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shells[key]; ok {
		c.log.Debug("Top-level group entered again", "group", key)
		return nil
	}
	c.shells[key] = &shell{rootKey: key, startMillis: c.millis(e.Time)}
	c.log.Info("Launch started", "launchId", launchID, "group", key)
	return nil
}

func (c *Coordinator) registerGroup(key string, group types.Context) {
	meta := store.GroupMeta{Name: types.LastSegment(key)}
	c.capture("group metadata", key, func() {
		cls := c.classifier.ForGroup(group)
		meta.DisplayName = c.resolver.GroupDisplayName(group)
		meta.OwnTags = cls.OwnGroup
		meta.InheritedTags = cls.Inherited
		meta.AncestorChain = c.resolver.AncestorChain(group)
	})
	c.store.RegisterGroup(key, meta)
}

func (c *Coordinator) onCaseStart(e CaseStart) error {
	if e.ExecutionID == "" {
		return fmt.Errorf("%w: case start without execution id", ErrMissingContext)
	}
	rec, groupKey, err := c.newRecord(e.Case, e.RawDisplayName)
	if err != nil {
		return err
	}
	if err := rec.Start(c.millis(e.Time)); err != nil {
		return err
	}
	s := &slot{record: rec, groupKey: groupKey, invocationIndex: -1}
	if _, loaded := c.slots.LoadOrStore(e.ExecutionID, s); loaded {
		c.log.Warn("Duplicate case start ignored", "execution", e.ExecutionID, "case", rec.CaseID())
	}
	return nil
}

// newRecord builds a CREATED record with names, tags and a single-run id
func (c *Coordinator) newRecord(testCase types.Context, rawDisplayName string) (*types.CaseRecord, string, error) {
	if testCase == nil {
		return nil, "", fmt.Errorf("%w: case", ErrMissingContext)
	}
	group := testCase.EnclosingContext()
	if group == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrMissingGroup, testCase.ContextName())
	}
	groupKey := types.GroupKey(group)
	method := testCase.ContextName()

	rec := types.NewCaseRecord(method, caseid.SingleID(groupKey, method))
	rec.GroupKey = groupKey
	rec.RunDisplayName = method
	rec.MethodDisplayName = method
	rec.ParentDisplayName = types.LastSegment(groupKey)
	c.capture("case metadata", rec.CaseID(), func() {
		rec.RunDisplayName = c.resolver.RunDisplayName(rawDisplayName, method, testCase)
		rec.MethodDisplayName = c.resolver.MethodDisplayName(testCase)
		rec.ParentDisplayName = c.resolver.GroupDisplayName(group)
		rec.ParentChain = c.resolver.ParentChain(testCase)
	})
	c.capture("case tags", rec.CaseID(), func() {
		cls := c.classifier.ForCase(testCase)
		rec.MethodTags = cls.Method
		rec.OwnGroupTags = cls.OwnGroup
		rec.InheritedGroupTags = cls.Inherited
	})
	return rec, groupKey, nil
}

func (c *Coordinator) onInvocation(e ParameterizedInvocation) error {
	s, err := c.slot(e.ExecutionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record
	// A re-entered invocation keeps the index it was first given
	if s.invocationIndex < 0 {
		s.invocationIndex = c.counter.Next(s.groupKey, rec.MethodName)
	}
	params := e.Params
	if params == nil {
		params = ParametersFromArgs(e.Args)
	}
	id := caseid.ParameterizedID(s.groupKey, rec.MethodName, s.invocationIndex)
	if err := rec.ApplyInvocation(id, params); err != nil {
		if errors.Is(err, types.ErrTerminalStatus) {
			c.log.Warn("Parameters for a finished case ignored", "execution", e.ExecutionID, "case", rec.CaseID())
			metrics.RecordDuplicateTransition()
			return nil
		}
		return err
	}
	return nil
}

func (c *Coordinator) onCaseObserved(e CaseObserved) error {
	if !e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", types.ErrNotTerminal, e.Status)
	}
	s, err := c.slot(e.ExecutionID)
	if err != nil {
		if e.Status == types.StatusDisabled && e.Case != nil {
			return c.recordDisabled(e)
		}
		return err
	}

	rec := s.record
	if err := rec.Finish(e.Status, c.millis(e.Time), e.Detail); err != nil {
		if errors.Is(err, types.ErrTerminalStatus) {
			c.log.Warn("Rejected second terminal transition",
				"execution", e.ExecutionID,
				"case", rec.CaseID(),
				"status", rec.Status(),
				"rejected", e.Status)
			metrics.RecordDuplicateTransition()
			return nil
		}
		return err
	}
	return nil
}

// recordDisabled stores a case that was skipped before it ever started
func (c *Coordinator) recordDisabled(e CaseObserved) error {
	rec, groupKey, err := c.newRecord(e.Case, e.RawDisplayName)
	if err != nil {
		return err
	}
	now := c.millis(e.Time)
	detail := e.Detail
	if len(detail) == 0 {
		detail = []byte(noDisabledReason)
	}
	if err := rec.Start(now); err != nil {
		return err
	}
	if err := rec.Finish(types.StatusDisabled, now, detail); err != nil {
		return err
	}
	return c.storeCase(groupKey, rec)
}

func (c *Coordinator) onCaseEnd(e CaseEnd) error {
	v, ok := c.slots.LoadAndDelete(e.ExecutionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExecution, e.ExecutionID)
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record
	if !rec.Status().IsTerminal() {
		c.log.Warn("Case ended without an observed result", "execution", e.ExecutionID, "case", rec.CaseID())
		if err := rec.Finish(types.StatusAborted, c.millis(e.Time), []byte(noResultDetail)); err != nil {
			return err
		}
	}
	return c.storeCase(s.groupKey, rec)
}

func (c *Coordinator) storeCase(groupKey string, rec *types.CaseRecord) error {
	if err := c.store.AppendCase(groupKey, rec); err != nil {
		return err
	}
	metrics.RecordCase(rec.Status(), rec.TestType(), time.Duration(rec.DurationMillis())*time.Millisecond)
	return nil
}

func (c *Coordinator) onGroupExit(ctx context.Context, e GroupExit) error {
	if e.Group == nil {
		return fmt.Errorf("%w: group exit", ErrMissingContext)
	}
	key := types.GroupKey(e.Group)
	if !types.IsTopLevel(e.Group) {
		c.log.Debug("Nested group finished", "group", key)
		return nil
	}

	c.mu.Lock()
	sh, ok := c.shells[key]
	delete(c.shells, key)
	c.mu.Unlock()

	if !ok {
		c.log.Warn("Report shell missing at group exit, recreating", "group", key)
		metrics.RecordRecoveredShell()
		c.identity.Ensure()
		c.registerGroup(key, e.Group)
		sh = &shell{rootKey: key}
	}
	return c.finalize(ctx, sh, c.millis(e.Time))
}

// FinalizeOpen finishes every top-level group that entered but never exited
func (c *Coordinator) FinalizeOpen(ctx context.Context) error {
	c.mu.Lock()
	open := make([]*shell, 0, len(c.shells))
	for _, sh := range c.shells {
		open = append(open, sh)
	}
	clear(c.shells)
	c.mu.Unlock()

	slices.SortFunc(open, func(a, b *shell) int {
		return cmp.Compare(a.rootKey, b.rootKey)
	})
	var errs []error
	for _, sh := range open {
		c.log.Warn("Top-level group never exited, finalizing", "group", sh.rootKey)
		if err := c.finalize(ctx, sh, c.millis(time.Time{})); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) finalize(ctx context.Context, sh *shell, endMillis int64) error {
	ctx, span := c.tracer.Start(ctx, "launch.finalize",
		trace.WithAttributes(attribute.String("group", sh.rootKey)))
	defer span.End()

	tree, err := c.store.BuildTree(sh.rootKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build tree")
		return fmt.Errorf("building tree for %s: %w", sh.rootKey, err)
	}

	startMillis := sh.startMillis
	if startMillis == 0 {
		startMillis = earliestStart(tree, endMillis)
	}
	props := c.props.Properties()
	report := &types.Report{
		Header: c.header(props, startMillis, endMillis),
		Root:   tree,
	}

	c.mu.Lock()
	c.reports = append(c.reports, report)
	c.mu.Unlock()

	stats := report.Stats()
	metrics.RecordReport(report.Header.LaunchID, tree.Name, stats,
		time.Duration(report.Header.DurationMillis())*time.Millisecond)
	span.SetAttributes(
		attribute.String("launch_id", report.Header.LaunchID),
		attribute.Int("tests", stats.Total),
		attribute.Int("failed", stats.Failed+stats.Aborted),
	)
	c.log.Info("Launch finished",
		"launchId", report.Header.LaunchID,
		"group", sh.rootKey,
		"tests", stats.Total,
		"passed", stats.Passed,
		"failed", stats.Failed,
		"aborted", stats.Aborted,
		"disabled", stats.Disabled)

	if !props.ReportingEnabled {
		c.log.Info("Reporting disabled, skipping publish", "launchId", report.Header.LaunchID, "group", sh.rootKey)
		return nil
	}
	if c.sink == nil {
		c.log.Info("No sink configured, skipping publish", "launchId", report.Header.LaunchID, "group", sh.rootKey)
		return nil
	}
	if err := c.publish(ctx, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		c.log.Error("Failed to publish report", "sink", c.sink.Name(), "launchId", report.Header.LaunchID, "err", err)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, report *types.Report) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
		metrics.RecordPublish(c.sink.Name(), err, time.Since(start))
	}()
	return c.sink.Publish(ctx, report)
}

func (c *Coordinator) header(props properties.Properties, startMillis, endMillis int64) types.Header {
	info := c.version.VersionInfo()
	if endMillis < startMillis {
		endMillis = startMillis
	}
	return types.Header{
		LaunchID:          c.identity.Ensure(),
		LaunchStartTime:   startMillis,
		LaunchEndTime:     endMillis,
		ApplicationName:   props.ApplicationName,
		TestEnvironment:   props.TestEnvironment,
		RunEnvironment:    props.RunEnvironment,
		User:              props.User,
		GitBranch:         info.GitBranch,
		Regression:        props.Regression,
		OSVersion:         info.OSVersion,
		TestRunnerVersion: info.TestRunnerVersion,
		RuntimeVersion:    info.RuntimeVersion,
	}
}

// capture runs fn and absorbs a panic from caller-supplied contexts, leaving
// whatever defaults fn had not overwritten yet
func (c *Coordinator) capture(what, subject string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Failed to derive metadata", "what", what, "subject", subject, "panic", r)
			metrics.RecordError("coordinator.capture")
		}
	}()
	fn()
}

func (c *Coordinator) slot(executionID string) (*slot, error) {
	v, ok := c.slots.Load(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecution, executionID)
	}
	return v.(*slot), nil
}

func (c *Coordinator) millis(t time.Time) int64 {
	if t.IsZero() {
		t = c.clock()
	}
	return t.UnixMilli()
}

// Reports returns every report finalized so far, in finalize order
func (c *Coordinator) Reports() []*types.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.reports)
}

// LaunchID returns the run identity once established
func (c *Coordinator) LaunchID() (string, bool) {
	return c.identity.Get()
}

// Store exposes the aggregation store, mainly for inspection
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// ParametersFromArgs describes invocation arguments in declared order. A nil
// argument is recorded with type and value "null".
func ParametersFromArgs(args []any) []types.Parameter {
	params := make([]types.Parameter, 0, len(args))
	for i, arg := range args {
		p := types.Parameter{Index: i, TypeName: "null", StringValue: "null"}
		if arg != nil {
			p.TypeName = simpleTypeName(arg)
			p.StringValue = fmt.Sprint(arg)
		}
		params = append(params, p)
	}
	return params
}

func simpleTypeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

func earliestStart(tree *types.GroupNode, fallback int64) int64 {
	earliest := int64(0)
	for _, rec := range tree.AllCases() {
		if s := rec.StartTime(); s > 0 && (earliest == 0 || s < earliest) {
			earliest = s
		}
	}
	if earliest == 0 {
		return fallback
	}
	return earliest
}
