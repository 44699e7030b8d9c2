package coordinator

import (
	"time"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

// EventKind names a lifecycle notification
type EventKind string

const (
	KindGroupEnter              EventKind = "group_enter"
	KindGroupExit               EventKind = "group_exit"
	KindCaseStart               EventKind = "case_start"
	KindCaseObserved            EventKind = "case_observed"
	KindCaseEnd                 EventKind = "case_end"
	KindParameterizedInvocation EventKind = "parameterized_invocation"
)

// Event is one lifecycle notification emitted by a test runner. The set of
// implementations is closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

// GroupEnter is sent before anything inside a group executes
type GroupEnter struct {
	Group types.Context
	Time  time.Time
}

// GroupExit is sent once everything inside a group finished
type GroupExit struct {
	Group types.Context
	Time  time.Time
}

// CaseStart opens the scratch slot for one execution. Case's enclosing
// context must be its owning group.
type CaseStart struct {
	ExecutionID    string
	Case           types.Context
	RawDisplayName string
	Time           time.Time
}

// ParameterizedInvocation carries the arguments of a parameterized execution.
// Params, when set, is used as-is instead of being derived from Args.
type ParameterizedInvocation struct {
	ExecutionID string
	Args        []any
	Params      []types.Parameter
}

// CaseObserved reports the outcome of an execution. For a DISABLED case that
// never started, Case describes it and no CaseEnd follows.
type CaseObserved struct {
	ExecutionID    string
	Status         types.Status
	Detail         []byte
	Case           types.Context
	RawDisplayName string
	Time           time.Time
}

// CaseEnd moves the execution's record into the store
type CaseEnd struct {
	ExecutionID string
	Time        time.Time
}

func (GroupEnter) Kind() EventKind              { return KindGroupEnter }
func (GroupExit) Kind() EventKind               { return KindGroupExit }
func (CaseStart) Kind() EventKind               { return KindCaseStart }
func (ParameterizedInvocation) Kind() EventKind { return KindParameterizedInvocation }
func (CaseObserved) Kind() EventKind            { return KindCaseObserved }
func (CaseEnd) Kind() EventKind                 { return KindCaseEnd }

func (GroupEnter) isEvent()              {}
func (GroupExit) isEvent()               {}
func (CaseStart) isEvent()               {}
func (ParameterizedInvocation) isEvent() {}
func (CaseObserved) isEvent()            {}
func (CaseEnd) isEvent()                 {}
