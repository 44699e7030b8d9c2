package types

import (
	"fmt"
	"sync"
)

// TestType distinguishes plain cases from parameterized invocations
type TestType string

const (
	TestTypeSingle        TestType = "SINGLE"
	TestTypeParameterized TestType = "PARAMETERIZED"
)

// Parameter is one argument of a parameterized invocation, in declared order
type Parameter struct {
	Index       int    `json:"index"`
	TypeName    string `json:"type"`
	StringValue string `json:"value"`
}

// CaseRecord captures one test case execution.
//
// Identity and naming fields are populated once when the case starts. The
// status moves CREATED -> RUNNING -> one terminal status, and a terminal
// record rejects any further transition or parameter rewrite.
type CaseRecord struct {
	MethodName        string
	RunDisplayName    string
	MethodDisplayName string
	GroupKey          string   // Key of the owning group
	ParentDisplayName string   // Display name of the owning group
	ParentChain       []string // Group display names, root to owning group inclusive

	MethodTags         TagSet
	OwnGroupTags       TagSet
	InheritedGroupTags TagSet

	mu            sync.Mutex
	caseID        string
	status        Status
	startTime     int64 // epoch millis, 0 when unset
	endTime       int64 // epoch millis, 0 when unset
	testType      TestType
	parameters    []Parameter
	failureDetail []byte
}

// NewCaseRecord creates a record in the CREATED state
func NewCaseRecord(methodName, caseID string) *CaseRecord {
	return &CaseRecord{
		MethodName:         methodName,
		MethodTags:         NewTagSet(),
		OwnGroupTags:       NewTagSet(),
		InheritedGroupTags: NewTagSet(),
		ParentChain:        []string{},
		caseID:             caseID,
		status:             StatusCreated,
		testType:           TestTypeSingle,
		parameters:         []Parameter{},
	}
}

// Start stamps the start time and moves the record to RUNNING
func (c *CaseRecord) Start(startMillis int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusCreated {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, c.caseID, c.status)
	}
	c.startTime = startMillis
	c.status = StatusRunning
	return nil
}

// Finish applies the single permitted terminal transition. An end time earlier
// than the start time is clamped to the start time.
func (c *CaseRecord) Finish(status Status, endMillis int64, detail []byte) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s, refusing %s", ErrTerminalStatus, c.caseID, c.status, status)
	}
	if c.startTime > 0 && endMillis < c.startTime {
		endMillis = c.startTime
	}
	c.endTime = endMillis
	c.status = status
	if len(detail) > 0 {
		c.failureDetail = append([]byte(nil), detail...)
	}
	return nil
}

// ApplyInvocation marks the record as a parameterized invocation with the given
// arguments and case id. Every other field is left untouched.
func (c *CaseRecord) ApplyInvocation(caseID string, params []Parameter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return fmt.Errorf("%w: cannot re-parameterize %s", ErrTerminalStatus, c.caseID)
	}
	c.caseID = caseID
	c.testType = TestTypeParameterized
	c.parameters = make([]Parameter, len(params))
	copy(c.parameters, params)
	return nil
}

func (c *CaseRecord) CaseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caseID
}

func (c *CaseRecord) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *CaseRecord) StartTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

func (c *CaseRecord) EndTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTime
}

func (c *CaseRecord) TestType() TestType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testType
}

// Parameters returns a copy of the invocation arguments. Never nil.
func (c *CaseRecord) Parameters() []Parameter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Parameter, len(c.parameters))
	copy(out, c.parameters)
	return out
}

// FailureDetail returns the opaque failure payload, nil when absent
func (c *CaseRecord) FailureDetail() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failureDetail) == 0 {
		return nil
	}
	return append([]byte(nil), c.failureDetail...)
}

// DurationMillis is endTime - startTime, or 0 if either is unset or inverted
func (c *CaseRecord) DurationMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DurationMillis(c.startTime, c.endTime)
}

// DurationMillis computes a non-negative duration between two epoch-millis stamps
func DurationMillis(start, end int64) int64 {
	if start <= 0 || end <= 0 || end < start {
		return 0
	}
	return end - start
}
