package types

import (
	"errors"
	"fmt"
	"strings"
)

// Status represents the lifecycle state of a single test case execution
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusRunning  Status = "RUNNING"
	StatusPassed   Status = "PASSED"
	StatusFailed   Status = "FAILED"
	StatusAborted  Status = "ABORTED"
	StatusDisabled Status = "DISABLED"
)

var (
	// ErrTerminalStatus is returned when a record that already reached a terminal
	// status is asked to transition again.
	ErrTerminalStatus = errors.New("case already has a terminal status")
	// ErrNotTerminal is returned when a non-terminal status is used to finish a case.
	ErrNotTerminal = errors.New("status is not terminal")
	// ErrAlreadyStarted is returned when a record is started twice.
	ErrAlreadyStarted = errors.New("case already started")
)

var terminalStatuses = []Status{StatusPassed, StatusFailed, StatusAborted, StatusDisabled}

// IsTerminal reports whether s is one of the four final statuses
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusAborted, StatusDisabled:
		return true
	}
	return false
}

// IsFailure reports whether s should make a run unsuccessful
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusAborted
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus parses a status name, case-insensitively.
// Common runner spellings (pass, fail, skip) are accepted as aliases.
func ParseStatus(value string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "CREATED":
		return StatusCreated, nil
	case "RUNNING":
		return StatusRunning, nil
	case "PASSED", "PASS", "SUCCESSFUL":
		return StatusPassed, nil
	case "FAILED", "FAIL":
		return StatusFailed, nil
	case "ABORTED", "ABORT":
		return StatusAborted, nil
	case "DISABLED", "SKIP", "SKIPPED":
		return StatusDisabled, nil
	}
	return "", fmt.Errorf("unknown status %q", value)
}

// TerminalStatuses returns the final statuses in a stable order
func TerminalStatuses() []Status {
	out := make([]Status, len(terminalStatuses))
	copy(out, terminalStatuses)
	return out
}
