package launch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

// Stage names the part of a launch that failed
type Stage string

const (
	StageConfig  Stage = "config"
	StageStream  Stage = "stream"
	StageReplay  Stage = "replay"
	StagePublish Stage = "publish"
)

// RuntimeError stops a launch with exit code 2: the stream could not be read or
// replayed, or a finished report could not be delivered.
type RuntimeError struct {
	Stage Stage
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error during %s: %v", e.Stage, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(stage Stage, err error) *RuntimeError {
	return &RuntimeError{Stage: stage, Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError names the top-level groups whose reports hold FAILED or
// ABORTED cases (exit code 1)
type TestFailureError struct {
	LaunchID string
	Groups   []string
	Reports  int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure in launch %s: %d of %d report(s) have failed or aborted cases (%s)",
		e.LaunchID, len(e.Groups), e.Reports, strings.Join(e.Groups, ", "))
}

// newTestFailureError returns nil when every report passed
func newTestFailureError(reports []*types.Report) *TestFailureError {
	var failed *TestFailureError
	for _, r := range reports {
		if !r.HasFailures() {
			continue
		}
		if failed == nil {
			failed = &TestFailureError{LaunchID: r.Header.LaunchID, Reports: len(reports)}
		}
		failed.Groups = append(failed.Groups, r.Root.Name)
	}
	return failed
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
