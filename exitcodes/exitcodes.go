// Package exitcodes defines the exit codes used by op-launch.
package exitcodes

// Exit code constants used by op-launch:
//
// * Success (0): every case in every report passed or was disabled
// * TestFailure (1): at least one case FAILED or ABORTED
// * RuntimeErr (2): the stream could not be read or the run could not be set up
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
