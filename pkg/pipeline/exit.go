package pipeline

import (
	"errors"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Process exit codes.
const (
	ExitSuccess = 0

	// ExitStructural is returned for every failure that is not a failed
	// verification stage.
	ExitStructural = 255

	// maxFailedExit keeps a failed-test count from colliding with ExitStructural.
	maxFailedExit = 254
)

// ExitCode maps the outcome of a run to the process exit status: 0 on
// success, the failed-test count of the stage for a verification failure,
// ExitStructural otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var vf *engine.VerificationFailedError
	if errors.As(err, &vf) {
		switch n := vf.Summary.Failed; {
		case n < 1:
			return 1
		case n > maxFailedExit:
			return maxFailedExit
		default:
			return n
		}
	}
	return ExitStructural
}

// FailedTask returns the task that aborted the run, or "" when err did not
// come from a task.
func FailedTask(err error) string {
	var te *engine.TaskError
	if errors.As(err, &te) {
		return te.Task
	}
	return ""
}
