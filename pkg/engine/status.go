package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a pipeline run.
type RunStatus string

const (
	// RunStatusPending indicates the run is constructed but no task has started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates tasks are executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every task in the run completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a task aborted the run.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// TaskStatus represents the execution state of a task within a run.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates the task action is executing.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSucceeded indicates the task action returned without error.
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed indicates the task action returned an error.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusSkipped indicates the task never ran because an earlier task failed.
	TaskStatusSkipped TaskStatus = "skipped"
)

// IsTerminal returns true if the task will not change state again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// JobState represents the lifecycle of a concurrently executing job.
type JobState int32

const (
	// JobPending is the state of a job that has been created but not launched.
	JobPending JobState = iota

	// JobRunning is the state of a launched job whose work has not returned.
	JobRunning

	// JobSucceeded is the state of a job whose work returned nil.
	JobSucceeded

	// JobFailed is the state of a job whose work returned an error or panicked.
	JobFailed
)

// String returns the lowercase name of the state.
func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("JobState(%d)", int32(s))
	}
}

// IsTerminal returns true for succeeded and failed.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ComplianceState is the convergence state the automation service reports for a node.
type ComplianceState string

const (
	ComplianceUnknown      ComplianceState = "Unknown"
	CompliancePending      ComplianceState = "Pending"
	ComplianceInProgress   ComplianceState = "InProgress"
	ComplianceCompliant    ComplianceState = "Compliant"
	ComplianceNonCompliant ComplianceState = "NonCompliant"
	ComplianceFailed       ComplianceState = "Failed"
)

// IsConverged returns true once the node has applied its configuration successfully.
func (s ComplianceState) IsConverged() bool {
	return s == ComplianceCompliant
}

// IsFailed returns true if the node reported a state from which it will not converge.
func (s ComplianceState) IsFailed() bool {
	return s == ComplianceFailed || s == ComplianceNonCompliant
}
