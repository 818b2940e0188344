package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry and polling logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on the next attempt.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration metadata, rejected credentials, a remote job in a failed state.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies which pipeline failure an error represents.
type ErrorKind string

const (
	// KindInput is missing or invalid configuration metadata.
	KindInput ErrorKind = "input"

	// KindAuthentication is a rejected or failed credential exchange.
	KindAuthentication ErrorKind = "authentication"

	// KindPublish is a module or configuration publish failure.
	KindPublish ErrorKind = "publish"

	// KindPollTimeout is a poll whose deadline elapsed before the condition held.
	KindPollTimeout ErrorKind = "poll_timeout"

	// KindProvisioningFailed aggregates the failed legs of a provisioning fan-out.
	KindProvisioningFailed ErrorKind = "provisioning_failed"

	// KindVerificationFailed is a verification stage that reported failed tests.
	KindVerificationFailed ErrorKind = "verification_failed"

	// KindStructural is a task graph misconfiguration.
	KindStructural ErrorKind = "structural"

	// KindInternal is anything else.
	KindInternal ErrorKind = "internal"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrUnknownDependency is returned when a task depends on a task that is not registered yet.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrUnknownTask is returned when an entry point names a task that does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrGraphAlreadyRun is returned when a task graph is run a second time.
	ErrGraphAlreadyRun = errors.New("task graph already run")

	// ErrMissingEnvironment is returned when a configuration declares an empty target environment.
	ErrMissingEnvironment = errors.New("missing target environment")
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification used by the poller.
	Class ErrorClass `json:"class"`

	// Kind is the pipeline failure kind.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Subject names the configuration, module, task or leg the error is about, if any.
	Subject string `json:"subject,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Kind, e.Message)
	if e.Subject != "" {
		fmt.Fprintf(&sb, " (subject=%s)", e.Subject)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when they share a kind and class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Class == t.Class
}

// WithSubject sets the subject of the error.
func (e *EngineError) WithSubject(subject string) *EngineError {
	e.Subject = subject
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(class ErrorClass, kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Class: class, Kind: kind, Message: message, Err: err}
}

// NewTransientError creates a transient error. The poller treats these as "not yet".
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, KindInternal, message, err)
}

// NewPermanentError creates a permanent error of kind internal.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindInternal, message, err)
}

// NewInputError creates an error for missing or invalid configuration metadata.
func NewInputError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindInput, message, err)
}

// NewAuthenticationError creates an error for a failed credential exchange.
func NewAuthenticationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindAuthentication, message, err)
}

// NewPublishError creates an error for a failed module or configuration publish.
func NewPublishError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindPublish, message, err)
}

// NewStructuralError creates an error for task graph misconfiguration.
func NewStructuralError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindStructural, message, err)
}

// PollTimeoutError is returned by PollUntil when the deadline elapses before the
// condition is observed to hold.
type PollTimeoutError struct {
	// LastState is the last state reported by the condition, or the text of the
	// last transient error.
	LastState string

	// Timeout is the poll deadline.
	Timeout time.Duration

	// Attempts is how many times the condition was evaluated.
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("[%s] condition not met after %s (%d attempts, last state: %q)",
		KindPollTimeout, e.Timeout, e.Attempts, e.LastState)
}

// LegFailure is one failed leg of a provisioning fan-out.
type LegFailure struct {
	Leg string
	Err error
}

// ProvisioningFailedError aggregates every failed leg of a fan-out.
// It is only produced after all legs have terminated.
type ProvisioningFailedError struct {
	Failures []LegFailure
	Total    int
}

func (e *ProvisioningFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Leg, f.Err))
	}
	return fmt.Sprintf("[%s] %d of %d legs failed: %s",
		KindProvisioningFailed, len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// Unwrap exposes the per-leg errors to errors.Is and errors.As.
func (e *ProvisioningFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedLegs returns the names of the failed legs in launch order.
func (e *ProvisioningFailedError) FailedLegs() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Leg)
	}
	return names
}

// VerificationFailedError reports a verification stage with failed tests.
type VerificationFailedError struct {
	Stage   string
	Summary TestSummary
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("[%s] stage %s: %d of %d tests failed",
		KindVerificationFailed, e.Stage, e.Summary.Failed, e.Summary.Total)
}

// TaskError wraps the error of the task that aborted a graph run.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// KindOf returns the pipeline failure kind of err, or the empty kind for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	// Aggregates first: a fan-out error wraps the errors of its legs.
	var pf *ProvisioningFailedError
	if errors.As(err, &pf) {
		return KindProvisioningFailed
	}
	var vf *VerificationFailedError
	if errors.As(err, &vf) {
		return KindVerificationFailed
	}
	var pt *PollTimeoutError
	if errors.As(err, &pt) {
		return KindPollTimeout
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsInput returns true if the error is an input error.
func IsInput(err error) bool {
	return KindOf(err) == KindInput
}

// IsStructural returns true if the error is a task graph misconfiguration.
func IsStructural(err error) bool {
	return KindOf(err) == KindStructural
}

// IsAuthentication returns true if the error is an authentication failure.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}
