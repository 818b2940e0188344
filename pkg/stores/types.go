package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one recorded pipeline run.
type Run struct {
	ID         string     `json:"id"`
	BuildRoot  string     `json:"build_root"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	FailedTask *string    `json:"failed_task,omitempty"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is unfinished.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// TaskRecord is the status of one task within a run.
type TaskRecord struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LegRecord is the outcome of one provisioning leg.
type LegRecord struct {
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Error      *string       `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Event is one recorded telemetry event.
type Event struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Task      *string   `json:"task,omitempty"`
	Leg       *string   `json:"leg,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// EventFilter narrows GetEvents. Zero values match everything.
type EventFilter struct {
	RunID string
	Type  string
	Level string
	Limit int
}

// Store is the run history.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id, status string, exitCode int, failedTask, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	StartTask(ctx context.Context, runID, name string, at time.Time) error
	FinishTask(ctx context.Context, runID, name, status string, errMsg *string, at time.Time) error
	ListTasks(ctx context.Context, runID string) ([]*TaskRecord, error)

	RecordLeg(ctx context.Context, leg *LegRecord) error
	ListLegs(ctx context.Context, runID string) ([]*LegRecord, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

var _ Store = (*SQLiteStore)(nil)
