package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/telemetry"
)

// Recorder projects telemetry events into the run history. Subscribe its
// Handle method to the event publisher.
type Recorder struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logger.With().Str("component", "history").Logger(),
		timeout: 5 * time.Second,
	}
}

// Handle records one event. Write failures are logged; history is never
// allowed to fail a run.
func (r *Recorder) Handle(event telemetry.Event) {
	if event.RunID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	if err := r.project(ctx, event, at); err != nil {
		r.logger.Warn().Err(err).Str("event", event.Type).Str("run_id", event.RunID).Msg("Failed to record event")
		return
	}

	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := &Event{
		ID:        id,
		RunID:     event.RunID,
		Type:      event.Type,
		Source:    event.Source,
		Task:      optional(event.Task),
		Leg:       optional(event.Leg),
		Level:     event.Level,
		Message:   event.Message,
		CreatedAt: at,
	}
	if len(event.Data) > 0 {
		if data, err := json.Marshal(event.Data); err == nil {
			s := string(data)
			rec.Data = &s
		}
	}
	if err := r.store.AppendEvent(ctx, rec); err != nil {
		r.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to append event")
	}
}

func (r *Recorder) project(ctx context.Context, event telemetry.Event, at time.Time) error {
	switch event.Type {
	case telemetry.EventTypeRunStarted:
		buildRoot, _ := event.Data["build_root"].(string)
		return r.store.CreateRun(ctx, &Run{
			ID:        event.RunID,
			BuildRoot: buildRoot,
			Status:    "running",
			StartedAt: at,
		})

	case telemetry.EventTypeRunCompleted:
		return r.store.FinishRun(ctx, event.RunID, "succeeded", intData(event.Data, "exit_code"), nil, nil)

	case telemetry.EventTypeRunFailed:
		reason, _ := event.Data["reason"].(string)
		return r.store.FinishRun(ctx, event.RunID, "failed", intData(event.Data, "exit_code"),
			optional(event.Task), optional(reason))

	case telemetry.EventTypeTaskStarted:
		return r.store.StartTask(ctx, event.RunID, event.Task, at)

	case telemetry.EventTypeTaskCompleted:
		return r.store.FinishTask(ctx, event.RunID, event.Task, "succeeded", nil, at)

	case telemetry.EventTypeTaskFailed:
		reason, _ := event.Data["reason"].(string)
		return r.store.FinishTask(ctx, event.RunID, event.Task, "failed", optional(reason), at)

	case telemetry.EventTypeLegCompleted, telemetry.EventTypeLegFailed:
		state, _ := event.Data["state"].(string)
		reason, _ := event.Data["reason"].(string)
		seconds, _ := event.Data["duration"].(float64)
		return r.store.RecordLeg(ctx, &LegRecord{
			RunID:      event.RunID,
			Name:       event.Leg,
			State:      state,
			Error:      optional(reason),
			Duration:   time.Duration(seconds * float64(time.Second)),
			FinishedAt: at,
		})
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intData(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
