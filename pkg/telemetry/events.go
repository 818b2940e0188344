package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable moment of a pipeline run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID.
	RunID string `json:"run_id,omitempty"`

	// Task is the associated task name, if applicable.
	Task string `json:"task,omitempty"`

	// Leg is the associated provisioning leg, if applicable.
	Leg string `json:"leg,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeLegCompleted  = "leg.completed"
	EventTypeLegFailed     = "leg.failed"
	EventTypeVerification  = "verification.reported"
	EventTypeLintViolation = "lint.violation"
	EventTypeTeardown      = "teardown"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, buildRoot string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started for %s", runID, buildRoot),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"build_root": buildRoot,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID string, exitCode int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed", runID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"exit_code": exitCode,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, task string, exitCode int, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "pipeline",
		RunID:   runID,
		Task:    task,
		Message: fmt.Sprintf("Run %s failed in %s: %s", runID, task, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"exit_code": exitCode,
			"reason":    reason,
		},
	})
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(runID, task string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskStarted,
		Source:  "pipeline",
		RunID:   runID,
		Task:    task,
		Message: fmt.Sprintf("Task %s started", task),
		Level:   EventLevelInfo,
	})
}

// PublishTaskFinished publishes a task completed or failed event.
func (ep *EventPublisher) PublishTaskFinished(runID, task string, duration time.Duration, err error) error {
	event := Event{
		Type:    EventTypeTaskCompleted,
		Source:  "pipeline",
		RunID:   runID,
		Task:    task,
		Message: fmt.Sprintf("Task %s completed", task),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	}
	if err != nil {
		event.Type = EventTypeTaskFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Task %s failed: %v", task, err)
		event.Data["reason"] = err.Error()
	}
	return ep.Publish(event)
}

// PublishLegFinished publishes the outcome of a provisioning leg.
func (ep *EventPublisher) PublishLegFinished(runID, leg, state string, duration time.Duration, err error) error {
	event := Event{
		Type:    EventTypeLegCompleted,
		Source:  "fanout",
		RunID:   runID,
		Leg:     leg,
		Message: fmt.Sprintf("Leg %s %s", leg, state),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"state":    state,
			"duration": duration.Seconds(),
		},
	}
	if err != nil {
		event.Type = EventTypeLegFailed
		event.Level = EventLevelError
		event.Data["reason"] = err.Error()
	}
	return ep.Publish(event)
}

// PublishVerification publishes the test counts of a verification stage.
func (ep *EventPublisher) PublishVerification(runID, stage string, total, passed, failed int) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeVerification,
		Source:  "reporter",
		RunID:   runID,
		Task:    stage,
		Message: fmt.Sprintf("Stage %s: %d passed, %d failed of %d", stage, passed, failed, total),
		Level:   level,
		Data: map[string]interface{}{
			"total":  total,
			"passed": passed,
			"failed": failed,
		},
	})
}

// PublishLintViolation publishes a lint rule violation.
func (ep *EventPublisher) PublishLintViolation(runID, configuration, rule, message string) error {
	return ep.Publish(Event{
		Type:    EventTypeLintViolation,
		Source:  "policy",
		RunID:   runID,
		Message: fmt.Sprintf("Configuration %s violates %s: %s", configuration, rule, message),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"configuration": configuration,
			"rule":          rule,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		ep.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}

		case <-ep.ctx.Done():
			// Drain whatever was published before shutdown.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers on the calling goroutine.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers pending events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
