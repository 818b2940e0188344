package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	mu    sync.Mutex
	tasks map[string]*taskSpan
	run   *taskSpan
}

// taskSpan is an in-flight span together with its start time.
type taskSpan struct {
	span  trace.Span
	ctx   context.Context
	timer *Timer
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return NewTelemetryWithLogger(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance that logs through logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
		tasks:   make(map[string]*taskSpan),
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops the event publisher, the tracer and the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return t.Metrics.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// RunStarted opens the run span and records the run start.
// It returns a context carrying the span, the telemetry and a run-scoped logger.
func (t *Telemetry) RunStarted(ctx context.Context, runID, buildRoot string) context.Context {
	spanCtx, span := t.Tracer.StartRunSpan(ctx, runID)
	spanCtx = t.Logger.WithRunID(runID).WithContext(t.WithContext(spanCtx))

	t.mu.Lock()
	t.run = &taskSpan{span: span, ctx: spanCtx, timer: NewTimer()}
	t.mu.Unlock()

	t.Metrics.RecordRunStarted()
	_ = t.Events.PublishRunStarted(runID, buildRoot)
	return spanCtx
}

// RunFinished closes the run span and records the outcome.
// failedTask is the task that aborted the run, or "" on success.
func (t *Telemetry) RunFinished(runID string, exitCode int, failedTask string, err error) {
	t.mu.Lock()
	run := t.run
	t.run = nil
	t.mu.Unlock()

	var duration time.Duration
	if run != nil {
		duration = run.timer.Duration()
		run.span.SetAttributes(AttrExitCode.Int(exitCode))
		if err != nil {
			RecordError(run.span, err)
		} else {
			RecordSuccess(run.span)
		}
		run.span.End()
	}

	status := "succeeded"
	if err != nil {
		status = "failed"
		_ = t.Events.PublishRunFailed(runID, failedTask, exitCode, err.Error())
	} else {
		_ = t.Events.PublishRunCompleted(runID, exitCode, duration)
	}
	t.Metrics.RecordRunCompleted(status, duration)
}

// TaskStarted opens a span for a task under the run span.
func (t *Telemetry) TaskStarted(ctx context.Context, runID, task string) {
	t.mu.Lock()
	parent := ctx
	if t.run != nil {
		parent = t.run.ctx
	}
	_, span := t.Tracer.StartTaskSpan(parent, runID, task)
	t.tasks[task] = &taskSpan{span: span, timer: NewTimer()}
	t.mu.Unlock()

	_ = t.Events.PublishTaskStarted(runID, task)
}

// TaskFinished closes the task span and records metrics and events.
func (t *Telemetry) TaskFinished(runID, task, kind string, err error) time.Duration {
	t.mu.Lock()
	ts := t.tasks[task]
	delete(t.tasks, task)
	t.mu.Unlock()

	var duration time.Duration
	if ts != nil {
		duration = ts.timer.Duration()
		if err != nil {
			ts.span.SetAttributes(AttrErrorKind.String(kind))
			RecordError(ts.span, err)
		} else {
			RecordSuccess(ts.span)
		}
		ts.span.End()
	}

	status := "succeeded"
	if err != nil {
		status = "failed"
		t.Metrics.RecordError(kind)
	}
	t.Metrics.RecordTask(task, status, duration)
	_ = t.Events.PublishTaskFinished(runID, task, duration, err)
	return duration
}

// LegFinished records a joined provisioning leg. Its span is backdated to
// when the leg started.
func (t *Telemetry) LegFinished(runID, leg, state string, duration time.Duration, err error) {
	t.mu.Lock()
	parent := context.Background()
	if t.run != nil {
		parent = t.run.ctx
	}
	t.mu.Unlock()

	_, span := t.Tracer.StartLegSpan(parent, runID, leg, time.Now().Add(-duration))
	span.SetAttributes(AttrLegState.String(state))
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()

	t.Metrics.RecordLeg(state, duration)
	_ = t.Events.PublishLegFinished(runID, leg, state, duration, err)
}

// InstrumentedContext carries a span, a logger and a timer for one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}
