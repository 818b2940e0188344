// Package telemetry provides observability instrumentation for pipeline runs.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing.
//
// # Usage
//
// Initialize telemetry at process start:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Runs and Tasks
//
// The pipeline reports its lifecycle through RunStarted/RunFinished and
// TaskStarted/TaskFinished. Each opens or closes a span, updates the Prometheus
// collectors and publishes an Event:
//
//	ctx = tel.RunStarted(ctx, run.ID, run.BuildRoot)
//	tel.TaskStarted(ctx, run.ID, "lint")
//	tel.TaskFinished(run.ID, "lint", "", nil)
//	tel.RunFinished(run.ID, 0, "", nil)
//
// Task spans are children of the run span even though task hooks cannot carry
// a context forward.
//
// # Metrics
//
// When enabled, metrics are served by a chi router on ListenAddress:
//
//	GET /metrics   Prometheus/OpenMetrics exposition
//	GET /healthz   liveness probe
//
// # Events
//
// Events are delivered to subscribers in publish order on a single goroutine.
// Shutdown drains the buffer before returning, so subscribers such as the run
// history store see every event published before shutdown.
package telemetry
