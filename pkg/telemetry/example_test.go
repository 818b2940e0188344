package telemetry_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/convergence/pkg/telemetry"
)

// Example_runInstrumentation demonstrates reporting a run with two tasks.
func Example_runInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Task)
	}, telemetry.FilterByType(telemetry.EventTypeTaskCompleted, telemetry.EventTypeTaskFailed))

	ctx := tel.RunStarted(context.Background(), "run-1", "/build")

	tel.TaskStarted(ctx, "run-1", "lint")
	tel.TaskFinished("run-1", "lint", "", nil)

	tel.TaskStarted(ctx, "run-1", "publish-modules")
	tel.TaskFinished("run-1", "publish-modules", "publish", errors.New("rejected"))

	tel.RunFinished("run-1", 255, "publish-modules", errors.New("rejected"))
	_ = tel.Shutdown(context.Background())

	// Output:
	// task.completed lint
	// task.failed publish-modules
}

// Example_structuredLogging demonstrates component and run scoped loggers.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Enabled = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("fanout").
		WithRunID("run-123").
		WithConfiguration("web", "WinA")

	logger.Debug("Launching leg")
	logger.WithError(fmt.Errorf("quota exceeded")).Error("Leg failed")

	// Output varies, no output specified
}
