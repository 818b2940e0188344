package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/telemetry"
)

func TestRecorderProjectsRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	recorder := NewRecorder(store, zerolog.Nop())
	publisher.Subscribe(recorder.Handle, nil)

	const runID = "5f0c6b1e-run"
	steps := []func() error{
		func() error { return publisher.PublishRunStarted(runID, "/build") },
		func() error { return publisher.PublishTaskStarted(runID, "load-dependencies") },
		func() error {
			return publisher.PublishTaskFinished(runID, "load-dependencies", time.Second, nil)
		},
		func() error { return publisher.PublishTaskStarted(runID, "provision-instances") },
		func() error {
			return publisher.PublishLegFinished(runID, "web-ubuntu-22.04", "succeeded", 1500*time.Millisecond, nil)
		},
		func() error {
			return publisher.PublishLegFinished(runID, "web-windows-2022", "failed", time.Second, errors.New("bootstrap failed"))
		},
		func() error {
			return publisher.PublishTaskFinished(runID, "provision-instances", 2*time.Second, errors.New("1 of 2 legs failed"))
		},
		func() error {
			return publisher.PublishRunFailed(runID, "provision-instances", 255, "1 of 2 legs failed")
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: publish failed: %v", i, err)
		}
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != "failed" || run.BuildRoot != "/build" {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.ExitCode == nil || *run.ExitCode != 255 {
		t.Errorf("expected exit code 255, got %v", run.ExitCode)
	}
	if run.FailedTask == nil || *run.FailedTask != "provision-instances" {
		t.Errorf("expected failed task provision-instances, got %v", run.FailedTask)
	}

	tasks, err := store.ListTasks(ctx, runID)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Status != "succeeded" || tasks[1].Status != "failed" {
		t.Errorf("unexpected task statuses: %s, %s", tasks[0].Status, tasks[1].Status)
	}

	legs, err := store.ListLegs(ctx, runID)
	if err != nil {
		t.Fatalf("failed to list legs: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(legs))
	}
	if legs[0].State != "succeeded" || legs[0].Duration != 1500*time.Millisecond {
		t.Errorf("unexpected leg: %+v", legs[0])
	}
	if legs[1].Error == nil || *legs[1].Error != "bootstrap failed" {
		t.Errorf("expected leg error, got %v", legs[1].Error)
	}

	events, err := store.GetEvents(ctx, EventFilter{RunID: runID})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("expected %d events, got %d", len(steps), len(events))
	}
	if events[0].Type != telemetry.EventTypeRunStarted {
		t.Errorf("expected first event run.started, got %s", events[0].Type)
	}
	if events[len(events)-1].Data == nil {
		t.Error("expected event data to be stored")
	}
}

func TestRecorderCompletedRun(t *testing.T) {
	store := setupTestStore(t)
	recorder := NewRecorder(store, zerolog.Nop())

	recorder.Handle(telemetry.Event{
		Type:  telemetry.EventTypeRunStarted,
		RunID: "run-ok",
		Level: telemetry.EventLevelInfo,
		Data:  map[string]interface{}{"build_root": "/src"},
	})
	recorder.Handle(telemetry.Event{
		Type:  telemetry.EventTypeRunCompleted,
		RunID: "run-ok",
		Level: telemetry.EventLevelInfo,
		Data:  map[string]interface{}{"exit_code": 0},
	})

	run, err := store.GetRun(context.Background(), "run-ok")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != "succeeded" {
		t.Errorf("expected succeeded, got %s", run.Status)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", run.ExitCode)
	}
}

func TestRecorderIgnoresEventsWithoutRun(t *testing.T) {
	store := setupTestStore(t)
	recorder := NewRecorder(store, zerolog.Nop())

	recorder.Handle(telemetry.Event{Type: telemetry.EventTypeTeardown, Message: "no run"})

	events, err := store.GetEvents(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}
