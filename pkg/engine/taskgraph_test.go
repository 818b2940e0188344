package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// recordingAction returns an action that appends the task name to order.
func recordingAction(name string, order *[]string) TaskAction {
	return func(ctx context.Context, run *PipelineRun) error {
		*order = append(*order, name)
		return nil
	}
}

func TestTaskGraph_Register_UnknownDependency(t *testing.T) {
	g := NewTaskGraph()

	err := g.Register(Task{Name: "publish", Depends: []string{"lint"}})
	if err == nil {
		t.Fatal("Expected error for unregistered dependency")
	}
	if !IsStructural(err) {
		t.Errorf("Expected structural error, got kind %s", KindOf(err))
	}
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("Expected ErrUnknownDependency, got: %v", err)
	}
}

func TestTaskGraph_Register_SelfDependency(t *testing.T) {
	g := NewTaskGraph()

	err := g.Register(Task{Name: "loop", Depends: []string{"loop"}})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("Expected ErrUnknownDependency for self dependency, got: %v", err)
	}
}

func TestTaskGraph_Register_Duplicate(t *testing.T) {
	g := NewTaskGraph()
	g.MustRegister(Task{Name: "lint"})

	err := g.Register(Task{Name: "lint"})
	if err == nil {
		t.Fatal("Expected error for duplicate task")
	}
	if !IsStructural(err) {
		t.Errorf("Expected structural error, got kind %s", KindOf(err))
	}
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("Expected ErrDuplicateTask, got: %v", err)
	}
	if len(g.Tasks()) != 1 {
		t.Errorf("Expected 1 registered task, got %d", len(g.Tasks()))
	}
}

func TestTaskGraph_Register_EmptyName(t *testing.T) {
	g := NewTaskGraph()
	if err := g.Register(Task{}); !IsStructural(err) {
		t.Fatalf("Expected structural error for empty name, got: %v", err)
	}
}

func TestTaskGraph_Run_TopologicalOrder(t *testing.T) {
	var order []string
	g := NewTaskGraph()

	// Diamond: a -> (b, c) -> d, plus an unrelated e registered last.
	tasks := []Task{
		{Name: "a"},
		{Name: "b", Depends: []string{"a"}},
		{Name: "c", Depends: []string{"a"}},
		{Name: "d", Depends: []string{"c", "b"}},
		{Name: "e"},
	}
	for _, task := range tasks {
		task.Action = recordingAction(task.Name, &order)
		if err := g.Register(task); err != nil {
			t.Fatalf("Register(%s) failed: %v", task.Name, err)
		}
	}

	if err := g.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	position := make(map[string]int)
	for i, name := range order {
		position[name] = i
	}
	for _, task := range tasks {
		for _, dep := range task.Depends {
			if position[dep] >= position[task.Name] {
				t.Errorf("Task %s ran before its dependency %s (order %v)", task.Name, dep, order)
			}
		}
	}

	want := "a,b,c,d,e"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("Expected registration order %s, got %s", want, got)
	}

	for _, task := range tasks {
		if s := g.Status(task.Name); s != TaskStatusSucceeded {
			t.Errorf("Expected %s succeeded, got %s", task.Name, s)
		}
	}
}

func TestTaskGraph_Run_EntryPointClosure(t *testing.T) {
	var order []string
	g := NewTaskGraph()
	for _, task := range []Task{
		{Name: "load"},
		{Name: "lint", Depends: []string{"load"}},
		{Name: "docs"},
		{Name: "publish", Depends: []string{"lint"}},
		{Name: "verify", Depends: []string{"publish"}},
	} {
		task.Action = recordingAction(task.Name, &order)
		g.MustRegister(task)
	}

	if err := g.Run(context.Background(), nil, "publish"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := "load,lint,publish"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if s := g.Status("verify"); s != TaskStatusPending {
		t.Errorf("Expected verify to stay pending, got %s", s)
	}
}

func TestTaskGraph_Run_UnknownEntryPoint(t *testing.T) {
	g := NewTaskGraph()
	g.MustRegister(Task{Name: "lint"})

	err := g.Run(context.Background(), nil, "deploy")
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Expected ErrUnknownTask, got: %v", err)
	}
	if !IsStructural(err) {
		t.Errorf("Expected structural error, got kind %s", KindOf(err))
	}
}

func TestTaskGraph_Run_FailFast(t *testing.T) {
	var order, entered, exited []string
	exitErrs := make(map[string]error)
	boom := errors.New("boom")

	g := NewTaskGraph()
	g.MustRegister(Task{Name: "first", Action: recordingAction("first", &order)})
	g.MustRegister(Task{Name: "second", Depends: []string{"first"}, Action: func(ctx context.Context, run *PipelineRun) error {
		order = append(order, "second")
		return boom
	}})
	g.MustRegister(Task{Name: "third", Depends: []string{"second"}, Action: recordingAction("third", &order)})
	g.MustRegister(Task{Name: "other", Action: recordingAction("other", &order)})

	g.OnEnter(func(ctx context.Context, task string) {
		entered = append(entered, task)
	})
	g.OnExit(func(ctx context.Context, task string, err error) {
		exited = append(exited, task)
		exitErrs[task] = err
	})

	err := g.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("Expected run to fail")
	}

	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("Expected *TaskError, got %T", err)
	}
	if taskErr.Task != "second" {
		t.Errorf("Expected failing task second, got %s", taskErr.Task)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected error chain to contain the task error")
	}

	if got := strings.Join(order, ","); got != "first,second" {
		t.Errorf("Expected only first,second to run, got %s", got)
	}
	if got := strings.Join(entered, ","); got != "first,second" {
		t.Errorf("Expected enter hook for first,second, got %s", got)
	}
	if got := strings.Join(exited, ","); got != "first,second" {
		t.Errorf("Expected exit hook for first,second, got %s", got)
	}
	if exitErrs["first"] != nil {
		t.Errorf("Expected nil exit error for first, got %v", exitErrs["first"])
	}
	if !errors.Is(exitErrs["second"], boom) {
		t.Errorf("Expected exit hook to receive the failure, got %v", exitErrs["second"])
	}

	if s := g.Status("second"); s != TaskStatusFailed {
		t.Errorf("Expected second failed, got %s", s)
	}
	for _, name := range []string{"third", "other"} {
		if s := g.Status(name); s != TaskStatusSkipped {
			t.Errorf("Expected %s skipped, got %s", name, s)
		}
	}
}

func TestTaskGraph_Run_NotReenterable(t *testing.T) {
	runs := 0
	g := NewTaskGraph()
	g.MustRegister(Task{Name: "once", Action: func(ctx context.Context, run *PipelineRun) error {
		runs++
		return nil
	}})

	if err := g.Run(context.Background(), nil); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	err := g.Run(context.Background(), nil)
	if !errors.Is(err, ErrGraphAlreadyRun) {
		t.Fatalf("Expected ErrGraphAlreadyRun, got: %v", err)
	}
	if runs != 1 {
		t.Errorf("Expected action to run once, ran %d times", runs)
	}
}

func TestTaskGraph_Run_CancelledContext(t *testing.T) {
	ran := false
	g := NewTaskGraph()
	g.MustRegister(Task{Name: "never", Action: func(ctx context.Context, run *PipelineRun) error {
		ran = true
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if ran {
		t.Error("Expected no task to run on a cancelled context")
	}
}

func TestTaskGraph_Run_PassesPipelineRun(t *testing.T) {
	run := NewPipelineRun("/build", Credentials{TenantID: "tenant"})
	g := NewTaskGraph()
	g.MustRegister(Task{Name: "load", Action: func(ctx context.Context, r *PipelineRun) error {
		return r.SetConfigurations([]Configuration{{Name: "web", Environments: []string{"WinA"}}})
	}})
	g.MustRegister(Task{Name: "read", Depends: []string{"load"}, Action: func(ctx context.Context, r *PipelineRun) error {
		if len(r.Configurations()) != 1 {
			t.Errorf("Expected 1 configuration, got %d", len(r.Configurations()))
		}
		return nil
	}})

	if err := g.Run(context.Background(), run); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestTaskGraph_Order(t *testing.T) {
	g := NewTaskGraph()
	g.MustRegister(Task{Name: "a"})
	g.MustRegister(Task{Name: "b"})
	g.MustRegister(Task{Name: "c", Depends: []string{"a"}})

	order, err := g.Order("c")
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if got := strings.Join(order, ","); got != "a,c" {
		t.Errorf("Expected a,c, got %s", got)
	}

	all, err := g.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if got := strings.Join(all, ","); got != "a,b,c" {
		t.Errorf("Expected a,b,c, got %s", got)
	}
}

func TestTaskGraph_ToDOT(t *testing.T) {
	g := NewTaskGraph()
	g.MustRegister(Task{Name: "lint", Synopsis: "Lint configurations"})
	g.MustRegister(Task{Name: "publish", Synopsis: "Publish configurations", Depends: []string{"lint"}})

	dot := g.ToDOT()

	for _, want := range []string{
		"digraph TaskGraph {",
		"cluster_level_0",
		"cluster_level_1",
		`"lint" -> "publish";`,
		`tooltip="Publish configurations"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q\n%s", want, dot)
		}
	}
}
