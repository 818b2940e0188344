package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EnterHook is invoked with the task name before each task runs.
type EnterHook func(ctx context.Context, task string)

// ExitHook is invoked after each task with the task name and the error the task
// returned, which is nil on success. It runs for the failing task too.
type ExitHook func(ctx context.Context, task string, err error)

// TaskGraph is a static set of named tasks with declared dependencies.
//
// A dependency must be registered before the task that names it, so the
// registration order is always a valid topological order and cycles cannot be
// expressed. Tasks run one at a time on the caller's goroutine.
type TaskGraph struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	order    []string
	status   map[string]TaskStatus
	enter    []EnterHook
	exit     []ExitHook
	executed bool
}

// NewTaskGraph creates an empty task graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:  make(map[string]*Task),
		status: make(map[string]TaskStatus),
	}
}

// Register adds a task to the graph.
func (g *TaskGraph) Register(task Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task.Name == "" {
		return NewStructuralError("task name must not be empty", nil)
	}
	if _, exists := g.tasks[task.Name]; exists {
		return NewStructuralError(fmt.Sprintf("task %q already registered", task.Name), ErrDuplicateTask).
			WithSubject(task.Name)
	}
	for _, dep := range task.Depends {
		if _, ok := g.tasks[dep]; !ok {
			return NewStructuralError(fmt.Sprintf("task %q depends on %q which is not registered", task.Name, dep), ErrUnknownDependency).
				WithSubject(task.Name).
				WithDetail("dependency", dep)
		}
	}

	t := task
	t.Depends = append([]string(nil), task.Depends...)
	g.tasks[t.Name] = &t
	g.order = append(g.order, t.Name)
	g.status[t.Name] = TaskStatusPending
	return nil
}

// MustRegister registers a task and panics on error. Intended for fixed task sets.
func (g *TaskGraph) MustRegister(task Task) {
	if err := g.Register(task); err != nil {
		panic(err)
	}
}

// OnEnter installs a hook invoked before every task.
func (g *TaskGraph) OnEnter(h EnterHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enter = append(g.enter, h)
}

// OnExit installs a hook invoked after every task.
func (g *TaskGraph) OnExit(h ExitHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exit = append(g.exit, h)
}

// Tasks returns the registered tasks in registration order.
func (g *TaskGraph) Tasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Task, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, *g.tasks[name])
	}
	return out
}

// Status returns the current status of a task.
func (g *TaskGraph) Status(name string) TaskStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status[name]
}

// Order returns the tasks Run would execute for the given entry points, without
// running them. With no entry points every registered task is included.
func (g *TaskGraph) Order(entries ...string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orderLocked(entries)
}

func (g *TaskGraph) orderLocked(entries []string) ([]string, error) {
	if len(entries) == 0 {
		return append([]string(nil), g.order...), nil
	}

	needed := make(map[string]bool, len(g.tasks))
	var visit func(name string)
	visit = func(name string) {
		if needed[name] {
			return
		}
		needed[name] = true
		for _, dep := range g.tasks[name].Depends {
			visit(dep)
		}
	}
	for _, entry := range entries {
		if _, ok := g.tasks[entry]; !ok {
			return nil, NewStructuralError(fmt.Sprintf("entry point %q is not a registered task", entry), ErrUnknownTask).
				WithSubject(entry)
		}
		visit(entry)
	}

	order := make([]string, 0, len(needed))
	for _, name := range g.order {
		if needed[name] {
			order = append(order, name)
		}
	}
	return order, nil
}

// Run executes the dependency closure of the entry points in registration order.
// The first failing task stops the run; its error is returned as a *TaskError.
// A graph can only be run once.
func (g *TaskGraph) Run(ctx context.Context, run *PipelineRun, entries ...string) error {
	g.mu.Lock()
	if g.executed {
		g.mu.Unlock()
		return NewStructuralError("tasks are not re-enterable", ErrGraphAlreadyRun)
	}
	order, err := g.orderLocked(entries)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	g.executed = true
	enter := append([]EnterHook(nil), g.enter...)
	exit := append([]ExitHook(nil), g.exit...)
	g.mu.Unlock()

	for i, name := range order {
		if err := ctx.Err(); err != nil {
			g.skip(order[i:])
			return &TaskError{Task: name, Err: err}
		}

		task := g.task(name)
		for _, h := range enter {
			h(ctx, name)
		}

		g.setStatus(name, TaskStatusRunning)
		var taskErr error
		if task.Action != nil {
			taskErr = task.Action(ctx, run)
		}
		if taskErr != nil {
			g.setStatus(name, TaskStatusFailed)
		} else {
			g.setStatus(name, TaskStatusSucceeded)
		}

		for _, h := range exit {
			h(ctx, name, taskErr)
		}

		if taskErr != nil {
			g.skip(order[i+1:])
			return &TaskError{Task: name, Err: taskErr}
		}
	}
	return nil
}

func (g *TaskGraph) task(name string) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tasks[name]
}

func (g *TaskGraph) setStatus(name string, s TaskStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[name] = s
}

func (g *TaskGraph) skip(names []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range names {
		g.status[name] = TaskStatusSkipped
	}
}

// levels groups tasks by dependency depth. Level 0 tasks have no dependencies.
func (g *TaskGraph) levels() [][]string {
	depth := make(map[string]int, len(g.order))
	maxDepth := -1
	for _, name := range g.order {
		d := 0
		for _, dep := range g.tasks[name].Depends {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, name := range g.order {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

// ToDOT generates a DOT format representation of the task graph for visualization.
// Tasks are clustered by dependency depth.
func (g *TaskGraph) ToDOT() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("digraph TaskGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			t := g.tasks[name]
			sb.WriteString(fmt.Sprintf("    %q [label=%q, tooltip=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				name, name, t.Synopsis, statusColor(g.status[name])))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range g.order {
		deps := append([]string(nil), g.tasks[name].Depends...)
		sort.Strings(deps)
		for _, dep := range deps {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// statusColor returns a fill color for a task status.
func statusColor(s TaskStatus) string {
	switch s {
	case TaskStatusRunning:
		return "lightyellow"
	case TaskStatusSucceeded:
		return "lightgreen"
	case TaskStatusFailed:
		return "lightcoral"
	case TaskStatusSkipped:
		return "lightgray"
	default:
		return "white"
	}
}
