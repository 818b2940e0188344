// Package engine provides the orchestration core of the convergence pipeline.
//
// # Overview
//
// A pipeline run validates infrastructure configurations end to end: required
// modules are loaded, configurations are linted and published to a remote
// automation service, test instances are provisioned against them and the
// resulting nodes are verified for convergence. The engine supplies the
// control-flow primitives the pipeline is assembled from:
//
//   - TaskGraph: named tasks with declared dependencies, run one at a time in
//     registration order with global enter/exit hooks and fail-fast semantics
//   - PollUntil: wait until an external condition holds or a deadline elapses
//   - Runner and Job: run work on its own goroutine and join its captured result
//   - FanOut: one job per (configuration, environment) pair, joined in launch order
//
// # Task Graph
//
// Dependencies must be registered before the tasks that name them:
//
//	g := engine.NewTaskGraph()
//	g.MustRegister(engine.Task{Name: "lint", Action: lint})
//	g.MustRegister(engine.Task{Name: "publish", Depends: []string{"lint"}, Action: publish})
//	err := g.Run(ctx, run, "publish")
//
// The first failing task stops the run. The exit hooks still observe that task,
// and the failure is returned as a *TaskError.
//
// # Fan-Out
//
// Provisioning legs share nothing mutable. Each leg authenticates on its own
// session and reads only the run ID, account and credentials from the
// PipelineRun. A failed leg never cancels its siblings; failures are reported
// together in a *ProvisioningFailedError once every leg has terminated.
//
// # Error Classification
//
// Errors are classified for polling and exit handling:
//
//   - Transient: temporary failures a poll treats as "not yet"
//   - Permanent: failures that abort the current operation
//
// and carry a Kind (input, authentication, publish, poll_timeout,
// provisioning_failed, verification_failed, structural) inspected with KindOf.
package engine
