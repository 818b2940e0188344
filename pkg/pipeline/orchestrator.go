package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/stores"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

// Task names, in run order.
const (
	TaskLoadDependencies      = "load-dependencies"
	TaskLoadConfigurations    = "load-configurations"
	TaskLint                  = "lint"
	TaskAuthenticate          = "authenticate"
	TaskProvisionBackend      = "provision-backend"
	TaskPublishModules        = "publish-modules"
	TaskPublishConfigurations = "publish-configurations"
	TaskVerifyCompilation     = "verify-compilation"
	TaskProvisionInstances    = "provision-instances"
	TaskWaitConvergence       = "wait-convergence"
	TaskVerifyConvergence     = "verify-convergence"
)

// Verification stage tags. Each names the suites it runs and its report file.
const (
	StageUnit        = "unit"
	StageCompilation = "compilation"
	StageConvergence = "convergence"
)

// teardownTimeout bounds the best-effort cleanup after a run.
const teardownTimeout = 10 * time.Minute

// Collaborators are the external services a run is built from.
type Collaborators struct {
	Manifests     engine.ManifestReader
	Loader        engine.ConfigurationLoader
	Linter        engine.PolicyLinter
	Automation    engine.AutomationService
	Authenticator engine.Authenticator
	Provisioner   engine.InstanceProvisioner
	Tests         engine.TestRunner

	// Uploader is optional; without it reports stay local.
	Uploader engine.ReportUploader

	// Preparer is optional; nil uses a Preparer over the settings.
	Preparer engine.EnvironmentPreparer
}

func (c Collaborators) validate() error {
	missing := func(name string) error {
		return engine.NewStructuralError("pipeline collaborator not configured: "+name, nil).WithSubject(name)
	}
	switch {
	case c.Manifests == nil:
		return missing("manifests")
	case c.Loader == nil:
		return missing("loader")
	case c.Linter == nil:
		return missing("linter")
	case c.Automation == nil:
		return missing("automation")
	case c.Authenticator == nil:
		return missing("authenticator")
	case c.Provisioner == nil:
		return missing("provisioner")
	case c.Tests == nil:
		return missing("tests")
	}
	return nil
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTelemetry replaces the telemetry built from the settings.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		o.telemetry = t
	}
}

// WithHistory records every run into store.
func WithHistory(store stores.Store) Option {
	return func(o *Orchestrator) {
		o.history = store
	}
}

// WithEcho copies each provisioning leg's output to w as the leg is joined.
func WithEcho(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.echo = w
	}
}

// Orchestrator drives the fixed task sequence of one pipeline run.
//
// An Orchestrator runs once. Tasks execute on the calling goroutine; only the
// provisioning fan-out runs work concurrently.
type Orchestrator struct {
	settings  *config.Settings
	deps      Collaborators
	telemetry *telemetry.Telemetry
	history   stores.Store
	echo      io.Writer
	logger    zerolog.Logger
	graph     *engine.TaskGraph
	reporter  *Reporter

	run        *engine.PipelineRun
	discovered []engine.Configuration

	mu      sync.RWMutex
	session *engine.Session
}

// New builds an orchestrator with the full task sequence registered.
func New(settings *config.Settings, deps Collaborators, opts ...Option) (*Orchestrator, error) {
	if settings == nil {
		return nil, engine.NewStructuralError("pipeline settings are required", nil)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{settings: settings, deps: deps}
	for _, opt := range opts {
		opt(o)
	}

	if o.telemetry == nil {
		t, err := telemetry.NewTelemetry(&settings.Telemetry)
		if err != nil {
			return nil, engine.NewInputError("failed to initialise telemetry", err)
		}
		o.telemetry = t
	}
	o.logger = o.telemetry.Logger.NewComponentLogger("pipeline").Zerolog()

	if o.deps.Preparer == nil {
		o.deps.Preparer = &Preparer{Settings: settings, Logger: o.logger}
	}
	o.reporter = &Reporter{
		Tests:     deps.Tests,
		Uploader:  deps.Uploader,
		Settings:  settings,
		Telemetry: o.telemetry,
		Logger:    o.logger,
	}

	if o.history != nil {
		o.telemetry.Events.Subscribe(stores.NewRecorder(o.history, o.logger).Handle, nil)
	}

	o.graph = engine.NewTaskGraph()
	o.register()
	o.graph.OnEnter(o.enterTask)
	o.graph.OnExit(o.exitTask)
	return o, nil
}

func (o *Orchestrator) register() {
	steps := []struct {
		name     string
		synopsis string
		action   engine.TaskAction
	}{
		{TaskLoadDependencies, "Resolve the modules every configuration imports", o.loadDependencies},
		{TaskLoadConfigurations, "Validate and commit the discovered configurations", o.loadConfigurations},
		{TaskLint, "Lint configuration metadata and run unit suites", o.lint},
		{TaskAuthenticate, "Authenticate against the cloud tenant", o.authenticate},
		{TaskProvisionBackend, "Create the automation account for the run", o.provisionBackend},
		{TaskPublishModules, "Publish modules and wait for extraction", o.publishModules},
		{TaskPublishConfigurations, "Publish configurations and start compilation", o.publishConfigurations},
		{TaskVerifyCompilation, "Wait for compilation and run compilation suites", o.verifyCompilation},
		{TaskProvisionInstances, "Provision one test instance per configuration environment", o.provisionInstances},
		{TaskWaitConvergence, "Wait until every node reports compliance", o.waitConvergence},
		{TaskVerifyConvergence, "Run convergence suites against the nodes", o.verifyConvergence},
	}

	prev := ""
	for _, s := range steps {
		task := engine.Task{Name: s.name, Synopsis: s.synopsis, Action: s.action}
		if prev != "" {
			task.Depends = []string{prev}
		}
		o.graph.MustRegister(task)
		prev = s.name
	}
}

// Plan returns the task sequence without any collaborators, for listing and
// rendering. The returned graph must not be run.
func Plan() *engine.TaskGraph {
	o := &Orchestrator{graph: engine.NewTaskGraph()}
	o.register()
	return o.graph
}

// Graph returns the task graph, for listing and rendering.
func (o *Orchestrator) Graph() *engine.TaskGraph {
	return o.graph
}

// PipelineRun returns the run started by Run, or nil before Run.
func (o *Orchestrator) PipelineRun() *engine.PipelineRun {
	return o.run
}

// Telemetry returns the telemetry the run reports through.
func (o *Orchestrator) Telemetry() *telemetry.Telemetry {
	return o.telemetry
}

// Run executes the dependency closure of entries, the whole sequence when
// none are given, and returns the process exit code together with the error
// that aborted the run.
//
// The environment is prepared before the first task. Instances and the
// automation account created by the run are torn down afterwards whatever
// the outcome.
func (o *Orchestrator) Run(ctx context.Context, entries ...string) (int, error) {
	run := engine.NewPipelineRun(o.settings.BuildRoot, o.settings.Credentials.Engine())
	o.run = run
	logger := o.logger.With().Str("run_id", run.ID).Logger()

	ctx = o.telemetry.RunStarted(ctx, run.ID, run.BuildRoot)
	run.Status = engine.RunStatusRunning
	logger.Info().Str("build_root", run.BuildRoot).Strs("entries", entries).Msg("Pipeline run started")

	err := o.deps.Preparer.Prepare(ctx, run)
	if err != nil {
		err = &engine.TaskError{Task: "prepare", Err: err}
	} else {
		err = o.graph.Run(ctx, run, entries...)
	}

	o.teardown(ctx, run)

	code := ExitCode(err)
	failed := FailedTask(err)
	if err != nil {
		run.Status = engine.RunStatusFailed
		logger.Error().
			Err(err).
			Str("stage", failed).
			Str("kind", string(engine.KindOf(err))).
			Int("exit_code", code).
			Msg("Pipeline aborted")
	} else {
		run.Status = engine.RunStatusSucceeded
		tally := run.Tally()
		logger.Info().
			Int("total", tally.Total).
			Int("passed", tally.Passed).
			Int("skipped", tally.Skipped).
			Msg("Pipeline succeeded")
	}

	o.telemetry.RunFinished(run.ID, code, failed, err)
	return code, err
}

func (o *Orchestrator) enterTask(ctx context.Context, task string) {
	o.logger.Info().Str("run_id", o.run.ID).Str("task", task).Msg("Entering task")
	o.telemetry.TaskStarted(ctx, o.run.ID, task)
}

// exitTask records diagnostics only.
func (o *Orchestrator) exitTask(_ context.Context, task string, err error) {
	d := o.telemetry.TaskFinished(o.run.ID, task, string(engine.KindOf(err)), err)
	event := o.logger.Debug()
	if err != nil {
		event = o.logger.Error().Err(err)
	}
	event.Str("run_id", o.run.ID).Str("task", task).Dur("duration", d).Msg("Task finished")
}

// teardown deletes the instances and the automation account of run. Every
// step is attempted; failures are logged.
func (o *Orchestrator) teardown(ctx context.Context, run *engine.PipelineRun) {
	instances := run.Instances()
	if len(instances) == 0 && run.AccountID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	logger := o.logger.With().Str("run_id", run.ID).Logger()

	session := o.currentSession()
	if session == nil {
		s, err := o.deps.Authenticator.Authenticate(ctx, run.Credentials)
		if err != nil {
			logger.Error().Err(err).Msg("Teardown skipped: authentication failed")
			o.publishTeardown(run.ID, telemetry.EventLevelError, "teardown skipped: authentication failed")
			return
		}
		session = s
	}

	failures := 0
	for _, inst := range instances {
		if err := o.deps.Provisioner.Deprovision(ctx, session, inst); err != nil {
			failures++
			logger.Warn().Err(err).Str("instance", inst.Name).Msg("Failed to delete instance")
			continue
		}
		logger.Info().Str("instance", inst.Name).Msg("Deleted instance")
	}

	if run.AccountID != "" {
		if err := o.deps.Automation.DeleteAccount(ctx, session, run.AccountID); err != nil {
			failures++
			logger.Warn().Err(err).Str("account", run.AccountID).Msg("Failed to delete automation account")
		} else {
			logger.Info().Str("account", run.AccountID).Msg("Deleted automation account")
		}
	}

	if failures > 0 {
		o.publishTeardown(run.ID, telemetry.EventLevelWarning, "teardown finished with failures")
		return
	}
	o.publishTeardown(run.ID, telemetry.EventLevelInfo, "teardown finished")
}

func (o *Orchestrator) publishTeardown(runID, level, msg string) {
	_ = o.telemetry.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeTeardown,
		Source:  "pipeline",
		RunID:   runID,
		Message: msg,
		Level:   level,
	})
}

func (o *Orchestrator) currentSession() *engine.Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session
}

func (o *Orchestrator) setSession(s *engine.Session) {
	o.mu.Lock()
	o.session = s
	o.mu.Unlock()
}
