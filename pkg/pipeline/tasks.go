package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/policy"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

// loadDependencies discovers the configurations under the build root and
// resolves every module they import. The configurations are committed to the
// run by the next task.
func (o *Orchestrator) loadDependencies(ctx context.Context, run *engine.PipelineRun) error {
	configs, err := o.deps.Loader.Load(ctx, run.BuildRoot)
	if err != nil {
		return err
	}
	modules, err := config.ResolveAll(ctx, o.deps.Manifests, configs)
	if err != nil {
		return err
	}
	if err := run.SetModules(modules); err != nil {
		return err
	}
	o.discovered = configs

	o.logger.Info().
		Int("configurations", len(configs)).
		Strs("modules", run.ModuleNames()).
		Msg("Resolved module dependencies")
	return nil
}

func (o *Orchestrator) loadConfigurations(ctx context.Context, run *engine.PipelineRun) error {
	if len(o.discovered) == 0 {
		return engine.NewInputError(fmt.Sprintf("no configurations found under %s", run.BuildRoot), nil).
			WithSubject(run.BuildRoot)
	}
	if err := engine.ValidateEnvironments(o.discovered); err != nil {
		return err
	}
	if err := run.SetConfigurations(o.discovered); err != nil {
		return err
	}

	legs := 0
	for _, cfg := range o.discovered {
		legs += len(cfg.Environments)
	}
	o.logger.Info().Int("configurations", len(o.discovered)).Int("legs", legs).Msg("Loaded configurations")
	return nil
}

// lint checks the configuration metadata against the lint policies and then
// runs the unit suites. Blocking violations abort before any suite runs.
func (o *Orchestrator) lint(ctx context.Context, run *engine.PipelineRun) error {
	result, err := o.deps.Linter.Lint(ctx, run.Configurations(), run.Modules())
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		o.logger.Warn().Str("warning", w).Msg("Lint policy warning")
	}
	var blocking []string
	for _, v := range result.Violations {
		_ = o.telemetry.Events.PublishLintViolation(run.ID, v.Configuration, v.Rule, v.Message)
		event := o.logger.Warn()
		if policy.Severity(v.Severity).Blocking() {
			event = o.logger.Error()
			blocking = append(blocking, fmt.Sprintf("%s: %s", v.Rule, v.Message))
		}
		event.
			Str("rule", v.Rule).
			Str("configuration", v.Configuration).
			Str("severity", v.Severity).
			Msg(v.Message)
	}

	if !result.Passed {
		return engine.NewInputError(fmt.Sprintf("lint failed with %d blocking violation(s)", len(blocking)), nil).
			WithDetail("violations", blocking)
	}
	return o.reporter.RunVerification(ctx, run, StageUnit)
}

func (o *Orchestrator) authenticate(ctx context.Context, run *engine.PipelineRun) error {
	session, err := o.deps.Authenticator.Authenticate(ctx, run.Credentials)
	if err != nil {
		if engine.IsAuthentication(err) || engine.IsTransient(err) {
			return err
		}
		return engine.NewAuthenticationError("authentication failed", err).WithSubject(run.Credentials.TenantID)
	}
	o.setSession(session)
	o.logger.Info().Str("tenant", session.TenantID).Time("expires_at", session.ExpiresAt).Msg("Authenticated")
	return nil
}

func (o *Orchestrator) provisionBackend(ctx context.Context, run *engine.PipelineRun) error {
	accountID, err := o.deps.Automation.EnsureAccount(ctx, o.currentSession(), run.ID)
	if err != nil {
		return err
	}
	run.AccountID = accountID
	o.logger.Info().Str("account", accountID).Msg("Automation account ready")
	return nil
}

// publishModules uploads every module, then waits for all of them to be
// extracted.
func (o *Orchestrator) publishModules(ctx context.Context, run *engine.PipelineRun) error {
	session := o.currentSession()
	modules := run.Modules()
	for _, m := range modules {
		if err := o.deps.Automation.PublishModule(ctx, session, run.AccountID, m); err != nil {
			return err
		}
		o.logger.Info().Str("module", m.String()).Msg("Published module")
	}

	polling := o.settings.Polling
	for _, m := range modules {
		err := o.poll(ctx, "module_extraction", func(ctx context.Context) (bool, string, error) {
			return o.deps.Automation.ModuleExtracted(ctx, session, run.AccountID, m)
		}, polling.ExtractionInterval, polling.ExtractionTimeout)
		if err != nil {
			return fmt.Errorf("module %s: %w", m, err)
		}
	}
	return nil
}

func (o *Orchestrator) publishConfigurations(ctx context.Context, run *engine.PipelineRun) error {
	session := o.currentSession()
	for _, cfg := range run.Configurations() {
		if err := o.deps.Automation.PublishConfiguration(ctx, session, run.AccountID, cfg); err != nil {
			return err
		}
		o.logger.Info().Str("configuration", cfg.Name).Msg("Published configuration")
	}
	return nil
}

// verifyCompilation waits for every configuration to compile, then runs the
// compilation suites.
func (o *Orchestrator) verifyCompilation(ctx context.Context, run *engine.PipelineRun) error {
	session := o.currentSession()
	polling := o.settings.Polling
	for _, cfg := range run.Configurations() {
		err := o.poll(ctx, "compilation", func(ctx context.Context) (bool, string, error) {
			return o.deps.Automation.CompilationFinished(ctx, session, run.AccountID, cfg)
		}, polling.CompilationInterval, polling.CompilationTimeout)
		if err != nil {
			return fmt.Errorf("configuration %s: %w", cfg.Name, err)
		}
		o.logger.Info().Str("configuration", cfg.Name).Msg("Configuration compiled")
	}
	return o.reporter.RunVerification(ctx, run, StageCompilation)
}

func (o *Orchestrator) provisionInstances(ctx context.Context, run *engine.PipelineRun) error {
	runner := engine.NewRunner(func(res engine.JobResult) {
		o.telemetry.LegFinished(run.ID, res.Name, res.State.String(), res.Duration, res.Err)
	})
	fanOut := &engine.FanOut{
		Authenticator: o.deps.Authenticator,
		Provisioner:   o.deps.Provisioner,
		Runner:        runner,
		Logger:        o.logger.With().Str("run_id", run.ID).Logger(),
		Echo:          o.echo,
	}

	results, err := fanOut.ProvisionAll(ctx, run, run.Configurations())
	// Observers run after a job is joinable.
	runner.Wait()
	if err != nil {
		var pf *engine.ProvisioningFailedError
		if errors.As(err, &pf) {
			o.logger.Error().Strs("failed_legs", pf.FailedLegs()).Int("legs", len(results)).Msg("Provisioning failed")
		}
		return err
	}
	o.logger.Info().Int("instances", len(run.Instances())).Msg("Provisioned instances")
	return nil
}

// waitConvergence polls the compliance of every node until all of them are
// compliant. A node that reports a failed state aborts the wait.
func (o *Orchestrator) waitConvergence(ctx context.Context, run *engine.PipelineRun) error {
	session := o.currentSession()
	instances := run.Instances()
	converged := make(map[string]bool, len(instances))

	polling := o.settings.Polling
	return o.poll(ctx, "convergence", func(ctx context.Context) (bool, string, error) {
		var waiting []string
		for _, inst := range instances {
			if converged[inst.Name] {
				continue
			}
			state, err := o.deps.Automation.NodeCompliance(ctx, session, run.AccountID, inst.Name)
			if err != nil {
				return false, "", err
			}
			switch {
			case state.IsConverged():
				converged[inst.Name] = true
				o.logger.Info().Str("instance", inst.Name).Msg("Node converged")
			case state.IsFailed():
				return false, string(state), engine.NewPermanentError(
					fmt.Sprintf("node %s reported %s", inst.Name, state), nil).WithSubject(inst.Name)
			default:
				waiting = append(waiting, fmt.Sprintf("%s=%s", inst.Name, state))
			}
		}
		if len(waiting) == 0 {
			return true, "all nodes compliant", nil
		}
		return false, strings.Join(waiting, ","), nil
	}, polling.ConvergenceInterval, polling.ConvergenceTimeout)
}

func (o *Orchestrator) verifyConvergence(ctx context.Context, run *engine.PipelineRun) error {
	return o.reporter.RunVerification(ctx, run, StageConvergence)
}

// poll wraps engine.PollUntil in a traced operation and records metrics.
func (o *Orchestrator) poll(ctx context.Context, operation string, cond engine.Condition, interval, timeout time.Duration) error {
	op := telemetry.StartOperation(ctx, "poll."+operation)
	attempts := 0
	last := ""
	err := engine.PollUntil(op.Ctx, func(ctx context.Context) (bool, string, error) {
		attempts++
		done, state, err := cond(ctx)
		last = state
		return done, state, err
	}, interval, timeout)
	op.End(err)
	zl := op.Logger.Zerolog()
	zl.Debug().
		Int("attempts", attempts).
		Str("state", last).
		Dur("duration", op.Timer.Duration()).
		Msg("Poll finished")

	outcome := "done"
	var pt *engine.PollTimeoutError
	switch {
	case errors.As(err, &pt):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	o.telemetry.Metrics.RecordPoll(operation, outcome, attempts)
	return err
}
