package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// FanOut provisions one test instance per (configuration, environment) pair,
// running every leg concurrently and reconciling the results once all have finished.
type FanOut struct {
	Authenticator Authenticator
	Provisioner   InstanceProvisioner

	// Runner launches the legs. A zero Runner is used when nil.
	Runner *Runner

	// Logger receives one entry per joined leg.
	Logger zerolog.Logger

	// Echo, if set, receives each leg's captured output as it is joined.
	Echo io.Writer
}

// ValidateEnvironments checks that every configuration declares at least one
// non-empty target environment.
func ValidateEnvironments(configs []Configuration) error {
	for _, cfg := range configs {
		if len(cfg.Environments) == 0 {
			return NewInputError(fmt.Sprintf("configuration %q declares no target environment", cfg.Name), ErrMissingEnvironment).
				WithSubject(cfg.Name)
		}
		for i, env := range cfg.Environments {
			if strings.TrimSpace(env) == "" {
				return NewInputError(fmt.Sprintf("configuration %q has an empty target environment", cfg.Name), ErrMissingEnvironment).
					WithSubject(cfg.Name).
					WithDetail("index", i)
			}
		}
	}
	return nil
}

// ProvisionAll launches one leg per (configuration, environment) pair and joins
// them all in launch order.
//
// Every pair is validated before anything is launched; an empty environment
// fails the whole call with an input error and no legs run. Legs are never
// cancelled because a sibling failed. If any leg fails, a *ProvisioningFailedError
// listing every failed leg is returned after all legs have terminated. The
// results are returned in launch order in both cases, and the instances of
// successful legs are recorded on run.
func (f *FanOut) ProvisionAll(ctx context.Context, run *PipelineRun, configs []Configuration) ([]JobResult, error) {
	if err := ValidateEnvironments(configs); err != nil {
		return nil, err
	}

	runner := f.Runner
	if runner == nil {
		runner = &Runner{}
	}

	total := 0
	for _, cfg := range configs {
		total += len(cfg.Environments)
	}

	// Each leg owns one slot. The slice never grows once legs are running.
	instances := make([]*Instance, total)
	jobs := make([]*Job, 0, total)
	for _, cfg := range configs {
		for _, env := range cfg.Environments {
			req := ProvisionRequest{RunID: run.ID, Configuration: cfg, Environment: env}
			slot := len(jobs)
			jobs = append(jobs, runner.Start(ctx, cfg.LegName(env), f.leg(run, req, &instances[slot])))
		}
	}

	results := make([]JobResult, 0, len(jobs))
	var failures []LegFailure
	for i, job := range jobs {
		res := job.Join()
		results = append(results, res)
		f.report(res)

		if res.Err != nil {
			failures = append(failures, LegFailure{Leg: res.Name, Err: res.Err})
			continue
		}
		if instances[i] != nil {
			run.AddInstance(*instances[i])
		}
	}

	if len(failures) > 0 {
		return results, &ProvisioningFailedError{Failures: failures, Total: len(jobs)}
	}
	return results, nil
}

// leg builds the work for one pair. The leg authenticates on its own session.
func (f *FanOut) leg(run *PipelineRun, req ProvisionRequest, result **Instance) Work {
	accountID := run.AccountID
	creds := run.Credentials
	return func(ctx context.Context, out io.Writer) error {
		session, err := f.Authenticator.Authenticate(ctx, creds)
		if err != nil {
			if IsAuthentication(err) {
				return err
			}
			return NewAuthenticationError("leg authentication failed", err).WithSubject(req.Configuration.LegName(req.Environment))
		}
		fmt.Fprintf(out, "authenticated against tenant %s\n", creds.TenantID)

		inst, err := f.Provisioner.Provision(ctx, session, accountID, req, out)
		if err != nil {
			return err
		}
		*result = inst
		if inst != nil {
			fmt.Fprintf(out, "instance %s ready\n", inst.Name)
		}
		return nil
	}
}

func (f *FanOut) report(res JobResult) {
	event := f.Logger.Info()
	if res.Err != nil {
		event = f.Logger.Error().Err(res.Err)
	}
	event.
		Str("leg", res.Name).
		Str("state", res.State.String()).
		Dur("duration", res.Duration).
		Str("output", res.Output).
		Msg("Provisioning leg finished")

	if f.Echo != nil {
		fmt.Fprintf(f.Echo, "==> %s (%s)\n%s", res.Name, res.State, res.Output)
		if res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
			fmt.Fprintln(f.Echo)
		}
	}
}
