package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/pipeline"
	"github.com/openfroyo/convergence/pkg/policy"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

func newLintCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Lint configurations against the lint policies",
		Long: `Lint the configurations under the build root without contacting any
remote service.

The built-in policies check configuration names, target environments,
secret-looking parameters and module version pinning. Additional .rego or
.json policies are read from the policy directory. With --watch the policies
are reloaded and the configurations linted again whenever a policy file
changes.`,
		Example: `  converge lint
  converge lint --set policy_dir=policies --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return structural(err)
			}
			logger, err := telemetry.NewLogger(settings.Telemetry.Logging)
			if err != nil {
				return err
			}
			linter, err := newLinter(ctx, settings, logger)
			if err != nil {
				return structural(err)
			}

			lintOnce := func() (*engine.LintResult, error) {
				return lintBuildRoot(ctx, settings, linter, cmd.OutOrStdout())
			}

			if !watch {
				result, err := lintOnce()
				if err != nil {
					return structural(err)
				}
				if !result.Passed {
					return &ExitError{Code: pipeline.ExitStructural, Err: fmt.Errorf("lint failed")}
				}
				return nil
			}

			if settings.PolicyDir == "" {
				return fmt.Errorf("--watch requires a policy directory (policy_dir)")
			}
			if _, err := lintOnce(); err != nil {
				log.Error().Err(err).Msg("Lint failed")
			}

			loader := policy.NewLoader(logger.NewComponentLogger("policy-loader").Zerolog())
			err = loader.Watch(ctx, []string{settings.PolicyDir}, func(policies []policy.Policy) error {
				if err := linter.SetPolicies(ctx, policies); err != nil {
					return err
				}
				_, err := lintOnce()
				return err
			})
			if err != nil {
				return err
			}
			defer func() { _ = loader.StopWatching() }()

			log.Info().Str("policy_dir", settings.PolicyDir).Msg("Watching policies, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-lint whenever a policy file changes")

	return cmd
}

// lintBuildRoot loads the configurations and their modules and lints them.
func lintBuildRoot(ctx context.Context, settings *config.Settings, linter engine.PolicyLinter, out io.Writer) (*engine.LintResult, error) {
	loader := config.NewCUELoader(settings.ConfigurationPatterns, settings.ExcludePatterns)
	configs, err := loader.Load(ctx, settings.BuildRoot)
	if err != nil {
		return nil, err
	}
	modules, err := config.ResolveAll(ctx, config.NewManifestReader(settings.ModulesDir), configs)
	if err != nil {
		return nil, err
	}

	result, err := linter.Lint(ctx, configs, modules)
	if err != nil {
		return nil, err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return result, enc.Encode(result)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if len(result.Violations) == 0 {
		fmt.Fprintf(out, "%d configuration(s) passed lint\n", len(configs))
		return result, nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tRULE\tCONFIGURATION\tMESSAGE")
	for _, v := range result.Violations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Severity, v.Rule, v.Configuration, v.Message)
	}
	if err := tw.Flush(); err != nil {
		return nil, err
	}
	if result.Passed {
		fmt.Fprintln(out, "lint passed with warnings")
	} else {
		fmt.Fprintln(out, "lint failed")
	}
	return result, nil
}
