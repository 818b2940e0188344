package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/pipeline"
)

var (
	// Global flags
	buildRoot  string
	overrides  map[string]string
	jsonOutput bool
)

// ExitError carries the process exit status of a command. It is returned
// after the command has already reported the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// structural reports err and returns it with the structural exit status.
func structural(err error) error {
	log.Error().Err(err).Msg("Command failed")
	return &ExitError{Code: pipeline.ExitStructural, Err: err}
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Configuration validation pipeline",
		Long: `converge validates infrastructure configurations end to end.

A run resolves the modules every configuration imports, lints the
configurations, publishes modules and configurations to the automation
service, provisions one test instance per configuration environment and
verifies that every node converges. Each verification stage writes a JUnit
report under the reports directory.

Settings are read from converge.yaml in the build root, CONVERGE_*
environment variables and --set flags, in increasing precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&buildRoot, "build-root", "C", ".", "build root holding configurations, modules and suites")
	rootCmd.PersistentFlags().StringToStringVar(&overrides, "set", nil, "override a setting (key=value, e.g. polling.convergence_timeout=1h)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newLintCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadSettings reads the settings for the selected build root.
func loadSettings() (*config.Settings, error) {
	values := make(map[string]interface{}, len(overrides))
	for k, v := range overrides {
		values[k] = v
	}
	return config.LoadSettings(buildRoot, values)
}
