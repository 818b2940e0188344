package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/pipeline"
)

func newRunCommand() *cobra.Command {
	var (
		quiet   bool
		metrics bool
	)

	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Run the pipeline",
		Long: `Run the pipeline up to and including the named tasks.

Without arguments the whole sequence runs. Naming a task runs it together
with every task it depends on. Instances and the automation account created
by the run are deleted afterwards, whether the run succeeded or not.

The exit status is 0 on success, the number of failed tests when a
verification stage fails, and 255 for any other failure.`,
		Example: `  # Run the full pipeline
  converge run

  # Stop after the configurations are published
  converge run publish-configurations

  # Shorten the convergence deadline
  converge run --set polling.convergence_timeout=20m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return structural(err)
			}
			if metrics {
				settings.Telemetry.Metrics.Enabled = true
			}

			var echo io.Writer = cmd.OutOrStdout()
			if quiet || jsonOutput {
				echo = nil
			}
			orch, closeFn, err := buildPipeline(ctx, settings, echo)
			if err != nil {
				return structural(err)
			}
			defer closeFn()

			if metrics {
				if err := orch.Telemetry().StartMetricsServer(); err != nil {
					log.Warn().Err(err).Msg("Failed to start metrics server")
				} else {
					log.Info().Str("addr", orch.Telemetry().Metrics.Addr()).Msg("Serving metrics")
				}
			}

			code, runErr := orch.Run(ctx, args...)
			if err := printRunSummary(cmd.OutOrStdout(), orch.PipelineRun(), code, runErr); err != nil {
				return err
			}
			if code != pipeline.ExitSuccess {
				return &ExitError{Code: code, Err: runErr}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not echo provisioning output")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics while the run is in progress")

	return cmd
}

type runSummary struct {
	RunID      string                        `json:"run_id"`
	Status     engine.RunStatus              `json:"status"`
	ExitCode   int                           `json:"exit_code"`
	FailedTask string                        `json:"failed_task,omitempty"`
	Error      string                        `json:"error,omitempty"`
	Stages     map[string]engine.TestSummary `json:"stages"`
	Instances  []engine.Instance             `json:"instances,omitempty"`
}

func printRunSummary(w io.Writer, run *engine.PipelineRun, code int, runErr error) error {
	summary := runSummary{
		RunID:      run.ID,
		Status:     run.Status,
		ExitCode:   code,
		FailedTask: pipeline.FailedTask(runErr),
		Stages:     make(map[string]engine.TestSummary),
		Instances:  run.Instances(),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	for _, stage := range run.Stages() {
		s, _ := run.Verification(stage)
		summary.Stages[stage] = s
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Fprintf(w, "\nRun %s %s (exit %d)\n", run.ID, run.Status, code)
	if summary.FailedTask != "" {
		fmt.Fprintf(w, "Failed task: %s\n", summary.FailedTask)
	}
	if len(run.Stages()) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tTOTAL\tPASSED\tFAILED\tSKIPPED\tREPORT")
	for _, stage := range run.Stages() {
		s := summary.Stages[stage]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s-results.xml\n", stage, s.Total, s.Passed, s.Failed, s.Skipped, stage)
	}
	tally := run.Tally()
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\t%d\t\n", tally.Total, tally.Passed, tally.Failed, tally.Skipped)
	return tw.Flush()
}
