package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded pipeline runs",
		Long: `List the pipeline runs recorded in the run history, newest first.

Use "history show <run-id>" for the tasks and provisioning legs of one run,
and "history prune" to drop old runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := historyStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTATUS\tEXIT\tFAILED TASK\tSTARTED\tDURATION")
			for _, r := range runs {
				exit, failed := "-", "-"
				if r.ExitCode != nil {
					exit = fmt.Sprint(*r.ExitCode)
				}
				if r.FailedTask != nil {
					failed = *r.FailedTask
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, exit, failed,
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration().Round(time.Second))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list (0 for all)")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the tasks and legs of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := historyStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			tasks, err := store.ListTasks(ctx, run.ID)
			if err != nil {
				return err
			}
			legs, err := store.ListLegs(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, map[string]interface{}{"run": run, "tasks": tasks, "legs": legs})
			}

			fmt.Fprintf(out, "Run %s %s, build root %s\n", run.ID, run.Status, run.BuildRoot)
			if run.Error != nil {
				fmt.Fprintf(out, "Error: %s\n", *run.Error)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\nTASK\tSTATUS\tDURATION\tERROR")
			for _, t := range tasks {
				var d time.Duration
				if t.FinishedAt != nil {
					d = t.FinishedAt.Sub(t.StartedAt)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Status, d.Round(time.Millisecond), deref(t.Error))
			}
			if len(legs) > 0 {
				fmt.Fprintln(tw, "\nLEG\tSTATE\tDURATION\tERROR")
				for _, l := range legs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Name, l.State, l.Duration.Round(time.Millisecond), deref(l.Error))
				}
			}
			return tw.Flush()
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := historyStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := store.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs started before this age")

	return cmd
}

func historyStore(cmd *cobra.Command) (*stores.SQLiteStore, func(), error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	if settings.HistoryPath == "" {
		return nil, nil, fmt.Errorf("run history is disabled (history_path is empty)")
	}
	store, err := openHistory(cmd.Context(), settings)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
