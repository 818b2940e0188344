package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/pipeline"
)

func newTasksCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the pipeline tasks",
		Long: `List the pipeline tasks in run order with their dependencies.

With --dot the task graph is printed in Graphviz DOT format.`,
		Example: `  converge tasks
  converge tasks --dot | dot -Tsvg > pipeline.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			graph := pipeline.Plan()
			out := cmd.OutOrStdout()

			if dot {
				_, err := fmt.Fprint(out, graph.ToDOT())
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(graph.Tasks())
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tDEPENDS\tSYNOPSIS")
			for _, task := range graph.Tasks() {
				depends := strings.Join(task.Depends, ",")
				if depends == "" {
					depends = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", task.Name, depends, task.Synopsis)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the task graph in DOT format")

	return cmd
}
