package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cloudbench/cloudbench/pkg/api"
	"github.com/cloudbench/cloudbench/pkg/operation"
)

func newEventCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Read the event log",
	}

	cmd.AddCommand(newEventListCommand())

	return cmd
}

func newEventListCommand() *cobra.Command {
	var q api.EventQuery

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded events, newest first",
		Example: `  # Errors of deployment 3
  cloudbench event list --deployment 3 --level error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := newClient().Events(cmd.Context(), q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}
			w := newTable("TIME", "LEVEL", "TYPE", "DEPLOYMENT", "REQUEST", "MESSAGE")
			for _, e := range events {
				dep, req := "-", "-"
				if e.DeploymentID != nil {
					dep = strconv.FormatInt(*e.DeploymentID, 10)
				}
				if e.OperationID != nil {
					req = strconv.FormatInt(*e.OperationID, 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(operation.DateTimeLayout), e.Level, e.Type, dep, req, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int64Var(&q.DeploymentID, "deployment", 0, "only events of this deployment")
	cmd.Flags().StringVar(&q.Level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum number of events")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "number of events to skip")

	return cmd
}
