package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRequestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "request",
		Aliases: []string{"req"},
		Short:   "Inspect and cancel queued requests",
	}

	cmd.AddCommand(newRequestListCommand())
	cmd.AddCommand(newRequestHistoryCommand())
	cmd.AddCommand(newRequestCurrentCommand())
	cmd.AddCommand(newRequestShowCommand())
	cmd.AddCommand(newRequestCancelCommand())
	cmd.AddCommand(newRequestAbandonCommand())
	cmd.AddCommand(newRequestRepeatCommand())
	cmd.AddCommand(newRequestOrphansCommand())

	return cmd
}

func parseIDs(args []string) (int64, int64, error) {
	id, err := parseID(args[0], "deployment")
	if err != nil {
		return 0, 0, err
	}
	rid, err := parseID(args[1], "request")
	if err != nil {
		return 0, 0, err
	}
	return id, rid, nil
}

func newRequestListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <deployment>",
		Short: "List queued and running requests of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "deployment")
			if err != nil {
				return err
			}
			views, err := newClient().Pending(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printViews(views)
		},
	}
}

func newRequestHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <deployment>",
		Short: "List every request of a deployment, finished ones included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "deployment")
			if err != nil {
				return err
			}
			views, err := newClient().History(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printViews(views)
		},
	}
}

func newRequestCurrentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "current <deployment>",
		Short: "Show the running request of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "deployment")
			if err != nil {
				return err
			}
			v, err := newClient().Current(cmd.Context(), id)
			if err != nil {
				return err
			}
			if v == nil {
				if jsonOutput {
					return printJSON(nil)
				}
				fmt.Fprintf(stdout, "No request is running for deployment %d\n", id)
				return nil
			}
			return printView(v)
		},
	}
}

func newRequestShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <deployment> <request>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, rid, err := parseIDs(args)
			if err != nil {
				return err
			}
			v, err := newClient().Get(cmd.Context(), id, rid)
			if err != nil {
				return err
			}
			return printView(v)
		},
	}
}

func newRequestCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment> <request>",
		Short: "Cancel a queued request and every request submitted after it",
		Long: `Cancel a queued request and every request of the same deployment that
was submitted after it. A request that has started can not be cancelled.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, rid, err := parseIDs(args)
			if err != nil {
				return err
			}
			removed, err := newClient().Cancel(cmd.Context(), id, rid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(removed)
			}
			fmt.Fprintf(stdout, "Cancelled %d requests\n", len(removed))
			return printViews(removed)
		},
	}
}

func newRequestAbandonCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abandon <deployment> <request>",
		Short: "Close a request interrupted by a restart",
		Long: `Close a request that started before the server stopped and was never
finished. The deployment's queue resumes with the requests behind it.

Check the deployment by hand first: the interrupted action may have left
it half done.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, rid, err := parseIDs(args)
			if err != nil {
				return err
			}
			v, err := newClient().Abandon(cmd.Context(), id, rid, reason)
			if err != nil {
				return err
			}
			return printView(v)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the request is abandoned")

	return cmd
}

func newRequestRepeatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repeat <deployment> <request>",
		Short: "Run an experiment again with the same arguments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, rid, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := newClient().Repeat(cmd.Context(), id, rid)
			if err != nil {
				return err
			}
			return printAdmission(a)
		},
	}
}

func newRequestOrphansCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List requests interrupted by a restart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			views, err := newClient().Orphans(cmd.Context())
			if err != nil {
				return err
			}
			if !jsonOutput && len(views) == 0 {
				fmt.Fprintln(stdout, "No orphaned requests")
				return nil
			}
			return printViews(views)
		},
	}
}
