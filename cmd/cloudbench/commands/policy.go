package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Inspect the Rego policies every request is checked against before it
is queued. Built-in policies are always loaded; custom policies are read
from the configured policies directory and reloaded when it changes.`,
	}

	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, err := newClient().Policies(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(policies)
			}
			w := newTable("NAME", "SEVERITY", "ENABLED", "TAGS", "DESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
					p.Name, p.Severity, p.Enabled, strings.Join(p.Tags, ","), p.Description)
			}
			return w.Flush()
		},
	}
}
