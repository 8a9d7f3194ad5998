package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudbench/cloudbench/pkg/deployment"
)

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect testbed nodes",
	}

	cmd.AddCommand(newNodeListCommand())

	return cmd
}

func newNodeListCommand() *cobra.Command {
	var free bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes and the deployments they belong to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := newClient().Nodes(cmd.Context())
			if err != nil {
				return err
			}
			if free {
				kept := nodes[:0]
				for _, n := range nodes {
					if n.Free() {
						kept = append(kept, n)
					}
				}
				nodes = kept
			}
			return printNodes(nodes)
		},
	}

	cmd.Flags().BoolVar(&free, "free", false, "only list nodes that can be reserved")

	return cmd
}

func nodeRoles(n *deployment.Node) string {
	var roles []string
	if n.Control {
		roles = append(roles, "control")
	}
	if n.Monitoring {
		roles = append(roles, "monitoring")
	}
	if n.Compute {
		roles = append(roles, "compute")
	}
	if len(roles) == 0 {
		return "-"
	}
	return strings.Join(roles, ",")
}

func printNodes(nodes []*deployment.Node) error {
	if jsonOutput {
		return printJSON(nodes)
	}
	w := newTable("NAME", "DOMAIN", "IP", "DEPLOYMENT", "ROLES", "STATE")
	for _, n := range nodes {
		dep := "-"
		if !n.Free() {
			dep = strconv.FormatInt(n.DeploymentID, 10)
		}
		state := string(n.State)
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", n.Name, n.Domain, n.IP, dep, nodeRoles(n), state)
	}
	return w.Flush()
}
