package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
)

func newDeploymentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployment",
		Aliases: []string{"dep"},
		Short:   "Manage deployments",
		Long: `Inspect deployments and submit requests against them.

Every request is checked against the deployment's current state and the
admission policies, then queued behind the requests already waiting for
the same deployment.`,
	}

	cmd.AddCommand(newDeploymentListCommand())
	cmd.AddCommand(newDeploymentShowCommand())
	cmd.AddCommand(newDeploymentReserveCommand())
	cmd.AddCommand(newIntentionCommand(operation.KindDeploy, "deploy", "Deploy OpenStack with kolla-ansible"))
	cmd.AddCommand(newIntentionCommand(operation.KindDestroy, "destroy", "Destroy the OpenStack installation"))
	cmd.AddCommand(newIntentionCommand(operation.KindDelete, "delete", "Release the nodes and forget the deployment"))
	cmd.AddCommand(newIntentionCommand(operation.KindRedeploy, "redeploy", "Destroy if needed, then deploy again"))
	cmd.AddCommand(newIntentionCommand(operation.KindClean, "clean", "Delete the OpenStack resources left by experiments"))
	cmd.AddCommand(newIntentionCommand(operation.KindTest, "test", "Occupy the queue for the configured delay"))
	cmd.AddCommand(newDeploymentLoadCommand())
	cmd.AddCommand(newDeploymentRestartNodeCommand())

	return cmd
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id: %q", what, s)
	}
	return id, nil
}

func newDeploymentListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := newClient().Deployments(cmd.Context())
			if err != nil {
				return err
			}
			return printDeployments(ds)
		},
	}
}

func newDeploymentShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <deployment>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "deployment")
			if err != nil {
				return err
			}
			d, err := newClient().Deployment(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printDeployments([]*deployment.Deployment{d})
		},
	}
}

func newDeploymentReserveCommand() *cobra.Command {
	var r deployment.Reservation

	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve free nodes for a new deployment",
		Example: `  # Control and monitoring on wally101, two compute nodes
  cloudbench deployment reserve --control wally101 --monitoring - --compute wally102,wally103`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newClient().Reserve(cmd.Context(), r)
			if err != nil {
				return err
			}
			return printAdmission(a)
		},
	}

	cmd.Flags().StringVar(&r.Control, "control", "", "control node")
	cmd.Flags().StringVar(&r.Monitoring, "monitoring", "", `monitoring node, "-" or empty for the control node`)
	cmd.Flags().StringSliceVar(&r.Compute, "compute", nil, "compute nodes")

	return cmd
}

func newIntentionCommand(kind operation.Kind, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <deployment>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "deployment")
			if err != nil {
				return err
			}
			a, err := newClient().Request(cmd.Context(), id, kind, nil)
			if err != nil {
				return err
			}
			return printAdmission(a)
		},
	}
}

func newDeploymentLoadCommand() *cobra.Command {
	var (
		workloadPath string
		duration     string
		traces       bool
		anomalies    []string
	)

	cmd := &cobra.Command{
		Use:   "load <deployment>",
		Short: "Run a rally experiment",
		Long: `Run a rally experiment against a deployment.

Without --duration every anomaly hook runs once. A plain number runs that
many iterations; a number followed by m, h or d runs loads until the time
budget is spent.`,
		Example: `  # One load per anomaly
  cloudbench deployment load 3 --workload boot.yaml --anomaly anomaly_cpu=cpu.yaml

  # Two hours of loads with tracing
  cloudbench deployment load 3 --workload boot.yaml --duration 2h --traces`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "deployment")
			if err != nil {
				return err
			}

			e := deployment.Experiment{Duration: duration, UseTraces: traces}
			if workloadPath != "" {
				data, err := os.ReadFile(workloadPath)
				if err != nil {
					return fmt.Errorf("failed to read workload: %w", err)
				}
				e.Workload = string(data)
			}
			for _, a := range anomalies {
				name, path, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("invalid anomaly %q, want name=file", a)
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read anomaly %s: %w", name, err)
				}
				if e.Anomalies == nil {
					e.Anomalies = make(map[string]string)
				}
				e.Anomalies[name] = string(data)
			}

			a, err := newClient().Request(cmd.Context(), id, operation.KindRunLoad, e.Arguments())
			if err != nil {
				return err
			}
			return printAdmission(a)
		},
	}

	cmd.Flags().StringVar(&workloadPath, "workload", "", "rally task file")
	cmd.Flags().StringVar(&duration, "duration", "", "iterations (e.g. 10) or time budget (e.g. 30m, 2h, 1d)")
	cmd.Flags().BoolVar(&traces, "traces", false, "enable OSProfiler traces")
	cmd.Flags().StringArrayVar(&anomalies, "anomaly", nil, "anomaly hook as name=file, the name must contain \"anomaly\"")

	return cmd
}

func newDeploymentRestartNodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-node <deployment> <node>",
		Short: "Drain and reboot a compute node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "deployment")
			if err != nil {
				return err
			}
			a, err := newClient().Request(cmd.Context(), id, operation.KindRestartNode,
				operation.Arguments{deployment.ArgNode: args[1]})
			if err != nil {
				return err
			}
			return printAdmission(a)
		},
	}
}
