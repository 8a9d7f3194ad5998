package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudbench/cloudbench/pkg/api"
	"github.com/cloudbench/cloudbench/pkg/config"
)

var (
	// Global flags
	configPath string
	serverURL  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudbench",
		Short: "cloudbench - OpenStack testbed request scheduler",
		Long: `cloudbench reserves testbed nodes, deploys OpenStack on them with
kolla-ansible and runs rally experiments against the result.

Every request against a deployment is queued and executed one at a time,
in submission order. Requests against different deployments run in
parallel.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CLOUDBENCH_SERVER", api.DefaultServer), "cloudbench server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newDeploymentCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newNodeCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newEventCommand())

	return rootCmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func newClient() *api.Client {
	return api.NewClient(serverURL, nil)
}
