package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudbench/cloudbench/pkg/actions"
	"github.com/cloudbench/cloudbench/pkg/api"
	"github.com/cloudbench/cloudbench/pkg/config"
	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/policy"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
	"github.com/cloudbench/cloudbench/pkg/stores"
	"github.com/cloudbench/cloudbench/pkg/telemetry"
	"github.com/cloudbench/cloudbench/pkg/transports/ssh"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Long: `Run the scheduler and the HTTP API.

On start, queues of deployments that still have requests waiting are
resumed. Requests that were running when the previous process stopped are
reported as orphans and never restarted; close them with
"cloudbench request abandon".`,
		Example: `  # Serve with the default configuration
  cloudbench serve

  # Listen on another address
  cloudbench serve --listen 0.0.0.0:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides the config)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	logger := tel.Logger
	defer logger.Close()

	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	tel.PersistEvents(store)
	tel.StartMetricsServer()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if terr := tel.Shutdown(shutdownCtx); terr != nil {
			logger.WithError(terr).Warn("Telemetry shutdown incomplete")
		}
	}()

	engine, err := policy.NewEngine(logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.PoliciesDir != "" {
		if err := engine.LoadPolicies(ctx, []string{cfg.PoliciesDir}); err != nil {
			return err
		}
		loader := policy.NewLoader(logger.NewComponentLogger("policy-loader").Zerolog())
		reload := func(policies []policy.Policy) error {
			return engine.ReplaceCustom(ctx, policies)
		}
		if err := loader.Watch(ctx, []string{cfg.PoliciesDir}, reload); err != nil {
			return err
		}
		defer loader.StopWatching()
	}

	acts := actions.New(
		cfg.OpenStack,
		store,
		actions.ExecRunner{Logger: logger.NewComponentLogger("runner").Zerolog()},
		ssh.ConfigDialer{Config: cfg.SSH, Logger: logger.NewComponentLogger("ssh").Zerolog()},
		actions.WithLogger(logger.NewComponentLogger("actions").Zerolog()),
	)
	cat, err := acts.Catalog()
	if err != nil {
		return err
	}

	registry, err := scheduler.NewRegistry(store, cat,
		scheduler.WithLogger(logger.NewComponentLogger("scheduler").Zerolog()),
		scheduler.WithObserver(tel.Observer()),
		scheduler.WithTracer(tel.Tracer.Tracer()),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
		defer cancel()
		if serr := registry.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
	}()

	if err = resumeQueues(ctx, logger, registry); err != nil {
		return err
	}

	if cfg.Scheduler.EvictionInterval > 0 {
		go evictIdle(ctx, registry, cfg.Scheduler)
	}

	svc := deployment.NewService(store, registry, engine,
		deployment.WithLogger(logger.Zerolog()),
		deployment.WithObserver(tel.Metrics),
		deployment.WithTracer(tel.Tracer.Tracer()),
		deployment.WithSource(cfg.API.Source),
	)

	server := api.NewServer(svc, registry,
		api.WithLogger(logger.NewComponentLogger("api").Zerolog()),
		api.WithPolicies(engine),
		api.WithEvents(store),
		api.WithHealthCheck(store),
		api.WithMetrics(tel.Metrics.Handler()),
		api.WithMiddleware(tel.HTTPMiddleware),
	)
	return server.Run(ctx, cfg.API.Listen)
}

// evictIdle periodically drops queues that have been idle for longer than
// the configured grace.
// queueResumer is the part of the registry serve needs at boot.
type queueResumer interface {
	Resume(ctx context.Context) ([]int64, error)
	Orphans(ctx context.Context) ([]*operation.Record, error)
}

// resumeQueues restarts the workers of deployments with queued operations
// and reports operations a previous process left started.
func resumeQueues(ctx context.Context, logger *telemetry.Logger, reg queueResumer) error {
	resumed, err := reg.Resume(ctx)
	if err != nil {
		return err
	}
	for _, id := range resumed {
		logger.WithDeployment(id).Info("Resuming queued operations")
	}

	orphans, err := reg.Orphans(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to list interrupted operations")
	}
	for _, rec := range orphans {
		logger.WithOperation(rec).Warn("Operation was interrupted and needs to be abandoned")
	}

	logger.Infof("Scheduler started, %d deployments resumed", len(resumed))
	return nil
}

func evictIdle(ctx context.Context, registry *scheduler.Registry, cfg config.SchedulerConfig) {
	ticker := time.NewTicker(cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.EvictIdle(cfg.IdleEviction)
		}
	}
}
