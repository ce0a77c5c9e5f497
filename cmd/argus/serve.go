package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"argus/internal/apps"
	"argus/internal/compose"
	"argus/internal/config"
	"argus/internal/executor"
	"argus/internal/logging"
	"argus/internal/maintenance"
	"argus/internal/observability"
	"argus/internal/pipeline"
	"argus/internal/pool"
	"argus/internal/results"
	"argus/internal/server"
	"argus/internal/store"
)

func newServeCmd() *cobra.Command {
	var tracingEndpoint string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: executor, maintenance sweeps and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			return runServe(cmd.Context(), cfg, tracingEndpoint)
		},
	}
	cmd.Flags().StringVar(&tracingEndpoint, "otlp-endpoint", "", "enable tracing and export spans to this OTLP endpoint")
	return cmd
}

func runServe(parent context.Context, cfg config.Settings, tracingEndpoint string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:      tracingEndpoint != "",
		OTLPEndpoint: tracingEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		return err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	registry, err := apps.NewRegistry(st, cfg.AppsRoot, logging.NewComponentLogger("apps"))
	if err != nil {
		return err
	}

	stacks := compose.NewDriver(compose.NewCLIRunner(), compose.Options{
		AppsRoot:        cfg.AppsRoot,
		BuildMaxRetries: cfg.DockerBuildMaxRetries,
		HealthTimeout:   cfg.DockerHealthCheckTimeout,
		StartupTimeout:  cfg.AnalyzerStartupTimeout,
		PreBuildCleanup: cfg.DockerPreBuildCleanup,
	}, logging.NewComponentLogger("compose"))

	endpoints := map[string][]string{
		"static":      cfg.StaticEndpoints,
		"dynamic":     cfg.DynamicEndpoints,
		"performance": cfg.PerformanceEndpoints,
		"ai":          cfg.AIEndpoints,
	}
	poolLogger := logging.NewComponentLogger("pool")
	caller := pool.NewWSCaller(poolLogger)
	defer caller.Close()
	replicas := pool.New(caller, endpoints, 0, poolLogger)
	policy, err := pool.ParsePolicy(cfg.PoolPolicy)
	if err != nil {
		return err
	}
	replicas.SetPolicy(policy)

	writer := results.NewWriter(cfg.ResultsRoot, logging.NewComponentLogger("results"))
	exec := executor.New(st, registry, stacks, replicas, writer, cfg,
		observability.DefaultMetrics(), logging.NewComponentLogger("executor"))

	pipelines := pipeline.NewManager(st, logging.NewComponentLogger("pipeline"))
	sweeps := maintenance.New(maintenance.Config{
		ReaperInterval:      cfg.ReaperInterval,
		StuckTaskThreshold:  cfg.StuckTaskThreshold,
		StuckTaskHardLimit:  cfg.StuckTaskHardLimit,
		StuckMaxRetries:     cfg.StuckMaxRetries,
		OrphanSweepInterval: cfg.OrphanSweepInterval,
		OrphanGracePeriod:   cfg.OrphanGracePeriod,
		ReconcileInterval:   cfg.ReconcileInterval,
	}, st, registry, results.NewReconciler(st, writer, logging.NewComponentLogger("reconcile")),
		pipelines, logging.NewComponentLogger("maintenance"))

	exec.Start()
	defer exec.Stop()
	if err := sweeps.Start(ctx); err != nil {
		return err
	}
	defer sweeps.Stop()

	admin := server.New(st, pipelines, replicas, sweeps, logging.NewComponentLogger("admin"))
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	return admin.Run(ctx, addr)
}
