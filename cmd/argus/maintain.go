package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"argus/internal/apps"
	"argus/internal/config"
	"argus/internal/logging"
	"argus/internal/maintenance"
	"argus/internal/pipeline"
	"argus/internal/results"
	"argus/internal/store"
)

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run every maintenance sweep once against the database, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			logger := logging.NewComponentLogger("maintain")

			db, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			st, err := store.New(db)
			if err != nil {
				return err
			}
			registry, err := apps.NewRegistry(st, cfg.AppsRoot, logger)
			if err != nil {
				return err
			}
			writer := results.NewWriter(cfg.ResultsRoot, logger)

			sweeps := maintenance.New(maintenance.Config{
				StuckTaskThreshold: cfg.StuckTaskThreshold,
				StuckTaskHardLimit: cfg.StuckTaskHardLimit,
				StuckMaxRetries:    cfg.StuckMaxRetries,
				OrphanGracePeriod:  cfg.OrphanGracePeriod,
			}, st, registry, results.NewReconciler(st, writer, logger),
				pipeline.NewManager(st, logger), logger)

			sweeps.RunAll(ctx)
			fmt.Println(green("maintenance sweeps complete"))
			return nil
		},
	}
}
