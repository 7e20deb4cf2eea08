package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"mscolab/api/internal/config"
	"mscolab/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == config.DatabaseMemory {
			return fmt.Errorf("migrate needs a PostgreSQL database_url")
		}
		down, _ := cmd.Flags().GetBool("down")

		ctx := cmd.Context()
		if down {
			err = store.RollbackMigrations(ctx, cfg.DatabaseURL)
		} else {
			err = store.ApplyMigrations(ctx, cfg.DatabaseURL)
		}
		if err != nil {
			return err
		}
		version, dirty, err := store.MigrationVersion(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		logger.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
		return nil
	},
}
