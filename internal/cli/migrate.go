package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/app"
)

func newMigrateCommand(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long:  "Apply the embedded Postgres migrations, or create the SQLite schema, for the configured store.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			_, closeStores, err := app.OpenStores(cmd.Context(), cfg, true)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer closeStores()

			logger.Info("schema up to date", slog.String("driver", cfg.Store.Driver))
			return nil
		},
	}
}
