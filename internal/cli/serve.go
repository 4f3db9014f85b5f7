package cli

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/app"
)

func newServeCommand(env *cmdEnv) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the configured mode",
		Long: `Run the market daemon. The mode selects what the process does:
  api       HTTP API and websocket feed
  keeper    settlement keeper, settling through the api at keeper.api_url
  archiver  journal export to S3
  all       everything in one process`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
			}
			logger := newLogger(cfg.Log)
			if err := cfg.Validate(); err != nil {
				logger.Error("invalid configuration", slog.String("error", err.Error()))
				return err
			}

			logger.Info("lmsrd starting",
				slog.String("mode", cfg.Mode),
				slog.String("version", Version),
				slog.String("config", env.v.GetString("config")),
			)

			application := app.New(cfg, logger)
			defer application.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("lmsrd stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode (api, keeper, archiver, all)")
	return cmd
}
