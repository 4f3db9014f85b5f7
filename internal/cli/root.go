// Package cli implements the lmsrd command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alanyoungcy/lmsrmarket/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0-dev"

// NewRootCommand builds the lmsrd command tree. The global --config and
// --log-level flags can also be set through LMSR_CONFIG and LMSR_LOG_LEVEL.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LMSR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "lmsrd",
		Short:         "LMSR prediction market daemon",
		Long:          "lmsrd runs a multi-outcome prediction market priced by the logarithmic market scoring rule.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.toml", "path to configuration file")
	root.PersistentFlags().String("log-level", "", "override log level (debug, info, warn, error)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	env := &cmdEnv{v: v}
	root.AddCommand(
		newServeCommand(env),
		newMigrateCommand(env),
		newMarketsCommand(env),
		newQuoteCommand(env),
		newEncryptKeyCommand(env),
		newTokenCommand(env),
		newConfigCommand(env),
		newArchiveCommand(env),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cmdEnv is shared by every subcommand.
type cmdEnv struct {
	v *viper.Viper
}

// loadConfig reads the configuration file named by --config and applies
// the --log-level override. Only serve validates the whole config; the
// maintenance commands check what they use.
func (e *cmdEnv) loadConfig() (*config.Config, error) {
	path := e.v.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if lvl := e.v.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// newLogger builds the process logger for cfg and installs it as the slog
// default.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
