package cli

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/config"
)

func newConfigCommand(env *cmdEnv) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Long: `Print the configuration after defaults, the TOML file and LMSR_* environment
overrides are applied. Secrets are masked; connection URLs keep only their host.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}
			if validate {
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(config.Redacted(cfg))
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "fail if the configuration would not start the daemon")
	return cmd
}
