package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/server/middleware"
)

func newEncryptKeyCommand(_ *cmdEnv) *cobra.Command {
	var (
		out      string
		password string
	)
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Seal a signing key into an encrypted key file",
		Long: `Encrypt a hex private key with a password and write the key file that
wallet.encrypted_key_path points at. The key is read from LMSR_WALLET_PRIVATE_KEY
and the password from --password or LMSR_WALLET_KEY_PASSWORD.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := os.Getenv("LMSR_WALLET_PRIVATE_KEY")
			if key == "" {
				return errors.New("LMSR_WALLET_PRIVATE_KEY is not set")
			}
			if password == "" {
				password = os.Getenv("LMSR_WALLET_KEY_PASSWORD")
			}
			sealed, err := crypto.EncryptKey(key, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, sealed, 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			// Confirm the file opens before reporting success.
			plain, err := crypto.DecryptKey(sealed, password)
			if err != nil {
				return err
			}
			signer, err := crypto.NewSigner(plain, 1)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s for %s\n", out, signer.Address())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "wallet.key", "key file to write")
	cmd.Flags().StringVar(&password, "password", "", "key file password")
	return cmd
}

func newTokenCommand(env *cmdEnv) *cobra.Command {
	var (
		address string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for an address",
		Long:  "Sign a bearer token for the write endpoints with the configured server.jwt_secret.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}
			addr, err := domain.NormalizeAddress(address)
			if err != nil {
				return err
			}
			auth, err := middleware.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer)
			if err != nil {
				return err
			}
			tok, err := auth.Issue(addr, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "account address the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}
