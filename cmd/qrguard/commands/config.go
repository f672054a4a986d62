package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/config"
	"github.com/spf13/cobra"
)

const generatedSecretBytes = 32

func newConfigCommand(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigValidateCommand(configPath), newConfigInitCommand(configPath))
	return cmd
}

func newConfigValidateCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, including environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadFile(configPath()); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "%s: ok\n", configPath())
			return nil
		},
	}
}

func newConfigInitCommand(configPath func() string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration with a freshly generated JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			secret, err := generateSecret()
			if err != nil {
				return err
			}
			cfg := config.DefaultConfig()
			cfg.Server.JWTSecret = secret

			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func generateSecret() (string, error) {
	buf := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
