package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/api"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/config"
	"github.com/spf13/cobra"
)

func newTokenCommand(configPath func() string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Long: `Issue a signed bearer token using the configured JWT secret.

The subject is the user id that role and team checks are made against.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			cfg, err := config.LoadFile(configPath())
			if err != nil {
				return err
			}
			verifier, err := api.NewTokenVerifier(cfg.Server.JWTSecret, cfg.Server.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(out(cmd), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
