package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/satriahrh/cosyvoice/server/internal/auth"
)

var (
	tokenTTL time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token CLIENT_ID",
		Short: "Mint a bearer token for the synthesis routes",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set, the server accepts unauthenticated requests")
	}

	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return err
	}

	token, err := authenticator.GenerateClientToken(args[0], tokenTTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
