package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/vault-lending/internal/api"
	"github.com/atmx/vault-lending/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an account (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tokenSubject == "" {
				return errors.New("--sub is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			tok, err := api.IssueToken(cfg.Server.JWTSecret, cfg.Server.JWTIssuer, tokenSubject, tokenTTL, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "account id to authenticate as")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
