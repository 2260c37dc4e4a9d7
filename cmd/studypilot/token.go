package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/studypilot/studypilot/config"
	"github.com/studypilot/studypilot/internal/runtime"
)

func tokenCMD() *cobra.Command {
	var cfgPath string
	var owner string
	var ttl time.Duration

	var token = &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			cfg := config.LoadConfig(cfgPath)
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			tok, err := runtime.SignJWT(owner, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&owner, "owner", "", "owner id to embed as the token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return token
}
