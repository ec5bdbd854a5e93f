package main

import (
	"fmt"

	jwtutil "agentfleet/backend/app/jwt"
	"agentfleet/backend/config"

	"github.com/spf13/cobra"
)

func tokenCmd(c *cli) *cobra.Command {
	var subject, tenant string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			signer := &jwtutil.Signer{Secret: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer, ExpMin: cfg.JWT.ExpMin}
			tok, err := signer.Sign(subject, tenant)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "user", "", "Subject the token identifies")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Limit the token to one tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
