package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	id "auditchain/pkg/domain"
	"auditchain/pkg/platform/middleware/auth"
)

type tokenOutput struct {
	Token     string `json:"token"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id,omitempty"`
	ExpiresIn string `json:"expires_in"`
	DevKey    bool   `json:"dev_key"`
}

// newTokenCmd signs bearer tokens with the configured HMAC key. Production
// tokens come from the identity provider; this is for local use and smoke tests.
func newTokenCmd(a *app) *cobra.Command {
	var (
		tenant string
		user   string
		ttl    time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the audit API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := id.ParseTenantID(tenant)
			if err != nil {
				return err
			}
			var userID id.UserID
			if user != "" {
				if userID, err = id.ParseUserID(user); err != nil {
					return err
				}
			}

			validator := auth.NewHMACValidator(a.cfg.Auth.JWTSigningKey, a.cfg.Auth.Issuer, a.cfg.Auth.Audience)
			token, err := validator.Issue(tenantID, userID, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintln(out, token)
				return nil
			}
			output := tokenOutput{
				Token:     token,
				TenantID:  tenantID.String(),
				ExpiresIn: ttl.String(),
				DevKey:    a.cfg.UsesDefaultSigningKey(),
			}
			if !userID.IsNil() {
				output.UserID = userID.String()
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(output)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (UUID)")
	cmd.Flags().StringVar(&user, "user", "", "acting user ID (UUID), optional")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the token with its claims as JSON")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
