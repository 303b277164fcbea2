package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/devops-guardian/internal/auth"
	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/spf13/cobra"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(domain.RoleViewer), "token role: viewer or operator")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to auth.token_duration)")
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API bearer token",
	Long: `Issue a signed bearer token for the operator API.

Examples:
  # Dashboard read access
  guardian token dashboard --role viewer

  # Operator that may approve fixes, valid for one week
  guardian token alice --role operator --ttl 168h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Auth.SecretKey.IsSet() {
		return errors.New("auth.secret_key is not set")
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		SecretKey:     cfg.Auth.SecretKey.Value(),
		Issuer:        cfg.Auth.Issuer,
		TokenDuration: cfg.Auth.TokenDuration,
	})
	if err != nil {
		return err
	}

	token, expiresAt, err := authenticator.IssueToken(args[0], domain.Role(tokenRole), tokenTTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
