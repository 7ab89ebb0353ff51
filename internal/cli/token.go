package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/noton/realtime/internal/auth"
	"github.com/noton/realtime/internal/config"
	"github.com/noton/realtime/internal/session"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	Email   string
	TTL     time.Duration
}

// NewTokenCommand creates the token command, a local helper that prints a
// token the server will accept.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed token for local testing",
		Long: `Print an HS256 token signed with the configured secret.

Example:
  JWT_SECRET=dev realtime token --sub user-1 --email ada@example.com
  JWT_SECRET=dev realtime token --sub user-2 --email bob@example.com --ttl 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := issueToken(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "sub", "", "user id (sub claim)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email claim")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func issueToken(opts *TokenOptions) (string, error) {
	if opts.TTL <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	cfg, err := config.Resolve(opts.ConfigPath)
	if err != nil {
		return "", err
	}
	verifier, err := auth.NewVerifier(auth.Options{
		Secret:        []byte(cfg.Auth.JWTSecret),
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		MaxTokenBytes: cfg.Auth.MaxTokenBytes,
	})
	if err != nil {
		return "", err
	}
	return verifier.Issue(session.Viewer{UserID: opts.Subject, Email: opts.Email}, opts.TTL)
}
