package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/dpopclient/pkg/clierror"
	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
	"github.com/gobeyondidentity/dpopclient/pkg/timeutil"
)

var (
	tokenAccess    string
	tokenRefresh   string
	tokenType      string
	tokenExpiresIn time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenRefreshCmd)
	tokenCmd.AddCommand(tokenClearCmd)

	tokenSetCmd.Flags().StringVar(&tokenAccess, "access-token", "", "Access token (required)")
	tokenSetCmd.Flags().StringVar(&tokenRefresh, "refresh-token", "", "Refresh token")
	tokenSetCmd.Flags().StringVar(&tokenType, "token-type", dpop.AuthSchemeDPoP, "Token type")
	tokenSetCmd.Flags().DurationVar(&tokenExpiresIn, "expires-in", 0, "Access token lifetime (0 = no expiry)")
	_ = tokenSetCmd.MarkFlagRequired("access-token")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the account's OAuth tokens",
}

// TokenStatus is the output of token show. Tokens themselves are masked.
type TokenStatus struct {
	Account         string     `json:"account" yaml:"account"`
	TokenType       string     `json:"token_type" yaml:"token_type"`
	AccessToken     string     `json:"access_token" yaml:"access_token"`
	HasRefreshToken bool       `json:"has_refresh_token" yaml:"has_refresh_token"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	NeedsRefresh    bool       `json:"needs_refresh" yaml:"needs_refresh"`
}

var tokenSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store tokens obtained elsewhere",
	Long: `Store an access token (and optionally a refresh token) for the account.
Token acquisition is out of scope for dpopctl; use this after signing in
with your identity provider.

Examples:
  dpopctl token set --access-token "$AT" --refresh-token "$RT" --expires-in 1h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ts := dpop.TokenSet{
			AccessToken:  tokenAccess,
			RefreshToken: tokenRefresh,
			TokenType:    tokenType,
		}
		if tokenExpiresIn > 0 {
			ts.ExpiresAt = time.Now().Add(tokenExpiresIn)
		}
		if err := app.session().SetTokens(cmd.Context(), ts); err != nil {
			return clierror.StorageError(err)
		}

		out := cmd.OutOrStdout()
		status := tokenStatus(&ts, false)
		if handled, err := formatOutput(out, status); handled {
			return err
		}
		fmt.Fprintf(out, "%s tokens for account '%s'\n", okFmt("Stored"), app.cfg.Account)
		return nil
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show token status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session := app.session()
		ts, err := session.CurrentTokens(cmd.Context())
		if err != nil {
			return clierror.StorageError(err)
		}
		if ts == nil {
			return clierror.NoTokens(app.cfg.Account)
		}

		status := tokenStatus(ts, session.NeedsRefresh(ts))
		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, status); handled {
			return err
		}

		fmt.Fprintf(out, "Account:        %s\n", status.Account)
		fmt.Fprintf(out, "Token type:     %s\n", status.TokenType)
		fmt.Fprintf(out, "Access token:   %s\n", status.AccessToken)
		fmt.Fprintf(out, "Refresh token:  %v\n", status.HasRefreshToken)
		if status.ExpiresAt != nil {
			fmt.Fprintf(out, "Expires:        %s (%s)\n", status.ExpiresAt.Format(time.RFC3339), timeutil.Relative(*status.ExpiresAt))
		} else {
			fmt.Fprintln(out, "Expires:        never")
		}
		if status.NeedsRefresh {
			fmt.Fprintf(out, "Status:         %s\n", warnFmt("refresh needed"))
		} else {
			fmt.Fprintf(out, "Status:         %s\n", okFmt("valid"))
		}
		return nil
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the access token now",
	Long: `Exchange the stored refresh token at the configured token endpoint. The
request carries a DPoP proof so the new access token is bound to the
account's key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session := app.session()
		if err := session.Refresh(cmd.Context()); err != nil {
			return clierror.FromError(err)
		}
		ts, err := session.CurrentTokens(cmd.Context())
		if err != nil {
			return clierror.StorageError(err)
		}
		if ts == nil {
			return clierror.NoTokens(app.cfg.Account)
		}

		out := cmd.OutOrStdout()
		status := tokenStatus(ts, false)
		if handled, err := formatOutput(out, status); handled {
			return err
		}
		fmt.Fprintf(out, "%s tokens for account '%s'\n", okFmt("Refreshed"), app.cfg.Account)
		return nil
	},
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove stored tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.session().Clear(cmd.Context()); err != nil {
			return clierror.StorageError(err)
		}

		out := cmd.OutOrStdout()
		result := map[string]any{"account": app.cfg.Account, "cleared": true}
		if handled, err := formatOutput(out, result); handled {
			return err
		}
		fmt.Fprintf(out, "%s tokens for account '%s'\n", okFmt("Cleared"), app.cfg.Account)
		return nil
	},
}

func tokenStatus(ts *dpop.TokenSet, needsRefresh bool) *TokenStatus {
	status := &TokenStatus{
		Account:         app.cfg.Account,
		TokenType:       ts.TokenType,
		AccessToken:     maskToken(ts.AccessToken),
		HasRefreshToken: ts.RefreshToken != "",
		NeedsRefresh:    needsRefresh,
	}
	if !ts.ExpiresAt.IsZero() {
		expires := ts.ExpiresAt
		status.ExpiresAt = &expires
	}
	return status
}

// maskToken keeps the first and last four characters of long tokens.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
