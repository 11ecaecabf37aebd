package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/threadtags/internal/config"
	"github.com/wesm/threadtags/internal/gmail"
	"github.com/wesm/threadtags/internal/imap"
	"github.com/wesm/threadtags/internal/oauth"
)

var (
	headless    bool
	forceReauth bool
	gmailMirror bool
)

var addAccountCmd = &cobra.Command{
	Use:   "add-account <email>",
	Short: "Authorize a Google account via OAuth",
	Long: `Complete the OAuth2 flow for a Google account. The token lets threadtags
log in to Gmail IMAP with OAUTHBEARER and manage the mirrored labels.

By default, opens a browser for authorization. Use --headless to authorize
with a device code on another machine.

If a token already exists, the command skips authorization. Use --force to
delete the existing token and re-authorize.

Examples:
  threadtags add-account you@gmail.com
  threadtags add-account you@gmail.com --gmail-mirror
  threadtags add-account you@gmail.com --headless`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		if cfg.OAuth.ClientSecrets == "" {
			return errOAuthNotConfigured()
		}
		mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
		if err != nil {
			return wrapOAuthError(fmt.Errorf("create oauth manager: %w", err))
		}

		if forceReauth && mgr.HasToken(email) {
			fmt.Printf("Removing existing token for %s...\n", email)
			if err := mgr.DeleteToken(email); err != nil {
				return fmt.Errorf("delete existing token: %w", err)
			}
		}

		if mgr.HasToken(email) {
			fmt.Printf("Account %s is already authorized.\n", email)
		} else {
			fmt.Printf("Authorizing %s...\n", email)
			if err := mgr.Authorize(cmd.Context(), email, headless); err != nil {
				return fmt.Errorf("authorize: %w", err)
			}
			fmt.Printf("Token saved to %s\n", mgr.TokenPath(email))
		}

		if err := verifyGmailToken(cmd, mgr, email); err != nil {
			return err
		}

		added := upsertGmailAccount(cfg, email, gmailMirror)
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		if added {
			fmt.Printf("Account added to %s\n", cfg.Path)
		}
		return nil
	},
}

// verifyGmailToken checks the stored token against the Gmail profile.
func verifyGmailToken(cmd *cobra.Command, mgr *oauth.Manager, email string) error {
	ctx := cmd.Context()
	ts, err := mgr.TokenSource(ctx, email)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	client := gmail.NewClient(ts, gmail.WithLogger(logger))
	defer client.Close()

	profile, err := client.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if !strings.EqualFold(profile.EmailAddress, email) {
		return fmt.Errorf("token belongs to %s, not %s (re-run with --force)", profile.EmailAddress, email)
	}
	fmt.Printf("Verified Gmail access for %s (%d threads)\n", profile.EmailAddress, profile.ThreadsTotal)
	return nil
}

// upsertGmailAccount makes sure email has an account using Gmail IMAP with
// OAuth. Existing IMAP settings are kept. It reports whether an account was
// created.
func upsertGmailAccount(c *config.Config, email string, mirror bool) bool {
	if acct := c.Account(email); acct != nil {
		if mirror {
			acct.GmailMirror = true
		}
		return false
	}
	c.Accounts = append(c.Accounts, config.AccountConfig{
		ID:             email,
		Email:          email,
		PrimaryMailbox: "INBOX",
		GmailMirror:    mirror,
		MirrorRoles:    []string{"archive", "all", "flagged"},
		IMAP: imap.Config{
			Host:     "imap.gmail.com",
			TLS:      true,
			Username: email,
			Auth:     imap.AuthOAuth2,
		},
	})
	return true
}

// tokenExists reports whether an OAuth token is stored for email.
func tokenExists(c *config.Config, email string) bool {
	if c.OAuth.ClientSecrets == "" {
		return false
	}
	mgr, err := oauth.NewManager(c.OAuth.ClientSecrets, c.TokensDir(), logger)
	if err != nil {
		return false
	}
	return mgr.HasToken(email)
}

func init() {
	addAccountCmd.Flags().BoolVar(&headless, "headless", false, "use the device authorization flow")
	addAccountCmd.Flags().BoolVar(&forceReauth, "force", false, "delete any existing token and re-authorize")
	addAccountCmd.Flags().BoolVar(&gmailMirror, "gmail-mirror", false, "mirror actions onto Gmail labels")
	rootCmd.AddCommand(addAccountCmd)
}
