package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wesm/threadtags/internal/config"
	"github.com/wesm/threadtags/internal/imap"
)

var (
	imapHost     string
	imapPort     int
	imapUsername string
	imapEmail    string
	imapMailbox  string
	imapNoTLS    bool
	imapSTARTTLS bool
)

var addIMAPCmd = &cobra.Command{
	Use:   "add-imap",
	Short: "Add an IMAP account with password authentication",
	Long: `Add an IMAP account, store its password under the tokens directory and
record the account in config.toml.

By default, connects using implicit TLS (IMAPS, port 993).
Use --starttls for STARTTLS upgrade on port 143.
Use --no-tls for a plain unencrypted connection (not recommended).

You will be prompted for the password.

Examples:
  threadtags add-imap --host imap.example.com --username user@example.com
  threadtags add-imap --host mail.example.com --username user --email user@example.com --starttls`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if imapHost == "" {
			return fmt.Errorf("--host is required")
		}
		if imapUsername == "" {
			return fmt.Errorf("--username is required")
		}
		email := imapEmail
		if email == "" {
			email = imapUsername
		}

		imapCfg := imap.Config{
			Host:     imapHost,
			Port:     imapPort,
			TLS:      !imapNoTLS && !imapSTARTTLS,
			STARTTLS: imapSTARTTLS,
			Username: imapUsername,
		}
		if err := imapCfg.Validate(); err != nil {
			return err
		}

		// Password is only read interactively so it never lands in shell
		// history or process listings.
		fmt.Printf("Password for %s@%s: ", imapUsername, imapHost)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password := string(raw)
		if password == "" {
			return fmt.Errorf("password is required")
		}

		fmt.Printf("Testing connection to %s...\n", imapCfg.Addr())
		client := imap.NewClient(&imapCfg, imap.WithPassword(password), imap.WithLogger(logger))
		folders, err := client.ListFolders(cmd.Context())
		_ = client.Close()
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Printf("Connected; %d folders visible\n", len(folders))

		identifier := imapCfg.Identifier()
		if err := imap.SaveCredentials(cfg.TokensDir(), identifier, password); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		added := upsertIMAPAccount(cfg, email, imapMailbox, imapCfg)
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		if added {
			fmt.Printf("\nIMAP account added to %s\n", cfg.Path)
		} else {
			fmt.Printf("\nIMAP settings updated in %s\n", cfg.Path)
		}
		fmt.Printf("  Identifier: %s\n", identifier)
		fmt.Println()
		fmt.Println("You can now run:")
		fmt.Printf("  threadtags index %s\n", email)
		return nil
	},
}

// upsertIMAPAccount records the IMAP settings on the account for email,
// creating it if needed. It reports whether an account was created.
func upsertIMAPAccount(c *config.Config, email, mailbox string, ic imap.Config) bool {
	if acct := c.Account(email); acct != nil {
		acct.IMAP = ic
		if mailbox != "" {
			acct.PrimaryMailbox = mailbox
		}
		return false
	}
	if mailbox == "" {
		mailbox = "INBOX"
	}
	c.Accounts = append(c.Accounts, config.AccountConfig{
		ID:             email,
		Email:          email,
		PrimaryMailbox: mailbox,
		IMAP:           ic,
		MirrorRoles:    []string{"archive", "all", "flagged"},
	})
	return true
}

func init() {
	addIMAPCmd.Flags().StringVar(&imapHost, "host", "", "IMAP server hostname (required)")
	addIMAPCmd.Flags().IntVar(&imapPort, "port", 0, "IMAP server port (default: 993 for TLS, 143 otherwise)")
	addIMAPCmd.Flags().StringVar(&imapUsername, "username", "", "IMAP username (required)")
	addIMAPCmd.Flags().StringVar(&imapEmail, "email", "", "account email address (default: username)")
	addIMAPCmd.Flags().StringVar(&imapMailbox, "mailbox", "", "primary mailbox (default: INBOX)")
	addIMAPCmd.Flags().BoolVar(&imapNoTLS, "no-tls", false, "Disable TLS (plain connection, not recommended)")
	addIMAPCmd.Flags().BoolVar(&imapSTARTTLS, "starttls", false, "Use STARTTLS instead of implicit TLS")
	rootCmd.AddCommand(addIMAPCmd)
}
