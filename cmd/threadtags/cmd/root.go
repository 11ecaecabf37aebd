package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesm/threadtags/internal/config"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "threadtags",
	Short: "Keep action tags consistent across mail conversations",
	Long: `threadtags watches IMAP mailboxes for per-message action tags
(reply, archive, delete, none) and, in grouping mode, applies the highest
priority action of a fully classified conversation to every message in it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level, err := cfg.LogLevel()
		if err != nil {
			return err
		}
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		if err := os.MkdirAll(cfg.Data.DataDir, 0700); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}
		return nil
	},
}

// ExecuteContext runs the root command with ctx, which is cancelled on
// SIGINT and SIGTERM.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// errOAuthNotConfigured explains how to set up Google OAuth.
func errOAuthNotConfigured() error {
	path := "<config file>"
	if cfg != nil {
		path = cfg.Path
	}
	return fmt.Errorf(`OAuth client secrets not configured.

Download a Google Cloud OAuth client_secret.json and add to %s:
  [oauth]
  client_secrets = "/path/to/client_secret.json"`, path)
}

// wrapOAuthError adds setup instructions when the secrets file is missing.
func wrapOAuthError(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w\n\n%v", err, errOAuthNotConfigured())
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.threadtags/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
