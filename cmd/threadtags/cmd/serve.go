package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/threadtags/internal/api"
	"github.com/wesm/threadtags/internal/imap"
	"github.com/wesm/threadtags/internal/scheduler"
)

var serveNoAPI bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run threadtags as a daemon",
	Long: `Run threadtags in the foreground. The daemon:
  - polls each account's primary mailbox for tag changes
  - recomputes and applies conversation actions as tags change
  - rescans accounts on their cron schedule
  - serves the HTTP API on the configured port (default: 8080)

Schedules are set per account in config.toml:
  [[accounts]]
  email = "you@example.com"
  schedule = "*/30 * * * *"

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "do not start the HTTP API")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if !serveNoAPI {
		if err := cfg.Server.ValidateSecure(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.scan).WithLogger(logger)
	count, errs := sched.AddAccounts(cfg.ScheduledAccounts())
	for _, err := range errs {
		logger.Error("failed to schedule account", "error", err)
	}
	sched.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := sched.Stop(stopCtx); err != nil {
			logger.Warn("scheduler stop", "error", err)
		}
	}()

	var pollers errgroup.Group
	for _, acct := range cfg.Accounts {
		p := imap.NewPoller(a.clients[acct.ID], acct.ID, acct.PrimaryMailbox, cfg.Engine.PollInterval.Duration, logger)
		unsubscribe := a.engine.Watch(ctx, p)
		defer unsubscribe()
		pollers.Go(func() error { return p.Run(ctx) })
	}

	var srv *api.Server
	serverErr := make(chan error, 1)
	if !serveNoAPI {
		srv = api.NewServer(cfg.Server, a.engine, a.store, sched, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	fmt.Printf("threadtags daemon started\n")
	if srv != nil {
		fmt.Printf("  API server: http://%s\n", net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.APIPort)))
	}
	fmt.Printf("  Accounts: %d (%d scheduled)\n", len(cfg.Accounts), count)
	fmt.Printf("  Poll interval: %s\n", cfg.Engine.PollInterval.Duration)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("api server: %w", err)
	}
	cancel()
	_ = pollers.Wait()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
	}
	return runErr
}
