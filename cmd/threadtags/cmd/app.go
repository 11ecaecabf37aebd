package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/background"
	"github.com/wesm/threadtags/internal/config"
	"github.com/wesm/threadtags/internal/engine"
	"github.com/wesm/threadtags/internal/gmail"
	"github.com/wesm/threadtags/internal/imap"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/mirror"
	"github.com/wesm/threadtags/internal/oauth"
	"github.com/wesm/threadtags/internal/store"
	"github.com/wesm/threadtags/internal/suppress"
	"github.com/wesm/threadtags/internal/sync"
)

// app holds the components shared by the commands that touch mailboxes.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	tags     *action.TagMap
	engine   *engine.Engine
	queue    *background.Queue
	suppress *suppress.Window
	indexer  *sync.Indexer
	clients  map[string]*imap.Client
	oauth    *oauth.Manager
}

// openStore opens the database and makes sure the schema exists.
func openStore(c *config.Config) (*store.Store, error) {
	s, err := store.Open(c.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func engineOptions(c config.EngineConfig) engine.Options {
	return engine.Options{
		MaxThreadMembers:      c.MaxThreadMembers,
		ApplyMaxAttempts:      c.ApplyMaxAttempts,
		ApplyBackoff:          c.ApplyBackoff.Duration,
		SuppressionWindow:     c.SuppressionWindow.Duration,
		RetagWorkers:          c.RetagWorkers,
		MaxMessagesPerMailbox: c.MaxMessagesPerMailbox,
		MaxConversations:      c.MaxConversations,
	}
}

func mirrorRoles(names []string) []mailbox.Role {
	roles := make([]mailbox.Role, 0, len(names))
	for _, n := range names {
		roles = append(roles, mailbox.Role(n))
	}
	return roles
}

// newApp builds the engine and registers every configured account.
func newApp(ctx context.Context, c *config.Config, logger *slog.Logger) (*app, error) {
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured\n\nAdd one to %s:\n\n  [[accounts]]\n  email = \"you@example.com\"\n  [accounts.imap]\n  host = \"imap.example.com\"\n  tls = true", c.Path)
	}
	priority, err := c.PriorityTable()
	if err != nil {
		return nil, err
	}
	tags, err := c.TagMap()
	if err != nil {
		return nil, err
	}

	s, err := openStore(c)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      c,
		logger:   logger,
		store:    s,
		tags:     tags,
		suppress: suppress.New(),
		indexer:  sync.New(s, c.Engine.MaxMessagesPerMailbox).WithLogger(logger),
		clients:  make(map[string]*imap.Client),
	}
	a.queue = background.New(
		background.WithLogger(logger),
		background.WithWorkers(c.Engine.BackgroundWorkers),
		background.WithCapacity(c.Engine.BackgroundCapacity),
	)

	a.engine, err = engine.New(engine.Deps{
		Store:      s,
		Priority:   priority,
		Tags:       tags,
		Suppress:   a.suppress,
		Background: a.queue,
		Logger:     logger,
	}, engineOptions(c.Engine))
	if err != nil {
		a.Close()
		return nil, err
	}

	for i := range c.Accounts {
		if err := a.addAccount(ctx, &c.Accounts[i]); err != nil {
			a.Close()
			return nil, fmt.Errorf("account %s: %w", c.Accounts[i].ID, err)
		}
	}
	return a, nil
}

// oauthManager creates the OAuth manager on first use.
func (a *app) oauthManager() (*oauth.Manager, error) {
	if a.oauth != nil {
		return a.oauth, nil
	}
	if a.cfg.OAuth.ClientSecrets == "" {
		return nil, errOAuthNotConfigured()
	}
	m, err := oauth.NewManager(a.cfg.OAuth.ClientSecrets, a.cfg.TokensDir(), a.logger)
	if err != nil {
		return nil, wrapOAuthError(fmt.Errorf("create oauth manager: %w", err))
	}
	a.oauth = m
	return m, nil
}

func (a *app) imapClient(ctx context.Context, acct *config.AccountConfig) (*imap.Client, error) {
	ic := acct.IMAP
	opts := []imap.Option{imap.WithLogger(a.logger.With("account", acct.ID))}
	switch ic.AuthMethod() {
	case imap.AuthOAuth2:
		mgr, err := a.oauthManager()
		if err != nil {
			return nil, err
		}
		ts, err := mgr.TokenSource(ctx, acct.Email)
		if err != nil {
			return nil, fmt.Errorf("%w (run 'threadtags add-account %s' first)", err, acct.Email)
		}
		opts = append(opts, imap.WithTokenSource(ts))
	default:
		password, err := imap.LoadCredentials(a.cfg.TokensDir(), ic.Identifier())
		if err != nil {
			return nil, err
		}
		opts = append(opts, imap.WithPassword(password))
	}
	return imap.NewClient(&ic, opts...), nil
}

func (a *app) addAccount(ctx context.Context, acct *config.AccountConfig) error {
	client, err := a.imapClient(ctx, acct)
	if err != nil {
		return err
	}
	a.clients[acct.ID] = client

	mirrors := []engine.Mirror{
		mirror.NewCrossFolder(client, acct.PrimaryMailbox, a.tags, a.suppress, mirror.CrossFolderOptions{
			Roles:       mirrorRoles(acct.MirrorRoles),
			MaxFolders:  a.cfg.Engine.MirrorMaxFolders,
			MaxMatches:  a.cfg.Engine.MirrorMaxMatches,
			SuppressFor: a.cfg.Engine.SuppressionWindow.Duration,
		}, a.logger),
	}
	if acct.GmailMirror {
		labels, err := a.labelMirror(ctx, acct)
		if err != nil {
			return err
		}
		mirrors = append(mirrors, labels)
	}

	return a.engine.AddAccount(engine.Account{
		ID:             acct.ID,
		PrimaryMailbox: acct.PrimaryMailbox,
		Addresses:      acct.SelfAddresses(),
		Messages:       client,
		Mirrors:        mirrors,
	})
}

func (a *app) labelMirror(ctx context.Context, acct *config.AccountConfig) (*mirror.Labels, error) {
	mgr, err := a.oauthManager()
	if err != nil {
		return nil, err
	}
	ts, err := mgr.TokenSource(ctx, acct.Email)
	if err != nil {
		return nil, fmt.Errorf("gmail mirror: %w (run 'threadtags add-account %s' first)", err, acct.Email)
	}
	client := gmail.NewClient(ts,
		gmail.WithLogger(a.logger),
		gmail.WithRateLimiter(gmail.NewRateLimiter(float64(a.cfg.Gmail.RateLimitQPS))),
	)
	return mirror.NewLabels(client, a.cfg.Gmail.LabelPrefix, a.logger), nil
}

// scan indexes an account's primary mailbox and reconciles its
// conversations with the grouping mode.
func (a *app) scan(ctx context.Context, accountID string) error {
	acct := a.cfg.Account(accountID)
	if acct == nil {
		return fmt.Errorf("unknown account %q", accountID)
	}
	client := a.clients[acct.ID]

	sum, err := a.indexer.Index(ctx, client, sync.Account{
		ID:             acct.ID,
		PrimaryMailbox: acct.PrimaryMailbox,
		Addresses:      acct.SelfAddresses(),
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", acct.ID, err)
	}
	report, err := a.engine.Reconcile(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", acct.ID, err)
	}
	a.logger.Info("scan complete",
		"account", acct.ID,
		"indexed", sum.Indexed,
		"removed", sum.Removed,
		"conversations", report.Conversations,
		"applied", report.Applied,
		"failed", report.Failed,
	)
	return nil
}

// Close drains background work and releases connections.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain background queue: %w", err))
		}
	}
	for id, c := range a.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close imap %s: %w", id, err))
		}
	}
	if a.suppress != nil {
		a.suppress.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
