// Package config loads threadtags configuration from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/fileutil"
	"github.com/wesm/threadtags/internal/imap"
	"github.com/wesm/threadtags/internal/scheduler"
)

// Duration is a time.Duration decoded from strings like "500ms" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DataConfig holds storage locations.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn or error
}

// OAuthConfig points at the Google OAuth client secrets.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort       int     `toml:"api_port"`
	BindAddr      string  `toml:"bind_addr"`
	APIKey        string  `toml:"api_key"`
	AllowInsecure bool    `toml:"allow_insecure"` // permit a non-loopback bind without an API key
	RateLimit     float64 `toml:"rate_limit"`     // requests per second per client IP
	RateBurst     int     `toml:"rate_burst"`
}

// ValidateSecure rejects binding a non-loopback address without an API key
// unless allow_insecure is set.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || s.AllowInsecure || isLoopback(s.BindAddr) {
		return nil
	}
	return fmt.Errorf("server.bind_addr %q is not loopback: set server.api_key or server.allow_insecure", s.BindAddr)
}

func isLoopback(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// EngineConfig bounds the engine's work.
type EngineConfig struct {
	MaxThreadMembers      int      `toml:"max_thread_members"`
	ApplyMaxAttempts      int      `toml:"apply_max_attempts"`
	ApplyBackoff          Duration `toml:"apply_backoff"`
	SuppressionWindow     Duration `toml:"suppression_window"`
	RetagWorkers          int      `toml:"retag_workers"`
	MaxMessagesPerMailbox int      `toml:"max_messages_per_mailbox"`
	MaxConversations      int      `toml:"max_conversations"`
	BackgroundWorkers     int      `toml:"background_workers"`
	BackgroundCapacity    int      `toml:"background_capacity"`
	PollInterval          Duration `toml:"poll_interval"`
	MirrorMaxFolders      int      `toml:"mirror_max_folders"`
	MirrorMaxMatches      int      `toml:"mirror_max_matches"`
}

// GmailConfig holds settings for the Gmail label mirror.
type GmailConfig struct {
	LabelPrefix  string `toml:"label_prefix"`
	RateLimitQPS int    `toml:"rate_limit_qps"`
}

// AccountConfig defines one mail account.
type AccountConfig struct {
	ID             string      `toml:"id"` // defaults to Email
	Email          string      `toml:"email"`
	Addresses      []string    `toml:"addresses"` // extra self addresses besides Email
	PrimaryMailbox string      `toml:"primary_mailbox"`
	Schedule       string      `toml:"schedule"` // cron expression for periodic scans
	IMAP           imap.Config `toml:"imap"`
	GmailMirror    bool        `toml:"gmail_mirror"`
	MirrorRoles    []string    `toml:"mirror_roles"` // folder roles that receive copies of tags
}

// SelfAddresses returns Email and Addresses without duplicates.
func (a *AccountConfig) SelfAddresses() []string {
	seen := make(map[string]bool)
	var out []string
	for _, addr := range append([]string{a.Email}, a.Addresses...) {
		k := strings.ToLower(strings.TrimSpace(addr))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Config is the complete threadtags configuration.
type Config struct {
	Data     DataConfig        `toml:"data"`
	Log      LogConfig         `toml:"log"`
	OAuth    OAuthConfig       `toml:"oauth"`
	Server   ServerConfig      `toml:"server"`
	Engine   EngineConfig      `toml:"engine"`
	Priority map[string]int    `toml:"priority"`
	Tags     map[string]string `toml:"tags"`
	Gmail    GmailConfig       `toml:"gmail"`
	Accounts []AccountConfig   `toml:"accounts"`

	// HomeDir is the directory holding config.toml; not read from the file.
	HomeDir string `toml:"-"`
	// Path is the file the config was read from, or would be.
	Path string `toml:"-"`
}

// DefaultHome returns the threadtags home directory. THREADTAGS_HOME
// overrides ~/.threadtags.
func DefaultHome() string {
	if h := os.Getenv("THREADTAGS_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".threadtags"
	}
	return filepath.Join(home, ".threadtags")
}

// NewDefaultConfig returns the configuration used when no file exists.
func NewDefaultConfig(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Path:    filepath.Join(homeDir, "config.toml"),
		Data:    DataConfig{DataDir: homeDir},
		Log:     LogConfig{Level: "info"},
		Server: ServerConfig{
			APIPort:   8080,
			BindAddr:  "127.0.0.1",
			RateLimit: 10,
			RateBurst: 20,
		},
		Engine: EngineConfig{
			MaxThreadMembers:      100,
			ApplyMaxAttempts:      3,
			ApplyBackoff:          Duration{500 * time.Millisecond},
			SuppressionWindow:     Duration{suppressionPollFactor * time.Minute},
			RetagWorkers:          4,
			MaxMessagesPerMailbox: 5000,
			MaxConversations:      2000,
			BackgroundWorkers:     2,
			BackgroundCapacity:    256,
			PollInterval:          Duration{time.Minute},
			MirrorMaxFolders:      5,
			MirrorMaxMatches:      10,
		},
		Gmail: GmailConfig{
			LabelPrefix:  "threadtags/",
			RateLimitQPS: 5,
		},
	}
}

// Load reads the configuration at path, or <home>/config.toml when path is
// empty. A missing default file yields defaults; a missing explicit file is
// an error. The result is validated.
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()
	explicit := path != ""
	if explicit {
		path = expandPath(path)
		homeDir = filepath.Dir(path)
	}
	cfg := NewDefaultConfig(homeDir)
	if explicit {
		cfg.Path = path
	}

	if _, err := os.Stat(cfg.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("config file: %w", err)
	}

	md, err := toml.DecodeFile(cfg.Path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", cfg.Path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		slog.Warn("unknown config keys", "path", cfg.Path, "keys", fmt.Sprint(undecoded))
	}

	if !md.IsDefined("engine", "suppression_window") {
		cfg.Engine.SuppressionWindow = Duration{suppressionPollFactor * cfg.Engine.PollInterval.Duration}
	}
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.OAuth.ClientSecrets = expandPath(cfg.OAuth.ClientSecrets)
	cfg.applyAccountDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyAccountDefaults() {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Email = strings.TrimSpace(a.Email)
		if a.ID == "" {
			a.ID = a.Email
		}
		if a.PrimaryMailbox == "" {
			a.PrimaryMailbox = "INBOX"
		}
		if a.IMAP.Username == "" {
			a.IMAP.Username = a.Email
		}
		if a.MirrorRoles == nil {
			a.MirrorRoles = []string{"archive", "all", "flagged"}
		}
	}
}

// suppressionPollFactor is how many poll intervals an engine write stays
// suppressed. A poller reports a write at most one interval after it lands.
const suppressionPollFactor = 2

func (e EngineConfig) validate() error {
	if e.PollInterval.Duration <= 0 {
		return fmt.Errorf("engine.poll_interval: must be positive, got %v", e.PollInterval)
	}
	if floor := suppressionPollFactor * e.PollInterval.Duration; e.SuppressionWindow.Duration < floor {
		return fmt.Errorf("engine.suppression_window: %v is shorter than %d poll intervals (%v)",
			e.SuppressionWindow, suppressionPollFactor, floor)
	}
	return nil
}

// Validate checks the configuration. Errors name the offending key.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Priority) > 0 {
		if _, err := action.ParsePriorityTable(c.Priority); err != nil {
			errs = append(errs, fmt.Errorf("[priority]: %w", err))
		}
	}
	if _, err := c.TagMap(); err != nil {
		errs = append(errs, fmt.Errorf("[tags]: %w", err))
	}
	if err := c.Engine.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.APIPort < 0 || c.Server.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("server.api_port: %d out of range", c.Server.APIPort))
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		prefix := fmt.Sprintf("accounts[%d]", i)
		if a.Email == "" {
			errs = append(errs, fmt.Errorf("%s.email is required", prefix))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("%s.id: duplicate account %q", prefix, a.ID))
		}
		seen[a.ID] = true
		if a.Schedule != "" {
			if err := scheduler.ValidateCronExpr(a.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("%s.schedule: %w", prefix, err))
			}
		}
		if a.IMAP.Host != "" {
			if err := a.IMAP.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s.imap: %w", prefix, err))
			}
		}
		for _, r := range a.MirrorRoles {
			if !validRole(r) {
				errs = append(errs, fmt.Errorf("%s.mirror_roles: unknown role %q", prefix, r))
			}
		}
	}
	return errors.Join(errs...)
}

func validRole(r string) bool {
	switch r {
	case "archive", "all", "flagged", "sent", "drafts", "trash", "junk":
		return true
	}
	return false
}

// PriorityTable returns the configured priority ordering. The [priority]
// table is required for any command that aggregates.
func (c *Config) PriorityTable() (action.PriorityTable, error) {
	if len(c.Priority) == 0 {
		return nil, fmt.Errorf("[priority] is required in %s (for example reply = 3, archive = 2, none = 1, delete = 0)", c.Path)
	}
	t, err := action.ParsePriorityTable(c.Priority)
	if err != nil {
		return nil, fmt.Errorf("[priority]: %w", err)
	}
	return t, nil
}

// TagMap returns the action keywords, with [tags] entries overriding the
// defaults.
func (c *Config) TagMap() (*action.TagMap, error) {
	tags := action.DefaultTags()
	for k, v := range c.Tags {
		a, err := action.Parse(k)
		if err != nil {
			return nil, err
		}
		tags[a] = strings.TrimSpace(v)
	}
	return action.NewTagMap(tags)
}

// LogLevel parses [log] level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "threadtags.db")
}

// TokensDir returns the directory holding OAuth tokens and IMAP credentials.
func (c *Config) TokensDir() string {
	return filepath.Join(c.Data.DataDir, "tokens")
}

// Account returns the account with the given id or email, or nil.
func (c *Config) Account(idOrEmail string) *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].ID == idOrEmail || strings.EqualFold(c.Accounts[i].Email, idOrEmail) {
			return &c.Accounts[i]
		}
	}
	return nil
}

// ScheduledAccounts returns the scheduler entries of accounts with a
// schedule.
func (c *Config) ScheduledAccounts() []scheduler.Entry {
	var entries []scheduler.Entry
	for _, a := range c.Accounts {
		if a.Schedule != "" {
			entries = append(entries, scheduler.Entry{Account: a.ID, Schedule: a.Schedule})
		}
	}
	return entries
}

// Save writes the configuration to c.Path with owner-only permissions.
func (c *Config) Save() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := fileutil.WritePrivateFile(c.Path, buf.Bytes()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	if len(path) > 1 && path[1] != '/' && path[1] != filepath.Separator {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
