// Package imap reads and writes action keywords on an IMAP server and polls
// it for changes.
package imap

import (
	"fmt"
	"net/url"
	"strconv"
)

// Auth methods.
const (
	AuthPassword = "password"
	AuthOAuth2   = "oauth2"
)

// Config holds connection settings for an IMAP server.
type Config struct {
	Host     string `toml:"host" json:"host"`
	Port     int    `toml:"port" json:"port"`
	TLS      bool   `toml:"tls" json:"tls"`           // implicit TLS (IMAPS)
	STARTTLS bool   `toml:"starttls" json:"starttls"` // upgrade a plain connection
	Username string `toml:"username" json:"username"`
	Auth     string `toml:"auth" json:"auth"` // "password" (default) or "oauth2"
}

func (c *Config) port() int {
	switch {
	case c.Port != 0:
		return c.Port
	case c.TLS:
		return 993
	default:
		return 143
	}
}

// Addr returns the "host:port" string.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.port())
}

// AuthMethod returns the configured auth method, defaulting to password.
func (c *Config) AuthMethod() string {
	if c.Auth == "" {
		return AuthPassword
	}
	return c.Auth
}

// Identifier returns a canonical string like "imaps://user@host:port". It
// keys stored credentials.
func (c *Config) Identifier() string {
	scheme := "imap"
	if c.TLS {
		scheme = "imaps"
	}
	return fmt.Sprintf("%s://%s@%s:%d", scheme, url.PathEscape(c.Username), c.Host, c.port())
}

// Validate checks that the config can be dialed.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("imap host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("imap username is required")
	}
	if c.TLS && c.STARTTLS {
		return fmt.Errorf("imap tls and starttls are mutually exclusive")
	}
	switch c.AuthMethod() {
	case AuthPassword, AuthOAuth2:
	default:
		return fmt.Errorf("unknown imap auth %q (expected %s or %s)", c.Auth, AuthPassword, AuthOAuth2)
	}
	return nil
}

// ParseIdentifier parses a config from an identifier like
// "imaps://user@host:port".
func ParseIdentifier(identifier string) (*Config, error) {
	u, err := url.Parse(identifier)
	if err != nil {
		return nil, fmt.Errorf("parse IMAP identifier: %w", err)
	}
	cfg := &Config{Host: u.Hostname(), Username: u.User.Username()}
	switch u.Scheme {
	case "imaps":
		cfg.TLS = true
	case "imap":
	default:
		return nil, fmt.Errorf("unsupported scheme %q (expected imap or imaps)", u.Scheme)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		cfg.Port = n
	}
	return cfg, nil
}
