package imap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
)

// Option is a functional option for Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPassword authenticates with LOGIN.
func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

// WithTokenSource authenticates with OAUTHBEARER using tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// Client implements mailbox.Store and mailbox.HeaderLister over one IMAP
// connection. Commands are serialized; the connection is re-established
// after network errors.
type Client struct {
	config   *Config
	password string
	tokens   oauth2.TokenSource
	logger   *slog.Logger

	mu       sync.Mutex
	conn     *imapclient.Client
	selected string
}

// NewClient creates a client. No connection is made until the first call.
func NewClient(cfg *Config, opts ...Option) *Client {
	c := &Client{config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// connect dials and authenticates. Caller must hold mu.
func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	addr := c.config.Addr()
	c.logger.Debug("connecting to IMAP server", "addr", addr, "tls", c.config.TLS, "starttls", c.config.STARTTLS)

	var (
		conn *imapclient.Client
		err  error
	)
	switch {
	case c.config.TLS:
		conn, err = imapclient.DialTLS(addr, nil)
	case c.config.STARTTLS:
		conn, err = imapclient.DialStartTLS(addr, nil)
	default:
		conn, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := c.authenticate(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}
	c.conn = conn
	c.selected = ""
	c.logger.Debug("IMAP session ready", "user", c.config.Username)
	return nil
}

func (c *Client) authenticate(ctx context.Context, conn *imapclient.Client) error {
	if c.config.AuthMethod() != AuthOAuth2 {
		if err := conn.Login(c.config.Username, c.password).Wait(); err != nil {
			return fmt.Errorf("IMAP login: %w", err)
		}
		return nil
	}
	if c.tokens == nil {
		return errors.New("IMAP oauth2 auth configured without a token source")
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("IMAP oauth token: %w", err)
	}
	saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: c.config.Username,
		Token:    tok.AccessToken,
		Host:     c.config.Host,
		Port:     c.config.port(),
	})
	if err := conn.Authenticate(saslClient); err != nil {
		return fmt.Errorf("IMAP authenticate: %w", err)
	}
	return nil
}

// withConn runs fn on the live connection while holding mu. Errors other
// than tagged server responses drop the connection.
func (c *Client) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return err
	}
	err := fn(c.conn)
	var serverErr *imap.Error
	if err != nil && !errors.As(err, &serverErr) && !errors.Is(err, mailbox.ErrNotFound) {
		c.logger.Debug("dropping IMAP connection", "error", err)
		_ = c.conn.Close()
		c.conn = nil
		c.selected = ""
	}
	return err
}

// selectMailbox selects name read-write. Caller must hold mu.
func (c *Client) selectMailbox(name string) error {
	if c.selected == name {
		return nil
	}
	if _, err := c.conn.Select(name, nil).Wait(); err != nil {
		c.selected = ""
		return fmt.Errorf("SELECT %q: %w", name, err)
	}
	c.selected = name
	return nil
}

// ReadTags returns the flags and keywords of one copy.
func (c *Client) ReadTags(ctx context.Context, ref mailbox.CopyRef) ([]string, error) {
	var tags []string
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(ref.Mailbox); err != nil {
			return err
		}
		msgs, err := conn.Fetch(imap.UIDSetNum(imap.UID(ref.UID)), &imap.FetchOptions{UID: true, Flags: true}).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH FLAGS %s: %w", ref, err)
		}
		for _, m := range msgs {
			if uint32(m.UID) == ref.UID {
				tags = flagStrings(m.Flags)
				return nil
			}
		}
		return fmt.Errorf("%s: %w", ref, mailbox.ErrNotFound)
	})
	return tags, err
}

// WriteTags replaces the flags and keywords of one copy.
func (c *Client) WriteTags(ctx context.Context, ref mailbox.CopyRef, tags []string) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(ref.Mailbox); err != nil {
			return err
		}
		err := conn.Store(imap.UIDSetNum(imap.UID(ref.UID)), &imap.StoreFlags{
			Op:     imap.StoreFlagsSet,
			Silent: true,
			Flags:  storeFlags(tags),
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("UID STORE FLAGS %s: %w", ref, err)
		}
		return nil
	})
}

// ListCopies finds the copies of messageID in folder by header search.
func (c *Client) ListCopies(ctx context.Context, folder, messageID string) ([]mailbox.CopyRef, error) {
	id := identity.NormalizeMessageID(messageID)
	if id == "" {
		return nil, nil
	}
	var refs []mailbox.CopyRef
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(folder); err != nil {
			return err
		}
		data, err := conn.UIDSearch(&imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: "<" + id + ">"}},
		}, nil).Wait()
		if err != nil {
			return fmt.Errorf("UID SEARCH HEADER Message-ID in %q: %w", folder, err)
		}
		for _, uid := range searchUIDs(data) {
			refs = append(refs, mailbox.CopyRef{Mailbox: folder, UID: uint32(uid)})
		}
		return nil
	})
	return refs, err
}

// ListFolders returns the selectable folders with their special-use roles.
func (c *Client) ListFolders(ctx context.Context) ([]mailbox.Folder, error) {
	var folders []mailbox.Folder
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		items, err := conn.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("LIST: %w", err)
		}
		for _, item := range items {
			if slices.Contains(item.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}
			folders = append(folders, mailbox.Folder{Path: item.Mailbox, Role: folderRole(item.Mailbox, item.Attrs)})
		}
		return nil
	})
	return folders, err
}

// ListHeaders returns the headers of the newest limit messages in folder.
func (c *Client) ListHeaders(ctx context.Context, folder string, limit int) ([]mailbox.Header, error) {
	var headers []mailbox.Header
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(folder); err != nil {
			return err
		}
		data, err := conn.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return fmt.Errorf("UID SEARCH ALL in %q: %w", folder, err)
		}
		uids := searchUIDs(data)
		if limit > 0 && len(uids) > limit {
			uids = uids[len(uids)-limit:]
		}
		headers, err = c.fetchHeadersLocked(conn, uids)
		return err
	})
	return headers, err
}

// FetchHeaders returns the headers of specific messages in folder.
func (c *Client) FetchHeaders(ctx context.Context, folder string, uids []uint32) ([]mailbox.Header, error) {
	var headers []mailbox.Header
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(folder); err != nil {
			return err
		}
		set := make([]imap.UID, len(uids))
		for i, u := range uids {
			set[i] = imap.UID(u)
		}
		var err error
		headers, err = c.fetchHeadersLocked(conn, set)
		return err
	})
	return headers, err
}

// FetchFlags returns the flags of every message in folder, keyed by UID.
func (c *Client) FetchFlags(ctx context.Context, folder string) (map[uint32][]string, error) {
	flags := make(map[uint32][]string)
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := conn.Select(folder, nil).Wait(); err != nil {
			c.selected = ""
			return fmt.Errorf("SELECT %q: %w", folder, err)
		}
		c.selected = folder

		var all imap.UIDSet
		all.AddRange(1, 0)
		msgs, err := conn.Fetch(all, &imap.FetchOptions{UID: true, Flags: true}).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH 1:* FLAGS in %q: %w", folder, err)
		}
		for _, m := range msgs {
			flags[uint32(m.UID)] = flagStrings(m.Flags)
		}
		return nil
	})
	return flags, err
}

var referencesSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"References"},
	Peek:         true,
}

// fetchHeadersLocked fetches envelope, flags and References for uids in the
// selected mailbox. Caller must hold mu.
func (c *Client) fetchHeadersLocked(conn *imapclient.Client, uids []imap.UID) ([]mailbox.Header, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	msgs, err := conn.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{referencesSection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("UID FETCH ENVELOPE: %w", err)
	}

	headers := make([]mailbox.Header, 0, len(msgs))
	for _, m := range msgs {
		var raw []byte
		if len(m.BodySection) > 0 {
			raw = m.BodySection[0].Bytes
		}
		h := headerFromEnvelope(uint32(m.UID), m.Envelope, raw)
		h.Tags = flagStrings(m.Flags)
		if h.MessageID == "" {
			c.logger.Debug("message without Message-ID", "uid", m.UID)
			continue
		}
		headers = append(headers, h)
	}
	slices.SortFunc(headers, func(a, b mailbox.Header) int { return int(int64(a.UID) - int64(b.UID)) })
	return headers, nil
}

// Close logs out and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selected = ""
	return conn.Logout().Wait()
}

func headerFromEnvelope(uid uint32, env *imap.Envelope, rawRefs []byte) mailbox.Header {
	h := mailbox.Header{UID: uid, References: parseReferences(rawRefs)}
	if env == nil {
		return h
	}
	h.MessageID = identity.NormalizeMessageID(env.MessageID)
	h.Subject = env.Subject
	h.Date = env.Date
	for _, id := range env.InReplyTo {
		if n := identity.NormalizeMessageID(id); n != "" {
			h.InReplyTo = append(h.InReplyTo, n)
		}
	}
	for _, a := range env.From {
		if addr := a.Addr(); addr != "" {
			h.From = append(h.From, strings.ToLower(addr))
		}
	}
	return h
}

// parseReferences extracts the References ids from a raw header block.
func parseReferences(raw []byte) []string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil
	}
	h := mail.Header{Header: message.Header{Header: th}}
	ids, err := h.MsgIDList("References")
	if err != nil {
		return nil
	}
	return ids
}

func searchUIDs(data *imap.SearchData) []imap.UID {
	if data == nil {
		return nil
	}
	set, ok := data.All.(imap.UIDSet)
	if !ok {
		return nil
	}
	uids, _ := set.Nums()
	return uids
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

// storeFlags converts tags to flags, dropping ones a client cannot set.
func storeFlags(tags []string) []imap.Flag {
	out := make([]imap.Flag, 0, len(tags))
	for _, t := range tags {
		if t == "" || strings.EqualFold(t, `\Recent`) {
			continue
		}
		out = append(out, imap.Flag(t))
	}
	return out
}

var specialUseRoles = map[imap.MailboxAttr]mailbox.Role{
	imap.MailboxAttrArchive: mailbox.RoleArchive,
	imap.MailboxAttrAll:     mailbox.RoleAll,
	imap.MailboxAttrSent:    mailbox.RoleSent,
	imap.MailboxAttrDrafts:  mailbox.RoleDrafts,
	imap.MailboxAttrTrash:   mailbox.RoleTrash,
	imap.MailboxAttrJunk:    mailbox.RoleJunk,
	imap.MailboxAttrFlagged: mailbox.RoleFlagged,
}

var wellKnownFolders = map[string]mailbox.Role{
	"archive":           mailbox.RoleArchive,
	"archives":          mailbox.RoleArchive,
	"[gmail]/all mail":  mailbox.RoleAll,
	"sent":              mailbox.RoleSent,
	"sent items":        mailbox.RoleSent,
	"sent messages":     mailbox.RoleSent,
	"[gmail]/sent mail": mailbox.RoleSent,
	"drafts":            mailbox.RoleDrafts,
	"trash":             mailbox.RoleTrash,
	"deleted items":     mailbox.RoleTrash,
	"[gmail]/trash":     mailbox.RoleTrash,
	"junk":              mailbox.RoleJunk,
	"spam":              mailbox.RoleJunk,
	"[gmail]/spam":      mailbox.RoleJunk,
	"[gmail]/starred":   mailbox.RoleFlagged,
}

// folderRole maps SPECIAL-USE attributes to a role, falling back to common
// folder names for servers that do not advertise them.
func folderRole(name string, attrs []imap.MailboxAttr) mailbox.Role {
	if strings.EqualFold(name, "INBOX") {
		return mailbox.RoleInbox
	}
	for _, a := range attrs {
		if r, ok := specialUseRoles[a]; ok {
			return r
		}
	}
	return wellKnownFolders[strings.ToLower(name)]
}

var (
	_ mailbox.Store        = (*Client)(nil)
	_ mailbox.HeaderLister = (*Client)(nil)
)
