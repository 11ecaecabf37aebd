// Package mirror propagates applied actions to secondary representations of
// a message: copies in other folders of the same account, and labels on a
// provider's REST API. Mirrors are best-effort; callers only log errors.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
)

// Registrar records writes that change watchers should ignore.
type Registrar interface {
	Register(physicalID string, d time.Duration)
}

// DefaultRoles are the folder roles whose copies are kept in step.
var DefaultRoles = []mailbox.Role{mailbox.RoleArchive, mailbox.RoleAll, mailbox.RoleFlagged}

// CrossFolderOptions bound a CrossFolder mirror.
type CrossFolderOptions struct {
	Roles       []mailbox.Role
	MaxFolders  int
	MaxMatches  int
	SuppressFor time.Duration
}

func (o CrossFolderOptions) withDefaults() CrossFolderOptions {
	if len(o.Roles) == 0 {
		o.Roles = DefaultRoles
	}
	if o.MaxFolders <= 0 {
		o.MaxFolders = 5
	}
	if o.MaxMatches <= 0 {
		o.MaxMatches = 10
	}
	if o.SuppressFor <= 0 {
		o.SuppressFor = 10 * time.Second
	}
	return o
}

// CrossFolder tags copies of a message that live outside the primary mailbox.
type CrossFolder struct {
	store    mailbox.Store
	primary  string
	tags     *action.TagMap
	suppress Registrar
	opts     CrossFolderOptions
	logger   *slog.Logger
}

// NewCrossFolder creates a cross-folder mirror over st. suppress may be nil.
func NewCrossFolder(st mailbox.Store, primary string, tags *action.TagMap, suppress Registrar, opts CrossFolderOptions, logger *slog.Logger) *CrossFolder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrossFolder{
		store:    st,
		primary:  primary,
		tags:     tags,
		suppress: suppress,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// Name implements the engine's Mirror interface.
func (c *CrossFolder) Name() string { return "folders" }

// Sync applies target to the allow-listed copies of id. Nothing is written
// once the message has left the primary mailbox.
func (c *CrossFolder) Sync(ctx context.Context, id identity.MessageIdentity, target action.Action) error {
	primary, err := c.store.ListCopies(ctx, c.primary, id.MessageID)
	if err != nil {
		return fmt.Errorf("check primary copy of %s: %w", id.MessageID, err)
	}
	if len(primary) == 0 {
		c.logger.Debug("skipping folder mirror, message left primary mailbox", "message_id", id.MessageID)
		return nil
	}

	folders, err := c.folders(ctx)
	if err != nil {
		return err
	}

	var refs []mailbox.CopyRef
	for _, f := range folders {
		found, err := c.store.ListCopies(ctx, f.Path, id.MessageID)
		if err != nil {
			c.logger.Warn("folder search failed", "folder", f.Path, "message_id", id.MessageID, "error", err)
			continue
		}
		refs = append(refs, found...)
		if len(refs) >= c.opts.MaxMatches {
			refs = refs[:c.opts.MaxMatches]
			break
		}
	}

	var errs []error
	for _, ref := range refs {
		if err := c.tagCopy(ctx, ref, target); err != nil {
			c.logger.Warn("folder mirror write failed", "ref", ref.String(), "target", target.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *CrossFolder) folders(ctx context.Context) ([]mailbox.Folder, error) {
	all, err := c.store.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	var out []mailbox.Folder
	for _, f := range all {
		if f.Path == c.primary || !slices.Contains(c.opts.Roles, f.Role) {
			continue
		}
		out = append(out, f)
		if len(out) == c.opts.MaxFolders {
			break
		}
	}
	return out, nil
}

func (c *CrossFolder) tagCopy(ctx context.Context, ref mailbox.CopyRef, target action.Action) error {
	if c.suppress != nil {
		c.suppress.Register(ref.String(), c.opts.SuppressFor)
	}
	current, err := c.store.ReadTags(ctx, ref)
	if err != nil {
		return fmt.Errorf("read %s: %w", ref, err)
	}
	next := c.tags.Replace(current, target)
	if slices.Equal(current, next) {
		return nil
	}
	if err := c.store.WriteTags(ctx, ref, next); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	return nil
}
