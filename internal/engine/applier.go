package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
)

var errNotConfirmed = errors.New("tag write not confirmed")

// ApplyReport summarizes one Apply call.
type ApplyReport struct {
	Target  action.Action `json:"target"`
	Members int           `json:"members"`
	Copies  int           `json:"copies"`
	Applied int           `json:"applied"`
	Failed  int           `json:"failed"`
	Missing int           `json:"missing"`
}

// Applier writes action tags onto primary-mailbox copies. Each copy is
// written then re-read; unconfirmed writes are retried with backoff.
type Applier struct {
	tags        *action.TagMap
	suppress    Suppressor
	background  Submitter
	maxAttempts int
	backoff     time.Duration
	window      time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewApplier creates an Applier.
func NewApplier(tags *action.TagMap, sup Suppressor, bg Submitter, opts Options, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Applier{
		tags:        tags,
		suppress:    sup,
		background:  bg,
		maxAttempts: opts.ApplyMaxAttempts,
		backoff:     opts.ApplyBackoff,
		window:      opts.SuppressionWindow,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Apply tags every primary copy of members with target, or clears action
// tags when target is Absent. Mirrors of members with at least one confirmed
// copy are scheduled afterwards. Writes are issued even when the copy already
// carries the right tag.
func (ap *Applier) Apply(ctx context.Context, acct *Account, members []identity.MessageIdentity, target action.Action) ApplyReport {
	report := ApplyReport{Target: target, Members: len(members)}
	for _, m := range members {
		if ctx.Err() != nil {
			break
		}
		refs, err := acct.Messages.ListCopies(ctx, m.Mailbox, m.MessageID)
		if err != nil {
			ap.logger.Warn("failed to locate message copies", "message_id", m.MessageID, "error", err)
			report.Failed++
			continue
		}
		if len(refs) == 0 {
			ap.logger.Debug("no primary copy to tag", "message_id", m.MessageID)
			report.Missing++
			continue
		}

		confirmed := false
		for _, ref := range refs {
			report.Copies++
			if ap.applyCopy(ctx, acct.Messages, ref, target) {
				report.Applied++
				confirmed = true
			} else {
				report.Failed++
			}
		}
		if confirmed {
			ap.scheduleMirrors(acct, m, target)
		}
	}
	return report
}

func (ap *Applier) applyCopy(ctx context.Context, st mailbox.Store, ref mailbox.CopyRef, target action.Action) bool {
	backoff := ap.backoff
	var lastErr error
	for attempt := 1; attempt <= ap.maxAttempts; attempt++ {
		ap.suppress.Register(ref.String(), ap.window)

		lastErr = ap.writeAndVerify(ctx, st, ref, target)
		if lastErr == nil {
			return true
		}
		if errors.Is(lastErr, mailbox.ErrNotFound) {
			ap.logger.Debug("copy vanished before tagging", "ref", ref.String())
			return false
		}
		if attempt == ap.maxAttempts {
			break
		}
		ap.logger.Debug("retrying tag write", "ref", ref.String(), "attempt", attempt, "backoff", backoff, "error", lastErr)
		if err := ap.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
	}
	ap.logger.Warn("failed to apply action tag",
		"ref", ref.String(), "target", target.String(), "attempts", ap.maxAttempts, "error", lastErr)
	return false
}

func (ap *Applier) writeAndVerify(ctx context.Context, st mailbox.Store, ref mailbox.CopyRef, target action.Action) error {
	current, err := st.ReadTags(ctx, ref)
	if err != nil {
		return fmt.Errorf("read tags: %w", err)
	}
	if err := st.WriteTags(ctx, ref, ap.tags.Replace(current, target)); err != nil {
		return fmt.Errorf("write tags: %w", err)
	}
	after, err := st.ReadTags(ctx, ref)
	if err != nil {
		return fmt.Errorf("verify tags: %w", err)
	}
	if !ap.tags.Matches(after, target) {
		return fmt.Errorf("%w: %s has %v", errNotConfirmed, ref, after)
	}
	return nil
}

func (ap *Applier) scheduleMirrors(acct *Account, id identity.MessageIdentity, target action.Action) {
	if ap.background == nil {
		return
	}
	for _, m := range acct.Mirrors {
		name := "mirror " + m.Name() + " " + id.MessageID
		if !ap.background.Submit(name, func(ctx context.Context) error {
			return m.Sync(ctx, id, target)
		}) {
			ap.logger.Debug("mirror sync not scheduled", "mirror", m.Name(), "message_id", id.MessageID)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
