package engine

import (
	"context"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/store"
)

// Watch subscribes the engine to src. Changes are handled synchronously on
// the notifying goroutine with ctx. The returned function unsubscribes.
func (e *Engine) Watch(ctx context.Context, src mailbox.ChangeSource) (unsubscribe func()) {
	return src.Subscribe(func(c mailbox.Change) {
		e.HandleChange(ctx, c)
	})
}

// HandleChange reacts to one change notification for a primary-mailbox copy.
func (e *Engine) HandleChange(ctx context.Context, c mailbox.Change) {
	acct, ok := e.account(c.AccountID)
	if !ok || c.Ref.Mailbox != acct.PrimaryMailbox {
		return
	}

	switch c.Kind {
	case mailbox.Removed:
		e.handleRemoved(ctx, acct, c)
		return
	case mailbox.Added:
		if c.Header != nil {
			msg := store.MessageFromHeader(*c.Header, acct.Addresses)
			if err := e.store.UpsertMessages(ctx, acct.ID, acct.PrimaryMailbox, []store.IndexedMessage{msg}); err != nil {
				e.logger.Warn("failed to index new message", "ref", c.Ref.String(), "error", err)
			}
			if c.MessageID == "" {
				c.MessageID = msg.MessageID
			}
		}
	}

	if c.MessageID == "" {
		e.logger.Debug("change without message id", "ref", c.Ref.String())
		return
	}
	if e.suppress.Active(c.Ref.String()) {
		e.logger.Debug("ignoring self-initiated change", "ref", c.Ref.String())
		return
	}

	id := identity.New(acct.ID, acct.PrimaryMailbox, c.MessageID)
	self, err := e.store.IsSelfSent(ctx, id)
	if err != nil {
		e.logger.Warn("self-sent lookup failed", "message_id", id.MessageID, "error", err)
	}
	if !self {
		e.importObserved(ctx, id, c.Tags)
	}
	e.recompute(ctx, acct, id, "tag change", e.grouping(ctx))
}

// importObserved caches the action seen on a copy unless one is cached
// already.
func (e *Engine) importObserved(ctx context.Context, id identity.MessageIdentity, tags []string) {
	observed := e.tags.ActionOf(tags)
	if !observed.IsPresent() {
		return
	}
	cached, err := e.store.GetActions(ctx, []identity.MessageIdentity{id})
	if err != nil {
		e.logger.Warn("cache read failed", "message_id", id.MessageID, "error", err)
		return
	}
	if c, ok := cached[id]; ok && c.Action.IsPresent() {
		return
	}
	err = e.store.SetActions(ctx, map[identity.MessageIdentity]action.Action{id: observed},
		store.Meta{Source: store.SourceObserved, At: e.now()})
	if err != nil {
		e.logger.Warn("failed to import observed action", "message_id", id.MessageID, "error", err)
		return
	}
	e.logger.Debug("imported observed action", "message_id", id.MessageID, "action", observed.String())
}

func (e *Engine) handleRemoved(ctx context.Context, acct *Account, c mailbox.Change) {
	// The conversation must be resolved while the copy is still indexed.
	msgID := identity.NormalizeMessageID(c.MessageID)
	if msgID == "" {
		var err error
		msgID, err = e.store.MessageIDByUID(ctx, acct.ID, acct.PrimaryMailbox, c.Ref.UID)
		if err != nil {
			e.logger.Warn("indexed message lookup failed", "ref", c.Ref.String(), "error", err)
		}
	}
	var conv store.Conversation
	if msgID != "" {
		var err error
		conv, err = e.store.ResolveConversation(ctx, identity.New(acct.ID, acct.PrimaryMailbox, msgID), e.opts.MaxThreadMembers)
		if err != nil {
			e.logger.Warn("conversation lookup failed", "ref", c.Ref.String(), "error", err)
		}
	}

	removedID, err := e.store.RemoveMessage(ctx, acct.ID, acct.PrimaryMailbox, c.Ref.UID)
	if err != nil {
		e.logger.Warn("failed to unindex message", "ref", c.Ref.String(), "error", err)
	}
	if removedID != "" {
		msgID = removedID
	}
	if msgID == "" {
		return
	}
	id := identity.New(acct.ID, acct.PrimaryMailbox, msgID)

	still, err := e.store.HasMessage(ctx, id)
	if err != nil {
		e.logger.Warn("message lookup failed", "message_id", msgID, "error", err)
		return
	}
	if still {
		e.recompute(ctx, acct, id, "copy removed", e.grouping(ctx))
		return
	}

	if err := e.store.RemoveActions(ctx, []identity.MessageIdentity{id}); err != nil {
		e.logger.Warn("failed to clear cached action", "message_id", msgID, "error", err)
	}
	if !conv.OK {
		return
	}
	for _, m := range conv.Members {
		if m != id && m.Mailbox == acct.PrimaryMailbox {
			e.recompute(ctx, acct, m, "member removed", e.grouping(ctx))
			return
		}
	}
	if err := e.aggregator.Forget(ctx, acct.ID, acct.PrimaryMailbox, conv.ConversationID); err != nil {
		e.logger.Warn("failed to drop aggregate", "conversation_id", conv.ConversationID, "error", err)
	}
}
