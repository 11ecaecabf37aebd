// Package sync keeps the conversation index in step with each account's
// primary mailbox.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/store"
)

// Index is the part of the store the indexer writes.
type Index interface {
	ReplaceMailbox(ctx context.Context, account, mbox string, msgs []store.IndexedMessage, floor uint32) ([]string, error)
	RemoveActions(ctx context.Context, ids []identity.MessageIdentity) error
}

// Account describes the mailbox to index.
type Account struct {
	ID             string
	PrimaryMailbox string
	Addresses      []string
}

// Summary reports one indexing run.
type Summary struct {
	Account  string
	Mailbox  string
	Listed   int
	Indexed  int
	Skipped  int
	Removed  int
	Duration time.Duration
}

// Indexer rebuilds an account's conversation index from its mailbox.
type Indexer struct {
	store       Index
	maxMessages int
	logger      *slog.Logger
}

// New creates an indexer that reads at most maxMessages headers per run
// (0 for no limit).
func New(st Index, maxMessages int) *Indexer {
	return &Indexer{store: st, maxMessages: maxMessages, logger: slog.Default()}
}

// WithLogger sets the logger.
func (ix *Indexer) WithLogger(logger *slog.Logger) *Indexer {
	ix.logger = logger
	return ix
}

// pruneFloor is the lowest UID a listing speaks for. A listing cut off at
// maxMessages says nothing about older messages.
func (ix *Indexer) pruneFloor(headers []mailbox.Header) uint32 {
	if ix.maxMessages <= 0 || len(headers) < ix.maxMessages {
		return 0
	}
	floor := headers[0].UID
	for _, h := range headers[1:] {
		floor = min(floor, h.UID)
	}
	return floor
}

// Index lists the account's primary mailbox and replaces its index rows.
// Cached actions of messages that left the mailbox are dropped.
func (ix *Indexer) Index(ctx context.Context, src mailbox.HeaderLister, acct Account) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Account: acct.ID, Mailbox: acct.PrimaryMailbox}

	headers, err := src.ListHeaders(ctx, acct.PrimaryMailbox, ix.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("list headers of %s/%s: %w", acct.ID, acct.PrimaryMailbox, err)
	}
	summary.Listed = len(headers)

	msgs := make([]store.IndexedMessage, 0, len(headers))
	seenUID := make(map[uint32]bool, len(headers))
	for _, h := range headers {
		m := store.MessageFromHeader(h, acct.Addresses)
		if m.MessageID == "" || seenUID[m.UID] {
			summary.Skipped++
			continue
		}
		seenUID[m.UID] = true
		m.Subject = ensureUTF8(m.Subject)
		msgs = append(msgs, m)
	}

	removed, err := ix.store.ReplaceMailbox(ctx, acct.ID, acct.PrimaryMailbox, msgs, ix.pruneFloor(headers))
	if err != nil {
		return nil, err
	}
	summary.Indexed = len(msgs)
	summary.Removed = len(removed)

	if len(removed) > 0 {
		ids := make([]identity.MessageIdentity, len(removed))
		for i, msgID := range removed {
			ids[i] = identity.New(acct.ID, acct.PrimaryMailbox, msgID)
		}
		if err := ix.store.RemoveActions(ctx, ids); err != nil {
			ix.logger.Warn("failed to drop cached actions of removed messages",
				"account", acct.ID, "count", len(ids), "error", err)
		}
	}

	summary.Duration = time.Since(start)
	ix.logger.Info("indexed mailbox",
		"account", acct.ID, "mailbox", acct.PrimaryMailbox,
		"indexed", summary.Indexed, "skipped", summary.Skipped,
		"removed", summary.Removed, "duration", summary.Duration)
	return summary, nil
}
