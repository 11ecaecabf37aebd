package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
)

// IndexedMessage is one primary-mailbox message in the conversation index.
type IndexedMessage struct {
	UID        uint32
	MessageID  string
	InReplyTo  []string
	References []string
	SelfSent   bool
	Subject    string
	SentAt     time.Time
}

// MessageFromHeader converts a fetched header into an index row. A message is
// self-sent when any From address is one of addresses.
func MessageFromHeader(h mailbox.Header, addresses []string) IndexedMessage {
	return IndexedMessage{
		UID:        h.UID,
		MessageID:  identity.NormalizeMessageID(h.MessageID),
		InReplyTo:  normalizeIDs(h.InReplyTo),
		References: normalizeIDs(h.References),
		SelfSent:   fromAny(h.From, addresses),
		Subject:    h.Subject,
		SentAt:     h.Date,
	}
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := identity.NormalizeMessageID(id); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func fromAny(from, addresses []string) bool {
	for _, f := range from {
		for _, a := range addresses {
			if strings.EqualFold(strings.TrimSpace(f), strings.TrimSpace(a)) {
				return true
			}
		}
	}
	return false
}

// rootID picks the id that names a message's conversation before lookup.
func (m IndexedMessage) rootID() string {
	if len(m.References) > 0 {
		return m.References[0]
	}
	if len(m.InReplyTo) > 0 {
		return m.InReplyTo[0]
	}
	return m.MessageID
}

// conversationFor resolves the conversation id for m. If the root message is
// already indexed its conversation is reused, so a reply joins whatever
// conversation its root belongs to.
func conversationFor(ctx context.Context, tx *sql.Tx, account string, m IndexedMessage) (string, error) {
	root := m.rootID()
	var conv string
	err := tx.QueryRowContext(ctx,
		`SELECT conversation_id FROM messages WHERE account_id = ? AND message_id = ? LIMIT 1`,
		account, root).Scan(&conv)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return root, nil
	case err != nil:
		return "", err
	}
	return conv, nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, account, mbox string, m IndexedMessage, now int64) error {
	if m.MessageID == "" {
		return nil
	}
	conv, err := conversationFor(ctx, tx, account, m)
	if err != nil {
		return fmt.Errorf("resolve conversation for %s: %w", m.MessageID, err)
	}
	selfSent := 0
	if m.SelfSent {
		selfSent = 1
	}
	var sentAt int64
	if !m.SentAt.IsZero() {
		sentAt = m.SentAt.Unix()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (account_id, mailbox, uid, message_id, conversation_id, self_sent, subject, sent_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, mailbox, uid) DO UPDATE SET
			message_id = excluded.message_id,
			conversation_id = excluded.conversation_id,
			self_sent = excluded.self_sent,
			subject = excluded.subject,
			sent_at = excluded.sent_at,
			indexed_at = excluded.indexed_at`,
		account, mbox, m.UID, m.MessageID, conv, selfSent, m.Subject, sentAt, now)
	if err != nil {
		return fmt.Errorf("index message %s: %w", m.MessageID, err)
	}
	return nil
}

// UpsertMessages adds or refreshes messages in the index.
func (s *Store) UpsertMessages(ctx context.Context, account, mbox string, msgs []IndexedMessage) error {
	now := time.Now().Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range sortedForIndexing(msgs) {
			if err := upsertMessage(ctx, tx, account, mbox, m, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// sortedForIndexing orders messages so roots are indexed before replies.
func sortedForIndexing(msgs []IndexedMessage) []IndexedMessage {
	out := make([]IndexedMessage, 0, len(msgs))
	var replies []IndexedMessage
	for _, m := range msgs {
		if len(m.References) == 0 && len(m.InReplyTo) == 0 {
			out = append(out, m)
		} else {
			replies = append(replies, m)
		}
	}
	return append(out, replies...)
}

// MessageIDByUID returns the Message-ID indexed for one copy, or "" if the
// copy is not indexed.
func (s *Store) MessageIDByUID(ctx context.Context, account, mbox string, uid uint32) (string, error) {
	var msgID string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM messages WHERE account_id = ? AND mailbox = ? AND uid = ?`,
		account, mbox, uid).Scan(&msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up indexed message %s|%d: %w", mbox, uid, err)
	}
	return msgID, nil
}

// RemoveMessage drops one copy from the index and returns its Message-ID, or
// "" if the copy was not indexed.
func (s *Store) RemoveMessage(ctx context.Context, account, mbox string, uid uint32) (string, error) {
	var msgID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT message_id FROM messages WHERE account_id = ? AND mailbox = ? AND uid = ?`,
			account, mbox, uid).Scan(&msgID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM messages WHERE account_id = ? AND mailbox = ? AND uid = ?`, account, mbox, uid)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("remove indexed message %s|%d: %w", mbox, uid, err)
	}
	return msgID, nil
}

// ReplaceMailbox makes the index for account/mbox match msgs. Rows with a
// UID below floor are left alone, so a listing capped to the newest messages
// does not unindex older ones; floor 0 prunes every row not in msgs. It
// returns the Message-IDs that no longer have any copy in the mailbox.
func (s *Store) ReplaceMailbox(ctx context.Context, account, mbox string, msgs []IndexedMessage, floor uint32) ([]string, error) {
	keep := make(map[uint32]bool, len(msgs))
	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		keep[m.UID] = true
		present[m.MessageID] = true
	}

	var removed []string
	now := time.Now().Unix()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT uid, message_id FROM messages WHERE account_id = ? AND mailbox = ? ORDER BY uid`, account, mbox)
		if err != nil {
			return err
		}
		var (
			stale    []uint32
			staleIDs []string
		)
		for rows.Next() {
			var (
				uid   uint32
				msgID string
			)
			if err := rows.Scan(&uid, &msgID); err != nil {
				rows.Close()
				return err
			}
			switch {
			case uid < floor:
				present[msgID] = true
			case !keep[uid]:
				stale = append(stale, uid)
				staleIDs = append(staleIDs, msgID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		seen := make(map[string]bool)
		for _, msgID := range staleIDs {
			if !present[msgID] && !seen[msgID] {
				seen[msgID] = true
				removed = append(removed, msgID)
			}
		}
		for _, uid := range stale {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE account_id = ? AND mailbox = ? AND uid = ?`, account, mbox, uid); err != nil {
				return err
			}
		}
		for _, m := range sortedForIndexing(msgs) {
			if err := upsertMessage(ctx, tx, account, mbox, m, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replace index for %s/%s: %w", account, mbox, err)
	}
	return removed, nil
}

// Conversation is the result of resolving a message's conversation.
type Conversation struct {
	OK             bool
	ConversationID string
	Members        []identity.MessageIdentity
}

// ResolveConversation returns the conversation containing id, with at most
// maxMembers members ordered oldest first. OK is false when id is not indexed.
func (s *Store) ResolveConversation(ctx context.Context, id identity.MessageIdentity, maxMembers int) (Conversation, error) {
	var conv string
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id FROM messages
		WHERE account_id = ? AND message_id = ?
		ORDER BY (mailbox = ?) DESC
		LIMIT 1`, id.AccountID, id.MessageID, id.Mailbox).Scan(&conv)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, nil
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("resolve conversation for %s: %w", id, err)
	}
	if maxMembers <= 0 {
		maxMembers = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT mailbox, message_id, MIN(sent_at) AS first_seen
		FROM messages
		WHERE account_id = ? AND conversation_id = ?
		GROUP BY mailbox, message_id
		ORDER BY first_seen, message_id
		LIMIT ?`, id.AccountID, conv, maxMembers)
	if err != nil {
		return Conversation{}, fmt.Errorf("list conversation %s: %w", conv, err)
	}
	defer rows.Close()

	c := Conversation{OK: true, ConversationID: conv}
	for rows.Next() {
		var (
			mbox, msgID string
			firstSeen   int64
		)
		if err := rows.Scan(&mbox, &msgID, &firstSeen); err != nil {
			return Conversation{}, err
		}
		c.Members = append(c.Members, identity.MessageIdentity{AccountID: id.AccountID, Mailbox: mbox, MessageID: msgID})
	}
	return c, rows.Err()
}

// Seed is one message to start a conversation pass from.
type Seed struct {
	Identity       identity.MessageIdentity
	ConversationID string
}

// ListSeeds returns up to maxMessages indexed messages of a mailbox, newest
// first.
func (s *Store) ListSeeds(ctx context.Context, account, mbox string, maxMessages int) ([]Seed, error) {
	if maxMessages <= 0 {
		maxMessages = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id FROM messages
		WHERE account_id = ? AND mailbox = ?
		ORDER BY sent_at DESC, uid DESC
		LIMIT ?`, account, mbox, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	defer rows.Close()

	var seeds []Seed
	for rows.Next() {
		var msgID, conv string
		if err := rows.Scan(&msgID, &conv); err != nil {
			return nil, err
		}
		seeds = append(seeds, Seed{
			Identity:       identity.MessageIdentity{AccountID: account, Mailbox: mbox, MessageID: msgID},
			ConversationID: conv,
		})
	}
	return seeds, rows.Err()
}

// IsSelfSent reports whether any indexed copy of id was sent by the account.
func (s *Store) IsSelfSent(ctx context.Context, id identity.MessageIdentity) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE account_id = ? AND mailbox = ? AND message_id = ? AND self_sent = 1`,
		id.AccountID, id.Mailbox, id.MessageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("self-sent lookup %s: %w", id, err)
	}
	return n > 0, nil
}

// HasMessage reports whether id has any indexed copy in its mailbox.
func (s *Store) HasMessage(ctx context.Context, id identity.MessageIdentity) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = ? AND mailbox = ? AND message_id = ?`,
		id.AccountID, id.Mailbox, id.MessageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("message lookup %s: %w", id, err)
	}
	return n > 0, nil
}
