// Package identity addresses messages by a key that survives moves between
// folders. IMAP UIDs are reassigned on every move, so cached state is keyed by
// the account, the primary mailbox and the RFC 5322 Message-ID instead.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MessageIdentity is the stable key for a message.
type MessageIdentity struct {
	AccountID string `json:"account_id"`
	Mailbox   string `json:"mailbox"`
	MessageID string `json:"message_id"`
}

// New builds an identity, normalizing the Message-ID.
func New(accountID, mailbox, messageID string) MessageIdentity {
	return MessageIdentity{
		AccountID: accountID,
		Mailbox:   mailbox,
		MessageID: NormalizeMessageID(messageID),
	}
}

// NormalizeMessageID trims whitespace and surrounding angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// Valid reports whether every component is set.
func (m MessageIdentity) Valid() bool {
	return m.AccountID != "" && m.Mailbox != "" && m.MessageID != ""
}

func (m MessageIdentity) String() string {
	return m.AccountID + ":" + m.Mailbox + ":<" + m.MessageID + ">"
}

// ThreadKey derives the key under which a conversation's aggregate is stored
// and serialized. It is stable for a given account, mailbox and conversation.
func ThreadKey(accountID, mailbox, conversationID string) string {
	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(mailbox))
	h.Write([]byte{0})
	h.Write([]byte(conversationID))
	return "t_" + hex.EncodeToString(h.Sum(nil))[:24]
}
