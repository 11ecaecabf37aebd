// Package mailbox defines the port through which the engine reads and writes
// tags on physical message copies and learns about tag changes.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a copy no longer exists at its location.
var ErrNotFound = errors.New("message copy not found")

// CopyRef locates one physical copy of a message.
type CopyRef struct {
	Mailbox string `json:"mailbox"`
	UID     uint32 `json:"uid"`
}

// String returns the composite "mailbox|uid" form.
func (r CopyRef) String() string {
	return r.Mailbox + "|" + strconv.FormatUint(uint64(r.UID), 10)
}

// ParseCopyRef parses the composite "mailbox|uid" form.
func ParseCopyRef(s string) (CopyRef, error) {
	idx := strings.LastIndexByte(s, '|')
	if idx < 0 {
		return CopyRef{}, fmt.Errorf("invalid copy ref %q (expected mailbox|uid)", s)
	}
	n, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return CopyRef{}, fmt.Errorf("invalid UID in copy ref %q: %w", s, err)
	}
	return CopyRef{Mailbox: s[:idx], UID: uint32(n)}, nil
}

// Role is the special-use purpose of a folder.
type Role string

const (
	RoleNone    Role = ""
	RoleInbox   Role = "inbox"
	RoleArchive Role = "archive"
	RoleAll     Role = "all"
	RoleSent    Role = "sent"
	RoleDrafts  Role = "drafts"
	RoleTrash   Role = "trash"
	RoleJunk    Role = "junk"
	RoleFlagged Role = "flagged"
)

// Folder is a mailbox on the server.
type Folder struct {
	Path string `json:"path"`
	Role Role   `json:"role"`
}

// Header is the subset of a message's headers needed to group conversations.
type Header struct {
	UID        uint32    `json:"uid"`
	MessageID  string    `json:"message_id"`
	InReplyTo  []string  `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	From       []string  `json:"from,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Date       time.Time `json:"date"`
	Tags       []string  `json:"tags,omitempty"`
}

// ChangeKind classifies a change notification.
type ChangeKind int

const (
	Changed ChangeKind = iota
	Added
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "changed"
	}
}

// Change reports that a copy appeared, disappeared, or had its tags changed.
type Change struct {
	Kind      ChangeKind
	AccountID string
	Ref       CopyRef
	MessageID string
	// Header is set for Added changes.
	Header *Header
	// Tags is the observed tag set after the change.
	Tags []string
}

// Store reads and writes tags on physical copies.
type Store interface {
	ReadTags(ctx context.Context, ref CopyRef) ([]string, error)
	WriteTags(ctx context.Context, ref CopyRef, tags []string) error
	ListCopies(ctx context.Context, folder, messageID string) ([]CopyRef, error)
	ListFolders(ctx context.Context) ([]Folder, error)
}

// HeaderLister enumerates messages in a folder for conversation indexing.
type HeaderLister interface {
	ListHeaders(ctx context.Context, folder string, limit int) ([]Header, error)
}

// ChangeSource delivers change notifications to subscribers. The returned
// function removes the subscription.
type ChangeSource interface {
	Subscribe(fn func(Change)) (unsubscribe func())
}
