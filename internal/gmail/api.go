// Package gmail is a small Gmail REST client for mirroring action labels,
// with rate limiting and retry logic.
package gmail

import "context"

// Label list visibility values.
const (
	LabelShow         = "labelShow"
	LabelShowIfUnread = "labelShowIfUnread"
	LabelHide         = "labelHide"
)

// Message list visibility values.
const (
	MessageShow = "show"
	MessageHide = "hide"
)

// LabelReader provides read access to account labels.
type LabelReader interface {
	// ListLabels returns all labels for the account.
	ListLabels(ctx context.Context) ([]*Label, error)
}

// LabelWriter creates and updates labels.
type LabelWriter interface {
	// CreateLabel creates a user label.
	CreateLabel(ctx context.Context, l *Label) (*Label, error)

	// PatchLabel updates the non-empty fields of an existing label.
	PatchLabel(ctx context.Context, id string, l *Label) (*Label, error)
}

// MessageLabeler finds messages and changes their labels.
type MessageLabeler interface {
	// ListMessages returns message references matching the query.
	// Use pageToken for pagination.
	ListMessages(ctx context.Context, query string, pageToken string) (*MessageListResponse, error)

	// ModifyMessage adds and removes labels on one message.
	ModifyMessage(ctx context.Context, messageID string, add, remove []string) (*MessageRef, error)
}

// API is the subset of Gmail used by the label mirror.
type API interface {
	LabelReader
	LabelWriter
	MessageLabeler

	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
}

// Label represents a Gmail label.
type Label struct {
	ID                    string
	Name                  string
	Type                  string // "system" or "user"
	MessageListVisibility string
	LabelListVisibility   string
}

// Hidden reports whether the label is hidden from both the label list and
// the message list.
func (l *Label) Hidden() bool {
	return l.LabelListVisibility == LabelHide && l.MessageListVisibility == MessageHide
}

// MessageListResponse contains a page of message references.
type MessageListResponse struct {
	Messages           []MessageRef
	NextPageToken      string
	ResultSizeEstimate int64
}

// MessageRef identifies a message and, when known, its labels.
type MessageRef struct {
	ID       string
	ThreadID string
	LabelIDs []string
}
