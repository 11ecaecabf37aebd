package engine

import (
	"context"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/background"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/store"
)

// Cache is the classification cache.
type Cache interface {
	GetActions(ctx context.Context, ids []identity.MessageIdentity) (map[identity.MessageIdentity]store.CachedAction, error)
	SetActions(ctx context.Context, actions map[identity.MessageIdentity]action.Action, meta store.Meta) error
	RemoveActions(ctx context.Context, ids []identity.MessageIdentity) error
}

// AggregateStore persists per-thread aggregates.
type AggregateStore interface {
	GetAggregate(ctx context.Context, threadKey string) (*store.Aggregate, error)
	PutAggregate(ctx context.Context, a *store.Aggregate) error
	DeleteAggregate(ctx context.Context, threadKey string) (bool, error)
}

// ConversationResolver finds the members of a message's conversation.
type ConversationResolver interface {
	ResolveConversation(ctx context.Context, id identity.MessageIdentity, maxMembers int) (store.Conversation, error)
}

// Index maintains the conversation index as messages come and go.
type Index interface {
	UpsertMessages(ctx context.Context, account, mailbox string, msgs []store.IndexedMessage) error
	MessageIDByUID(ctx context.Context, account, mailbox string, uid uint32) (string, error)
	RemoveMessage(ctx context.Context, account, mailbox string, uid uint32) (string, error)
	ListSeeds(ctx context.Context, account, mailbox string, maxMessages int) ([]store.Seed, error)
	IsSelfSent(ctx context.Context, id identity.MessageIdentity) (bool, error)
	HasMessage(ctx context.Context, id identity.MessageIdentity) (bool, error)
}

// Settings holds the persisted grouping toggle.
type Settings interface {
	GroupingEnabled(ctx context.Context) (bool, error)
	SetGroupingEnabled(ctx context.Context, enabled bool) error
}

// Store is everything the engine persists. *store.Store satisfies it.
type Store interface {
	Cache
	AggregateStore
	ConversationResolver
	Index
	Settings
}

// Locker serializes aggregate computation per thread key.
type Locker interface {
	Acquire(ctx context.Context, key string) error
	Release(key string)
}

// Suppressor records engine-initiated writes.
type Suppressor interface {
	Register(physicalID string, d time.Duration)
	Active(physicalID string) bool
}

// Submitter accepts best-effort work.
type Submitter interface {
	Submit(name string, fn background.Task) bool
}

// Mirror propagates an applied action to a secondary representation of a
// message. Sync runs off the critical path and its errors are only logged.
type Mirror interface {
	Name() string
	Sync(ctx context.Context, id identity.MessageIdentity, target action.Action) error
}
