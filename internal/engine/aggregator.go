package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/store"
)

// Reasons reported in a Result that is not OK or was not written.
const (
	ReasonNoConversation = "no conversation"
	ReasonResolveFailed  = "conversation lookup failed"
	ReasonLockCancelled  = "cancelled waiting for thread"
	ReasonCacheFailed    = "cache read failed"
	ReasonStoreFailed    = "aggregate store failed"
	ReasonUnknownAccount = "unknown account"
	ReasonNoMembers      = "no members in primary mailbox"
	ReasonUnchanged      = "unchanged"
	ReasonLessComplete   = "stored aggregate is more complete"
)

// Result describes one aggregation of a conversation.
type Result struct {
	OK             bool                       `json:"ok"`
	Reason         string                     `json:"reason,omitempty"`
	ThreadKey      string                     `json:"thread_key,omitempty"`
	ConversationID string                     `json:"conversation_id,omitempty"`
	Members        []identity.MessageIdentity `json:"members"`
	Actions        map[string]action.Action   `json:"actions"`
	ReadyCount     int                        `json:"ready_count"`
	AllReady       bool                       `json:"all_ready"`
	Effective      action.Action              `json:"effective,omitempty"`
	Written        bool                       `json:"written"`
	Applied        bool                       `json:"applied"`
}

type aggregatorStore interface {
	Cache
	AggregateStore
	ConversationResolver
}

// Aggregator computes and stores per-thread aggregates. All work for one
// thread key happens while holding that key in the Locker.
type Aggregator struct {
	store      aggregatorStore
	locks      Locker
	priority   action.Priority
	maxMembers int
	logger     *slog.Logger
	now        func() time.Time
}

// NewAggregator creates an Aggregator.
func NewAggregator(st aggregatorStore, locks Locker, priority action.Priority, maxMembers int, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:      st,
		locks:      locks,
		priority:   priority,
		maxMembers: maxMembers,
		logger:     logger,
		now:        time.Now,
	}
}

// ComputeAndStore aggregates the conversation containing seed. A conversation
// that cannot be resolved yields a Result with OK false and no error; errors
// are returned only for storage failures.
func (a *Aggregator) ComputeAndStore(ctx context.Context, seed identity.MessageIdentity) (Result, error) {
	conv, err := a.store.ResolveConversation(ctx, seed, a.maxMembers)
	if err != nil {
		return Result{Reason: ReasonResolveFailed}, err
	}
	if !conv.OK || conv.ConversationID == "" {
		return Result{Reason: ReasonNoConversation}, nil
	}

	key := identity.ThreadKey(seed.AccountID, seed.Mailbox, conv.ConversationID)
	if err := a.locks.Acquire(ctx, key); err != nil {
		return Result{ThreadKey: key, ConversationID: conv.ConversationID, Reason: ReasonLockCancelled}, err
	}
	defer a.locks.Release(key)

	// Membership may have changed while waiting for the thread.
	convID := conv.ConversationID
	conv, err = a.store.ResolveConversation(ctx, seed, a.maxMembers)
	if err != nil {
		return Result{ThreadKey: key, Reason: ReasonResolveFailed}, err
	}
	if !conv.OK || conv.ConversationID != convID {
		return Result{ThreadKey: key, ConversationID: convID, Reason: ReasonNoConversation}, nil
	}
	return a.computeLocked(ctx, seed, key, conv)
}

func (a *Aggregator) computeLocked(ctx context.Context, seed identity.MessageIdentity, key string, conv store.Conversation) (Result, error) {
	var members []identity.MessageIdentity
	for _, m := range conv.Members {
		if m.AccountID == seed.AccountID && m.Mailbox == seed.Mailbox {
			members = append(members, m)
		}
	}

	if len(members) == 0 {
		if _, err := a.store.DeleteAggregate(ctx, key); err != nil {
			return Result{ThreadKey: key, Reason: ReasonStoreFailed}, err
		}
		a.logger.Debug("conversation left primary mailbox", "thread_key", key)
		return Result{OK: true, ThreadKey: key, ConversationID: conv.ConversationID, Reason: ReasonNoMembers}, nil
	}

	cached, err := a.store.GetActions(ctx, members)
	if err != nil {
		return Result{ThreadKey: key, Reason: ReasonCacheFailed}, err
	}

	ids := make([]string, len(members))
	acts := make(map[string]action.Action, len(members))
	ordered := make([]action.Action, 0, len(members))
	for i, m := range members {
		ids[i] = m.MessageID
		c, ok := cached[m]
		if !ok || !c.Action.IsPresent() {
			continue
		}
		acts[m.MessageID] = c.Action
		ordered = append(ordered, c.Action)
	}
	ready := len(acts)
	allReady := ready == len(members)

	next := &store.Aggregate{
		ThreadKey:      key,
		AccountID:      seed.AccountID,
		Mailbox:        seed.Mailbox,
		ConversationID: conv.ConversationID,
		Members:        ids,
		Actions:        acts,
		ReadyCount:     ready,
		AllReady:       allReady,
		UpdatedAt:      a.now().UTC(),
	}
	if allReady {
		next.Effective = action.Effective(ordered, a.priority)
	}

	prev, err := a.store.GetAggregate(ctx, key)
	if err != nil {
		return Result{ThreadKey: key, Reason: ReasonStoreFailed}, err
	}
	if prev != nil && sameMembers(prev.Members, ids) {
		if ready < prev.ReadyCount {
			a.logger.Debug("keeping more complete aggregate",
				"thread_key", key, "stored_ready", prev.ReadyCount, "computed_ready", ready)
			res := resultFrom(prev)
			res.Reason = ReasonLessComplete
			return res, nil
		}
		if maps.Equal(prev.Actions, acts) {
			res := resultFrom(prev)
			res.Reason = ReasonUnchanged
			return res, nil
		}
	}

	if err := a.store.PutAggregate(ctx, next); err != nil {
		return Result{ThreadKey: key, Reason: ReasonStoreFailed}, err
	}
	a.logger.Debug("stored aggregate",
		"thread_key", key, "members", len(ids), "ready", ready, "effective", next.Effective)
	res := resultFrom(next)
	res.Written = true
	return res, nil
}

// Forget deletes the aggregate for a conversation.
func (a *Aggregator) Forget(ctx context.Context, accountID, mailbox, conversationID string) error {
	key := identity.ThreadKey(accountID, mailbox, conversationID)
	if err := a.locks.Acquire(ctx, key); err != nil {
		return err
	}
	defer a.locks.Release(key)
	if _, err := a.store.DeleteAggregate(ctx, key); err != nil {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func resultFrom(agg *store.Aggregate) Result {
	members := make([]identity.MessageIdentity, len(agg.Members))
	for i, id := range agg.Members {
		members[i] = identity.MessageIdentity{AccountID: agg.AccountID, Mailbox: agg.Mailbox, MessageID: id}
	}
	acts := make(map[string]action.Action, len(agg.Actions))
	maps.Copy(acts, agg.Actions)
	return Result{
		OK:             true,
		ThreadKey:      agg.ThreadKey,
		ConversationID: agg.ConversationID,
		Members:        members,
		Actions:        acts,
		ReadyCount:     agg.ReadyCount,
		AllReady:       agg.AllReady,
		Effective:      agg.Effective,
	}
}
