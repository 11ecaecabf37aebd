// Package engine keeps action tags consistent across a conversation.
//
// Triggers (a stored classification, an observed tag change, a manual
// override, a grouping toggle) funnel into the Aggregator, which computes a
// per-thread aggregate while holding that thread's lock. When grouping mode is
// on and every member is classified, the Applier writes the effective action
// onto every primary copy and schedules the account's mirrors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/store"
	"github.com/wesm/threadtags/internal/suppress"
	"github.com/wesm/threadtags/internal/threadlock"
)

// Account binds one mail account to its message store and mirrors.
type Account struct {
	ID             string
	PrimaryMailbox string
	Addresses      []string
	Messages       mailbox.Store
	Mirrors        []Mirror
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store    Store
	Priority action.Priority
	Tags     *action.TagMap

	// Locks and Suppress default to fresh in-memory registries.
	Locks    Locker
	Suppress Suppressor
	// Background runs mirror syncs. Without it mirrors are not scheduled.
	Background Submitter
	Logger     *slog.Logger
}

// Engine is the entry point for all tag consistency work.
type Engine struct {
	store    Store
	priority action.Priority
	tags     *action.TagMap
	suppress Suppressor
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	aggregator *Aggregator
	applier    *Applier

	mu       sync.RWMutex
	accounts map[string]*Account
}

// New creates an Engine.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Priority == nil {
		return nil, errors.New("engine: priority is required")
	}
	if deps.Tags == nil {
		return nil, errors.New("engine: tag map is required")
	}
	if deps.Locks == nil {
		deps.Locks = threadlock.New()
	}
	if deps.Suppress == nil {
		deps.Suppress = suppress.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	opts = opts.withDefaults()

	return &Engine{
		store:      deps.Store,
		priority:   deps.Priority,
		tags:       deps.Tags,
		suppress:   deps.Suppress,
		logger:     deps.Logger,
		opts:       opts,
		now:        time.Now,
		aggregator: NewAggregator(deps.Store, deps.Locks, deps.Priority, opts.MaxThreadMembers, deps.Logger),
		applier:    NewApplier(deps.Tags, deps.Suppress, deps.Background, opts, deps.Logger),
		accounts:   make(map[string]*Account),
	}, nil
}

// AddAccount registers an account.
func (e *Engine) AddAccount(a Account) error {
	if a.ID == "" || a.PrimaryMailbox == "" {
		return errors.New("engine: account id and primary mailbox are required")
	}
	if a.Messages == nil {
		return fmt.Errorf("engine: account %s has no message store", a.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acct := a
	e.accounts[a.ID] = &acct
	return nil
}

// Accounts returns the registered account ids, sorted.
func (e *Engine) Accounts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) account(id string) (*Account, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[id]
	return a, ok
}

// Identity builds the identity of messageID in an account's primary mailbox.
func (e *Engine) Identity(accountID, messageID string) (identity.MessageIdentity, error) {
	acct, ok := e.account(accountID)
	if !ok {
		return identity.MessageIdentity{}, fmt.Errorf("unknown account %q", accountID)
	}
	id := identity.New(acct.ID, acct.PrimaryMailbox, messageID)
	if !id.Valid() {
		return identity.MessageIdentity{}, fmt.Errorf("invalid message id %q", messageID)
	}
	return id, nil
}

func (e *Engine) grouping(ctx context.Context) bool {
	on, err := e.store.GroupingEnabled(ctx)
	if err != nil {
		e.logger.Warn("failed to read grouping mode, assuming off", "error", err)
		return false
	}
	return on
}

// GroupingModeEnabled returns the persisted grouping toggle.
func (e *Engine) GroupingModeEnabled(ctx context.Context) (bool, error) {
	return e.store.GroupingEnabled(ctx)
}

// RecomputeThread re-aggregates the conversation containing seed and, when
// grouping mode is on and the result is ready, applies the effective action.
// Failures are logged and reported through the Result.
func (e *Engine) RecomputeThread(ctx context.Context, seed identity.MessageIdentity, reason string) Result {
	acct, ok := e.account(seed.AccountID)
	if !ok {
		e.logger.Debug("recompute for unknown account", "account", seed.AccountID)
		return Result{Reason: ReasonUnknownAccount}
	}
	return e.recompute(ctx, acct, seed, reason, e.grouping(ctx))
}

func (e *Engine) recompute(ctx context.Context, acct *Account, seed identity.MessageIdentity, reason string, grouping bool) Result {
	res, err := e.aggregator.ComputeAndStore(ctx, seed)
	if err != nil {
		e.logger.Warn("aggregation failed",
			"message_id", seed.MessageID, "reason", reason, "thread_key", res.ThreadKey, "error", err)
		return res
	}
	if !res.OK {
		e.logger.Debug("aggregation skipped", "message_id", seed.MessageID, "reason", reason, "result", res.Reason)
		return res
	}
	e.logger.Debug("aggregated thread",
		"thread_key", res.ThreadKey, "reason", reason, "ready", res.ReadyCount,
		"members", len(res.Members), "effective", res.Effective.String(), "written", res.Written)

	if grouping && res.AllReady && len(res.Members) > 0 {
		report := e.applier.Apply(ctx, acct, res.Members, res.Effective)
		res.Applied = report.Failed == 0 && report.Applied > 0
		if report.Failed > 0 {
			e.logger.Warn("effective action partially applied",
				"thread_key", res.ThreadKey, "target", res.Effective.String(),
				"applied", report.Applied, "failed", report.Failed)
		}
	}
	return res
}

// RecordClassification stores a classifier result and re-aggregates.
func (e *Engine) RecordClassification(ctx context.Context, id identity.MessageIdentity, act action.Action) (Result, error) {
	return e.setAction(ctx, id, act, store.SourceClassifier, "classification")
}

// ApplyManualOverride replaces a message's cached action and re-aggregates.
func (e *Engine) ApplyManualOverride(ctx context.Context, id identity.MessageIdentity, act action.Action) (Result, error) {
	return e.setAction(ctx, id, act, store.SourceManual, "manual override")
}

// ResetAction forgets a message's cached action and re-aggregates.
func (e *Engine) ResetAction(ctx context.Context, id identity.MessageIdentity) (Result, error) {
	acct, ok := e.account(id.AccountID)
	if !ok {
		return Result{Reason: ReasonUnknownAccount}, fmt.Errorf("unknown account %q", id.AccountID)
	}
	if err := e.store.RemoveActions(ctx, []identity.MessageIdentity{id}); err != nil {
		e.logger.Warn("failed to reset cached action", "message_id", id.MessageID, "error", err)
		return Result{Reason: ReasonCacheFailed}, nil
	}
	// The stored aggregate is now more complete than the cache and would
	// otherwise win the next comparison.
	conv, err := e.store.ResolveConversation(ctx, id, e.opts.MaxThreadMembers)
	if err != nil {
		e.logger.Warn("conversation lookup failed", "message_id", id.MessageID, "error", err)
	} else if conv.OK {
		if err := e.aggregator.Forget(ctx, id.AccountID, id.Mailbox, conv.ConversationID); err != nil {
			e.logger.Warn("failed to drop aggregate", "conversation_id", conv.ConversationID, "error", err)
		}
	}
	grouping := e.grouping(ctx)
	if !grouping {
		e.applier.Apply(ctx, acct, []identity.MessageIdentity{id}, action.Absent)
	}
	return e.recompute(ctx, acct, id, "reset", grouping), nil
}

func (e *Engine) setAction(ctx context.Context, id identity.MessageIdentity, act action.Action, src store.Source, reason string) (Result, error) {
	acct, ok := e.account(id.AccountID)
	if !ok {
		return Result{Reason: ReasonUnknownAccount}, fmt.Errorf("unknown account %q", id.AccountID)
	}
	if !act.IsPresent() {
		return Result{}, fmt.Errorf("%w: absent", action.ErrUnknown)
	}
	if !id.Valid() {
		return Result{}, fmt.Errorf("invalid identity %s", id)
	}

	err := e.store.SetActions(ctx, map[identity.MessageIdentity]action.Action{id: act}, store.Meta{Source: src, At: e.now()})
	if err != nil {
		e.logger.Warn("failed to store action", "message_id", id.MessageID, "action", act.String(), "error", err)
		return Result{Reason: ReasonCacheFailed}, nil
	}

	grouping := e.grouping(ctx)
	if !grouping {
		e.applier.Apply(ctx, acct, []identity.MessageIdentity{id}, act)
	}
	return e.recompute(ctx, acct, id, reason, grouping), nil
}

// Thread returns the stored aggregate for a thread key, or nil.
func (e *Engine) Thread(ctx context.Context, threadKey string) (*store.Aggregate, error) {
	return e.store.GetAggregate(ctx, threadKey)
}
