package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/store"
)

// RetagReport summarizes a bulk retag pass.
type RetagReport struct {
	Enabled       bool          `json:"enabled"`
	Accounts      int           `json:"accounts"`
	Seeds         int           `json:"seeds"`
	Conversations int           `json:"conversations"`
	Applied       int64         `json:"applied"`
	Skipped       int64         `json:"skipped"`
	Failed        int64         `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

func (r *RetagReport) add(o RetagReport) {
	r.Accounts += o.Accounts
	r.Seeds += o.Seeds
	r.Conversations += o.Conversations
	r.Applied += o.Applied
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// SetGroupingModeEnabled persists the grouping toggle and retags every
// account to match it. Only the persist step can fail; retag failures are
// counted in the report.
func (e *Engine) SetGroupingModeEnabled(ctx context.Context, enabled bool) (RetagReport, error) {
	if err := e.store.SetGroupingEnabled(ctx, enabled); err != nil {
		return RetagReport{Enabled: enabled}, fmt.Errorf("persist grouping mode: %w", err)
	}
	e.logger.Info("grouping mode changed", "enabled", enabled)

	start := time.Now()
	total := RetagReport{Enabled: enabled}
	for _, id := range e.Accounts() {
		acct, ok := e.account(id)
		if !ok {
			continue
		}
		total.add(e.retag(ctx, acct, enabled))
	}
	total.Duration = time.Since(start)
	e.logger.Info("bulk retag finished",
		"enabled", enabled, "conversations", total.Conversations,
		"applied", total.Applied, "skipped", total.Skipped, "failed", total.Failed,
		"duration", total.Duration)
	return total, nil
}

// Reconcile re-runs the bulk pass matching the current grouping mode for one
// account. Scheduled scans call it so missed triggers eventually converge.
func (e *Engine) Reconcile(ctx context.Context, accountID string) (RetagReport, error) {
	acct, ok := e.account(accountID)
	if !ok {
		return RetagReport{}, fmt.Errorf("unknown account %q", accountID)
	}
	enabled, err := e.store.GroupingEnabled(ctx)
	if err != nil {
		return RetagReport{}, fmt.Errorf("read grouping mode: %w", err)
	}
	start := time.Now()
	r := e.retag(ctx, acct, enabled)
	r.Enabled = enabled
	r.Duration = time.Since(start)
	return r, nil
}

func (e *Engine) retag(ctx context.Context, acct *Account, enabled bool) RetagReport {
	report := RetagReport{Enabled: enabled, Accounts: 1}

	seeds, err := e.store.ListSeeds(ctx, acct.ID, acct.PrimaryMailbox, e.opts.MaxMessagesPerMailbox)
	if err != nil {
		e.logger.Warn("failed to list conversations", "account", acct.ID, "error", err)
		report.Failed++
		return report
	}
	report.Seeds = len(seeds)

	seen := make(map[string]bool)
	var tasks []store.Seed
	for _, s := range seeds {
		key := identity.ThreadKey(acct.ID, acct.PrimaryMailbox, s.ConversationID)
		if seen[key] {
			continue
		}
		seen[key] = true
		tasks = append(tasks, s)
		if len(tasks) >= e.opts.MaxConversations {
			break
		}
	}
	report.Conversations = len(tasks)

	var applied, skipped, failed atomic.Int64
	queue := make(chan store.Seed)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, t := range tasks {
			select {
			case queue <- t:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < e.opts.RetagWorkers; i++ {
		g.Go(func() error {
			for seed := range queue {
				ok, didApply := e.retagTask(gctx, acct, seed, enabled)
				switch {
				case !ok:
					failed.Add(1)
				case didApply:
					applied.Add(1)
				default:
					skipped.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("bulk retag interrupted", "account", acct.ID, "error", err)
	}

	report.Applied = applied.Load()
	report.Skipped = skipped.Load()
	report.Failed = failed.Load()
	return report
}

// retagTask handles one conversation. It never panics out of the pool.
func (e *Engine) retagTask(ctx context.Context, acct *Account, seed store.Seed, enabled bool) (ok, applied bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("retag task panicked", "message_id", seed.Identity.MessageID, "panic", r)
			ok, applied = false, false
		}
	}()
	if enabled {
		return e.enableTask(ctx, acct, seed.Identity)
	}
	return e.disableTask(ctx, acct, seed.Identity)
}

func (e *Engine) enableTask(ctx context.Context, acct *Account, seed identity.MessageIdentity) (bool, bool) {
	res, err := e.aggregator.ComputeAndStore(ctx, seed)
	if err != nil {
		e.logger.Warn("retag aggregation failed", "message_id", seed.MessageID, "error", err)
		return false, false
	}
	if !res.OK || !res.AllReady || len(res.Members) == 0 {
		return true, false
	}
	report := e.applier.Apply(ctx, acct, res.Members, res.Effective)
	return report.Failed == 0, report.Applied > 0
}

// disableTask restores every member's own cached action.
func (e *Engine) disableTask(ctx context.Context, acct *Account, seed identity.MessageIdentity) (bool, bool) {
	conv, err := e.store.ResolveConversation(ctx, seed, e.opts.MaxThreadMembers)
	if err != nil {
		e.logger.Warn("retag conversation lookup failed", "message_id", seed.MessageID, "error", err)
		return false, false
	}
	if !conv.OK {
		return true, false
	}
	var members []identity.MessageIdentity
	for _, m := range conv.Members {
		if m.Mailbox == acct.PrimaryMailbox {
			members = append(members, m)
		}
	}
	cached, err := e.store.GetActions(ctx, members)
	if err != nil {
		e.logger.Warn("retag cache read failed", "message_id", seed.MessageID, "error", err)
		return false, false
	}

	ok, applied := true, false
	for _, m := range members {
		report := e.applier.Apply(ctx, acct, []identity.MessageIdentity{m}, cached[m].Action)
		if report.Failed > 0 {
			ok = false
		}
		if report.Applied > 0 {
			applied = true
		}
	}
	return ok, applied
}
