package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
)

// Source records who produced a cached action.
type Source string

const (
	SourceClassifier Source = "classifier"
	SourceManual     Source = "manual"
	SourceObserved   Source = "observed"
)

// CachedAction is the cached classification of one message.
type CachedAction struct {
	Identity identity.MessageIdentity `json:"identity"`
	Action   action.Action            `json:"action"`
	Source   Source                   `json:"source"`
	StoredAt time.Time                `json:"stored_at"`
}

// Meta describes a cache write.
type Meta struct {
	Source Source
	At     time.Time
}

type scopeKey struct{ account, mailbox string }

func groupByScope(ids []identity.MessageIdentity) map[scopeKey][]string {
	groups := make(map[scopeKey][]string)
	for _, id := range ids {
		k := scopeKey{id.AccountID, id.Mailbox}
		groups[k] = append(groups[k], id.MessageID)
	}
	return groups
}

// GetActions returns the cached actions for ids. Identities without a cached
// action are absent from the result.
func (s *Store) GetActions(ctx context.Context, ids []identity.MessageIdentity) (map[identity.MessageIdentity]CachedAction, error) {
	result := make(map[identity.MessageIdentity]CachedAction, len(ids))
	for scope, msgIDs := range groupByScope(ids) {
		err := queryInChunks(ctx, s.db, msgIDs, []any{scope.account, scope.mailbox},
			`SELECT message_id, action, source, stored_at FROM cached_actions
			 WHERE account_id = ? AND mailbox = ? AND message_id IN (%s)`,
			func(rows *sql.Rows) error {
				var (
					msgID, act, src string
					storedAt        int64
				)
				if err := rows.Scan(&msgID, &act, &src, &storedAt); err != nil {
					return err
				}
				id := identity.MessageIdentity{AccountID: scope.account, Mailbox: scope.mailbox, MessageID: msgID}
				result[id] = CachedAction{
					Identity: id,
					Action:   action.Action(act),
					Source:   Source(src),
					StoredAt: time.Unix(storedAt, 0).UTC(),
				}
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("get cached actions: %w", err)
		}
	}
	return result, nil
}

// GetAction returns the cached action for one identity, or Absent.
func (s *Store) GetAction(ctx context.Context, id identity.MessageIdentity) (action.Action, error) {
	m, err := s.GetActions(ctx, []identity.MessageIdentity{id})
	if err != nil {
		return action.Absent, err
	}
	return m[id].Action, nil
}

// SetActions stores actions. An Absent value removes the entry.
func (s *Store) SetActions(ctx context.Context, actions map[identity.MessageIdentity]action.Action, meta Meta) error {
	if meta.At.IsZero() {
		meta.At = time.Now()
	}
	if meta.Source == "" {
		meta.Source = SourceClassifier
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for id, act := range actions {
			if !act.IsPresent() {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM cached_actions WHERE account_id = ? AND mailbox = ? AND message_id = ?`,
					id.AccountID, id.Mailbox, id.MessageID); err != nil {
					return fmt.Errorf("clear cached action %s: %w", id, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cached_actions (account_id, mailbox, message_id, action, source, stored_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(account_id, mailbox, message_id) DO UPDATE SET
					action = excluded.action,
					source = excluded.source,
					stored_at = excluded.stored_at`,
				id.AccountID, id.Mailbox, id.MessageID, string(act), string(meta.Source), meta.At.Unix()); err != nil {
				return fmt.Errorf("set cached action %s: %w", id, err)
			}
		}
		return nil
	})
}

// RemoveActions deletes the cached actions for ids.
func (s *Store) RemoveActions(ctx context.Context, ids []identity.MessageIdentity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cached_actions WHERE account_id = ? AND mailbox = ? AND message_id = ?`,
				id.AccountID, id.Mailbox, id.MessageID); err != nil {
				return fmt.Errorf("remove cached action %s: %w", id, err)
			}
		}
		return nil
	})
}
