package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/threadtags/internal/action"
)

// Aggregate is the stored per-conversation result.
type Aggregate struct {
	ThreadKey      string                   `json:"thread_key"`
	AccountID      string                   `json:"account_id"`
	Mailbox        string                   `json:"mailbox"`
	ConversationID string                   `json:"conversation_id"`
	Members        []string                 `json:"members"`
	Actions        map[string]action.Action `json:"actions"`
	ReadyCount     int                      `json:"ready_count"`
	AllReady       bool                     `json:"all_ready"`
	Effective      action.Action            `json:"effective"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

const aggregateColumns = `thread_key, account_id, mailbox, conversation_id, members, actions,
	ready_count, all_ready, effective, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row rowScanner) (*Aggregate, error) {
	var (
		a                     Aggregate
		membersJSON, actsJSON string
		allReady              int
		effective             string
		updatedAt             int64
	)
	if err := row.Scan(&a.ThreadKey, &a.AccountID, &a.Mailbox, &a.ConversationID,
		&membersJSON, &actsJSON, &a.ReadyCount, &allReady, &effective, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(membersJSON), &a.Members); err != nil {
		return nil, fmt.Errorf("decode members of %s: %w", a.ThreadKey, err)
	}
	if err := json.Unmarshal([]byte(actsJSON), &a.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of %s: %w", a.ThreadKey, err)
	}
	if a.Actions == nil {
		a.Actions = map[string]action.Action{}
	}
	a.AllReady = allReady != 0
	a.Effective = action.Action(effective)
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

// GetAggregate returns the stored aggregate for threadKey, or nil if none.
func (s *Store) GetAggregate(ctx context.Context, threadKey string) (*Aggregate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+` FROM thread_aggregates WHERE thread_key = ?`, threadKey)
	a, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate %s: %w", threadKey, err)
	}
	return a, nil
}

// PutAggregate inserts or replaces an aggregate.
func (s *Store) PutAggregate(ctx context.Context, a *Aggregate) error {
	members, err := json.Marshal(a.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	acts := a.Actions
	if acts == nil {
		acts = map[string]action.Action{}
	}
	actsJSON, err := json.Marshal(acts)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	allReady := 0
	if a.AllReady {
		allReady = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_aggregates (`+aggregateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_key) DO UPDATE SET
			account_id = excluded.account_id,
			mailbox = excluded.mailbox,
			conversation_id = excluded.conversation_id,
			members = excluded.members,
			actions = excluded.actions,
			ready_count = excluded.ready_count,
			all_ready = excluded.all_ready,
			effective = excluded.effective,
			updated_at = excluded.updated_at`,
		a.ThreadKey, a.AccountID, a.Mailbox, a.ConversationID, string(members), string(actsJSON),
		a.ReadyCount, allReady, string(a.Effective), a.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("put aggregate %s: %w", a.ThreadKey, err)
	}
	return nil
}

// DeleteAggregate removes the aggregate for threadKey. It reports whether a
// row existed.
func (s *Store) DeleteAggregate(ctx context.Context, threadKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM thread_aggregates WHERE thread_key = ?`, threadKey)
	if err != nil {
		return false, fmt.Errorf("delete aggregate %s: %w", threadKey, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListAggregates returns aggregates for an account, most recently updated
// first. An empty account lists every account.
func (s *Store) ListAggregates(ctx context.Context, accountID string, limit int) ([]*Aggregate, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + aggregateColumns + ` FROM thread_aggregates`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY updated_at DESC, thread_key LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	var out []*Aggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
