package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const settingGroupingMode = "grouping_mode"

func (s *Store) getSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GroupingEnabled returns the persisted grouping mode toggle. It defaults to
// false until first set.
func (s *Store) GroupingEnabled(ctx context.Context) (bool, error) {
	v, ok, err := s.getSetting(ctx, settingGroupingMode)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(v)
}

// SetGroupingEnabled persists the grouping mode toggle.
func (s *Store) SetGroupingEnabled(ctx context.Context, enabled bool) error {
	return s.setSetting(ctx, settingGroupingMode, strconv.FormatBool(enabled))
}
