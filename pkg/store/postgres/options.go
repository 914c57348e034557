package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vango-dev/hive/pkg/options"
)

// activeSetOption is the hive_options row holding the ActiveExtensionSet.
const activeSetOption = "active_extensions"

// LoadActive implements options.Store. A missing row is an empty set.
func (s *Store) LoadActive(ctx context.Context) (options.ActiveSet, error) {
	var set options.ActiveSet
	raw, ok, err := s.GetOption(ctx, activeSetOption)
	if err != nil || !ok {
		return set, err
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		return set, fmt.Errorf("hive/postgres: decode active set: %w", err)
	}
	return set, nil
}

// SaveActive implements options.Store.
func (s *Store) SaveActive(ctx context.Context, set options.ActiveSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("hive/postgres: encode active set: %w", err)
	}
	return s.SetOption(ctx, activeSetOption, raw)
}

// GetOption implements options.Store.
func (s *Store) GetOption(ctx context.Context, name string) (json.RawMessage, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM hive_options WHERE name = $1`, name).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("hive/postgres: get option %s: %w", name, err)
	}
	return raw, true, nil
}

// SetOption implements options.Store. Concurrent writers are last-write-wins.
func (s *Store) SetOption(ctx context.Context, name string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hive_options (name, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		name, []byte(value),
	)
	if err != nil {
		return fmt.Errorf("hive/postgres: set option %s: %w", name, err)
	}
	return nil
}
