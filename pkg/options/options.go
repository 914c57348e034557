// Package options holds the ActiveExtensionSet and arbitrary named options
// shared by every worker.
package options

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/vango-dev/hive/internal/errors"
)

// ActiveSet names the enabled plugins and the active theme.
type ActiveSet struct {
	Plugins []string `json:"plugins"`
	Theme   string   `json:"theme,omitempty"`
}

// Clone returns a copy that does not share the plugin slice.
func (s ActiveSet) Clone() ActiveSet {
	return ActiveSet{Plugins: slices.Clone(s.Plugins), Theme: s.Theme}
}

// Themes returns the active theme as a slug list of length zero or one.
func (s ActiveSet) Themes() []string {
	if s.Theme == "" {
		return nil
	}
	return []string{s.Theme}
}

// Enable adds slug to the plugin list if absent.
func (s *ActiveSet) Enable(slug string) bool {
	if slices.Contains(s.Plugins, slug) {
		return false
	}
	s.Plugins = append(s.Plugins, slug)
	return true
}

// Disable removes slug from the plugin list.
func (s *ActiveSet) Disable(slug string) bool {
	i := slices.Index(s.Plugins, slug)
	if i < 0 {
		return false
	}
	s.Plugins = slices.Delete(s.Plugins, i, i+1)
	return true
}

// Store persists the active set and named options. Writes are
// last-write-wins; there is no cross-process locking.
type Store interface {
	LoadActive(ctx context.Context) (ActiveSet, error)
	SaveActive(ctx context.Context, set ActiveSet) error

	// GetOption returns the raw JSON value of name and whether it exists.
	GetOption(ctx context.Context, name string) (json.RawMessage, bool, error)
	SetOption(ctx context.Context, name string, value json.RawMessage) error
}

// Notifier tells the supervisor the stored set changed so it can ask every
// worker to reload.
type Notifier interface {
	NotifyOptionsUpdated(ctx context.Context) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context) error

// NotifyOptionsUpdated calls f.
func (f NotifierFunc) NotifyOptionsUpdated(ctx context.Context) error { return f(ctx) }

// Manager is a worker's in-memory replica of the active set.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	mu      sync.RWMutex
	current ActiveSet
}

// NewManager creates a Manager. notifier may be nil.
func NewManager(store Store, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "options"),
	}
}

// Load reads the stored set into memory.
func (m *Manager) Load(ctx context.Context) error {
	_, err := m.Reload(ctx)
	return err
}

// Reload re-reads the stored set and returns it. On error the previous
// replica is kept.
func (m *Manager) Reload(ctx context.Context) (ActiveSet, error) {
	set, err := m.store.LoadActive(ctx)
	if err != nil {
		return m.Current(), errors.New(errors.CodePersistenceFailed).WithSubject("active set").Wrap(err)
	}
	m.mu.Lock()
	m.current = set.Clone()
	m.mu.Unlock()
	m.logger.Debug("active set loaded", "plugins", set.Plugins, "theme", set.Theme)
	return set, nil
}

// Current returns a copy of the replica.
func (m *Manager) Current() ActiveSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Replace persists set, updates the local replica, and notifies the
// supervisor. A notify failure is logged; the write already happened.
func (m *Manager) Replace(ctx context.Context, set ActiveSet) error {
	if err := m.store.SaveActive(ctx, set); err != nil {
		return errors.New(errors.CodePersistenceFailed).WithSubject("active set").Wrap(err)
	}
	m.mu.Lock()
	m.current = set.Clone()
	m.mu.Unlock()

	if m.notifier != nil {
		if err := m.notifier.NotifyOptionsUpdated(ctx); err != nil {
			m.logger.Warn("notify options_updated failed", "error", err)
		}
	}
	return nil
}

// Update reloads the stored set, applies fn, and persists the result.
func (m *Manager) Update(ctx context.Context, fn func(*ActiveSet)) (ActiveSet, error) {
	set, err := m.store.LoadActive(ctx)
	if err != nil {
		return ActiveSet{}, errors.New(errors.CodePersistenceFailed).WithSubject("active set").Wrap(err)
	}
	fn(&set)
	if err := m.Replace(ctx, set); err != nil {
		return ActiveSet{}, err
	}
	return set.Clone(), nil
}

// Get decodes option name into v. It reports false if the option is unset.
func Get(ctx context.Context, s Store, name string, v any) (bool, error) {
	raw, ok, err := s.GetOption(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.New(errors.CodeConfigValue).WithSubject(name).Wrap(err)
	}
	return true, nil
}

// Set encodes v as option name.
func Set(ctx context.Context, s Store, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetOption(ctx, name, raw)
}
