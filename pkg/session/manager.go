package session

import (
	"context"
	"sync"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no session has the requested id.
var ErrNotFound = errors.New("session not found")

// Store persists session snapshots.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
	List(ctx context.Context, skill string) ([]Snapshot, error)
}

// Manager creates and tracks sessions. Sessions are kept in memory for the
// life of the manager and are never removed automatically.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	store    Store
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore persists sessions to store on Create and Save, and lets Get fall
// back to it.
func WithStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{sessions: make(map[string]*Session)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a session for skill in the discovered state.
func (m *Manager) Create(ctx context.Context, skill string) (*Session, error) {
	s := New(skill)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	m.mu.Unlock()

	logger.G(ctx).WithField("session_id", s.ID).WithField("skill", skill).Debug("session created")

	if err := m.Save(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// Get returns the session with id, loading it from the store if it is not in
// memory.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	if m.store == nil {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}

	snap, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s = FromSnapshot(snap)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = s
	m.order = append(m.order, id)
	return s, nil
}

// List returns the sessions known to this manager in the order they were
// created or loaded.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// Save writes a snapshot of s to the store. It is a no-op without a store.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, s.Snapshot()); err != nil {
		return errors.Wrapf(err, "failed to save session %s", s.ID)
	}
	return nil
}
