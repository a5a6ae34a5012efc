// Package session tracks one orchestrator's interaction with a skill: its
// lifecycle state, named artifacts and audit trail.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jingkaihe/skillbox/pkg/audit"
	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when a target state is not reachable from
// the current one.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Session is safe for concurrent use. It is only mutated through Transition,
// AddArtifact and AddAudit.
type Session struct {
	ID        string
	SkillName string
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	artifacts map[string]any
	audit     []audit.Event
	updatedAt time.Time
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID        string         `json:"id"`
	SkillName string         `json:"skill"`
	State     State          `json:"state"`
	Artifacts map[string]any `json:"artifacts"`
	Audit     []audit.Event  `json:"audit"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// New returns a session for skill in the discovered state.
func New(skill string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		SkillName: skill,
		CreatedAt: now,
		state:     StateDiscovered,
		artifacts: make(map[string]any),
		updatedAt: now,
	}
}

// FromSnapshot rebuilds a session from a stored snapshot.
func FromSnapshot(snap Snapshot) *Session {
	artifacts := make(map[string]any, len(snap.Artifacts))
	for k, v := range snap.Artifacts {
		artifacts[k] = v
	}
	return &Session{
		ID:        snap.ID,
		SkillName: snap.SkillName,
		CreatedAt: snap.CreatedAt,
		state:     snap.State,
		artifacts: artifacts,
		audit:     append([]audit.Event(nil), snap.Audit...),
		updatedAt: snap.UpdatedAt,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdatedAt returns the time of the last mutation.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Transition moves the session to target. It fails with ErrInvalidTransition,
// leaving the session untouched, when target is not allowed from the current
// state.
func (s *Session) Transition(target State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.state, target) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.state, target)
	}
	s.state = target
	s.touch()
	return nil
}

// AddArtifact records a named artifact, replacing any previous value.
func (s *Session) AddArtifact(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[key] = value
	s.touch()
}

// Artifact returns the artifact stored under key.
func (s *Session) Artifact(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.artifacts[key]
	return v, ok
}

// AddAudit appends event to the audit trail.
func (s *Session) AddAudit(event audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, event)
	s.touch()
}

// Audit returns a copy of the audit trail in append order.
func (s *Session) Audit() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.audit...)
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifacts := make(map[string]any, len(s.artifacts))
	for k, v := range s.artifacts {
		artifacts[k] = v
	}
	return Snapshot{
		ID:        s.ID,
		SkillName: s.SkillName,
		State:     s.state,
		Artifacts: artifacts,
		Audit:     append([]audit.Event{}, s.audit...),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
	}
}

func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// touch bumps updatedAt. It is strictly increasing across mutations.
func (s *Session) touch() {
	now := time.Now().UTC()
	if !now.After(s.updatedAt) {
		now = s.updatedAt.Add(time.Nanosecond)
	}
	s.updatedAt = now
}
