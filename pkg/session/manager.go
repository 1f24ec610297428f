// Package session tracks the sessions a wall process has served and applies
// the variant's key prefix that isolates each variant's storage.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Tracked is the wall's view of one active session.
type Tracked struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
	LastTurn  time.Time `json:"last_turn"`
	TurnCount int       `json:"turn_count"`
}

// Manager is the in-process registry of tracked sessions. A session becomes
// tracked on its first turn and leaves on reset or cleanup.
type Manager struct {
	prefix string

	mu       sync.RWMutex
	sessions map[string]*Tracked
}

// NewManager creates a registry that prefixes session IDs with the given
// variant prefix.
func NewManager(prefix string) *Manager {
	return &Manager{prefix: prefix, sessions: make(map[string]*Tracked)}
}

// ApplyPrefix prefixes a raw session ID with the variant prefix. Applying it
// to an already-prefixed ID is the identity.
func (m *Manager) ApplyPrefix(id string) string {
	if strings.HasPrefix(id, m.prefix+":") {
		return id
	}
	return m.prefix + ":" + id
}

// Track registers a turn for the session, creating the entry on first sight.
// Returns the prefixed session ID.
func (m *Manager) Track(rawID string) string {
	id := m.ApplyPrefix(rawID)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &Tracked{ID: id, FirstSeen: now}
		m.sessions[id] = s
	}
	s.LastTurn = now
	s.TurnCount++
	return id
}

// Get returns a copy of the tracked entry, if any.
func (m *Manager) Get(rawID string) (Tracked, bool) {
	id := m.ApplyPrefix(rawID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Tracked{}, false
	}
	return *s, true
}

// List returns the prefixed IDs of all tracked sessions, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove drops a session from the registry. Returns whether it was tracked.
func (m *Manager) Remove(rawID string) bool {
	id := m.ApplyPrefix(rawID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// RemoveAll drops every tracked session and returns their prefixed IDs.
func (m *Manager) RemoveAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessions = make(map[string]*Tracked)
	sort.Strings(ids)
	return ids
}
