package session

import (
	"errors"
	"sort"
	"sync"
)

// ErrSessionExists is returned by Create for a call id already in the table
var ErrSessionExists = errors.New("session already exists")

// Table is a concurrency-safe map of live sessions by call id
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTable creates an empty session table
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Create registers s under its id
func (t *Table) Create(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	t.sessions[s.ID] = s
	return nil
}

// Get returns the session for id
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove deletes the session for id and reports whether it was present
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	delete(t.sessions, id)
	return ok
}

// Len returns the number of sessions
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// IDs returns the ids of all sessions, sorted
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
