package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexshd/bifmon"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is one isolated analysis: its own graph, baseline and events.
type Session struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Created time.Time       `json:"created"`
	Monitor *bifmon.Monitor `json:"-"`
}

// SessionInfo is the JSON view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Created   time.Time `json:"created"`
	Events    int       `json:"events"`
	Nodes     int       `json:"nodes"`
	Edges     int       `json:"edges"`
	Baseline  int       `json:"baseline"`
	LastEvent *Summary  `json:"lastEvent,omitempty"`
}

// Summary is the short form of the latest event.
type Summary struct {
	Source   string          `json:"source"`
	Severity bifmon.Severity `json:"severity"`
	ZScore   float64         `json:"zScore"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	events := s.Monitor.Events()
	graph := s.Monitor.GraphState()

	info := SessionInfo{
		ID:       s.ID,
		Name:     s.Name,
		Created:  s.Created,
		Events:   len(events),
		Nodes:    len(graph.Nodes),
		Edges:    len(graph.Edges),
		Baseline: len(s.Monitor.EntropyHistory()),
	}
	if n := len(events); n > 0 {
		last := events[n-1]
		info.LastEvent = &Summary{Source: last.Source, Severity: last.Severity, ZScore: last.ZScore}
	}
	return info
}

// Registry holds the live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	newFn    func(id string) *bifmon.Monitor
	now      func() time.Time
}

// NewRegistry creates a registry that builds monitors with newFn.
func NewRegistry(newFn func(id string) *bifmon.Monitor) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		newFn:    newFn,
		now:      time.Now,
	}
}

// Create starts a new session.
func (r *Registry) Create(name string) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:      id,
		Name:    name,
		Created: r.now(),
		Monitor: r.newFn(id),
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete drops the session with id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

// List returns all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
