// Package registry is the in-memory table of agents that have checked
// in.  Entries live for the lifetime of the process: a later Checkin
// overwrites the entry for its identity and nothing removes one.
package registry

import (
	"sort"
	"sync"
)

// Agent is the identity record an agent reports on Checkin.
type Agent struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	Username    string `json:"username"`
	OS          string `json:"os"`
	ConnectedAt string `json:"connected_at"`
}

// Registry maps agent identity to its most recent Agent record.
// Readers share the lock; each operation takes it once.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Upsert stores a under id, replacing any earlier record wholesale.
// It reports whether id was new.
func (r *Registry) Upsert(id string, a Agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.agents[id]
	r.agents[id] = a
	return !existed
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns a copy of every record, ordered by identity.  Later
// registry changes do not affect the returned slice.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id])
	}
	r.mu.RUnlock()
	return out
}

// Len is the number of known agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
