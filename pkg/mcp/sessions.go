package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps execution IDs to the MCP sessions watching them.
// Populated by credflow.watch.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // executionID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch subscribes a session to an execution. Watching twice is a no-op.
func (r *SessionRegistry) Watch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[executionID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[executionID] = set
	}
	set[sessionID] = struct{}{}
}

// Unwatch drops one session's subscription to an execution.
func (r *SessionRegistry) Unwatch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unwatchLocked(executionID, sessionID)
}

// SessionsFor returns the sessions watching an execution, sorted.
func (r *SessionRegistry) SessionsFor(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watchers[executionID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Remove deletes every subscription held by a session.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for execID := range r.watchers {
		r.unwatchLocked(execID, sessionID)
	}
}

func (r *SessionRegistry) unwatchLocked(executionID, sessionID string) {
	set, ok := r.watchers[executionID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.watchers, executionID)
	}
}
