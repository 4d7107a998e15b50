// Package realtime contains Tunetime's presence registry, broadcaster,
// message relay and the WebSocket gateway that drives them.
package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "tunetime/shared/contracts/presence/v1"
)

// DefaultActivity is the label assigned to a user who just came online.
const DefaultActivity = "Idle"

// presenceEntry is one online user's record. It exists only while the user
// has at least one live connection.
type presenceEntry struct {
	activity string
	conns    map[string]*Client // session id -> client
}

// Registry maps a user identity to its live connections and activity label.
//
// Concurrency guarantees:
//   - All mutations are serialized under one mutex.
//   - Readers get copies; interior maps are never exposed.
//   - An entry is deleted the moment its connection set becomes empty, so
//     "has an entry" and "is online" are the same fact.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*presenceEntry
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		entries: make(map[string]*presenceEntry),
	}
}

// Register adds the connection to the user's presence entry, creating the
// entry if absent. It reports whether this was the user's first live
// connection. Registering the same session twice is a no-op.
func (r *Registry) Register(userID string, c *Client) (first bool) {
	if r == nil || c == nil || userID == "" || c.SessionID == "" {
		return false
	}

	r.mu.Lock()
	e := r.entries[userID]
	if e == nil {
		e = &presenceEntry{
			activity: DefaultActivity,
			conns:    make(map[string]*Client, 1),
		}
		r.entries[userID] = e
		first = true
	}
	_, known := e.conns[c.SessionID]
	e.conns[c.SessionID] = c
	conns := len(e.conns)
	users := len(r.entries)
	r.mu.Unlock()

	if !known {
		metricOpenConnections.Inc()
	}
	metricOnlineUsers.Set(float64(users))

	r.log.Info("registry.register",
		"user_id", userID, "session_id", c.SessionID, "first", first, "user_conns", conns)
	return first
}

// Unregister removes the connection from its user's entry. If it was the last
// connection, the entry is deleted and last is true. Unknown handles are a
// no-op, not an error.
func (r *Registry) Unregister(c *Client) (userID string, last bool) {
	if r == nil || c == nil || c.UserID == "" {
		return "", false
	}

	r.mu.Lock()
	e := r.entries[c.UserID]
	if e == nil {
		r.mu.Unlock()
		return "", false
	}
	if _, ok := e.conns[c.SessionID]; !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(e.conns, c.SessionID)
	if len(e.conns) == 0 {
		delete(r.entries, c.UserID)
		last = true
	}
	users := len(r.entries)
	r.mu.Unlock()

	metricOpenConnections.Dec()
	metricOnlineUsers.Set(float64(users))

	r.log.Info("registry.unregister",
		"user_id", c.UserID, "session_id", c.SessionID, "last", last)
	return c.UserID, last
}

// ActiveUsers returns a sorted snapshot of currently online user ids.
func (r *Registry) ActiveUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.entries))
	for id := range r.entries {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Activities returns a snapshot of every online user's activity label,
// sorted by user id.
func (r *Registry) Activities() []v1.UserActivity {
	r.mu.RLock()
	out := make([]v1.UserActivity, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, v1.UserActivity{UserID: id, Activity: e.activity})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ConnectionsFor returns the user's live connections, nil when offline.
func (r *Registry) ConnectionsFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.entries[userID]
	if e == nil {
		return nil
	}
	out := make([]*Client, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Connections returns every live connection (broadcast fan-out targets).
func (r *Registry) Connections() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.entries))
	for _, e := range r.entries {
		for _, c := range e.conns {
			out = append(out, c)
		}
	}
	return out
}

// UpdateActivity sets the user's activity label. It reports false when the
// user is offline; disconnected users cannot have activity.
func (r *Registry) UpdateActivity(userID, activity string) bool {
	if userID == "" || activity == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[userID]
	if e == nil {
		return false
	}
	e.activity = activity
	return true
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[userID] != nil
}
