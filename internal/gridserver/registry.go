package gridserver

import (
	"net"
	"sort"
	"sync"
	"time"
)

// ConnInfo describes one live control connection.
type ConnInfo struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
}

type registered struct {
	info ConnInfo
	conn net.Conn
}

// Registry tracks live control connections so the server can report and
// close them.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*registered // connID -> connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*registered)}
}

// Add registers conn and returns a function that removes it again.
// A later Add with the same ID replaces the earlier connection.
func (r *Registry) Add(info ConnInfo, conn net.Conn) (remove func()) {
	entry := &registered{info: info, conn: conn}
	r.mu.Lock()
	r.conns[info.ID] = entry
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// May have been replaced.
		if r.conns[info.ID] == entry {
			delete(r.conns, info.ID)
		}
	}
}

// SetUser records the authenticated user of connection id.
func (r *Registry) SetUser(id, user string) {
	r.mu.Lock()
	if e, ok := r.conns[id]; ok {
		e.info.User = user
	}
	r.mu.Unlock()
}

// List returns the live connections ordered by connect time.
func (r *Registry) List() []ConnInfo {
	r.mu.RLock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Connected.Equal(out[j].Connected) {
			return out[i].ID < out[j].ID
		}
		return out[i].Connected.Before(out[j].Connected)
	})
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.conns))
	for id, e := range r.conns {
		conns = append(conns, e.conn)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
