package realtime

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Registry indexes live connections by id, user and role. The index lock is
// held only for map access; per-connection state has its own lock.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
	byRole map[string]map[string]*Connection

	clock clock.Clock
	log   zerolog.Logger
}

func NewRegistry(clk clock.Clock, log zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
		byRole: make(map[string]map[string]*Connection),
		clock:  clk,
		log:    log.With().Str("component", "registry").Logger(),
	}
}

func addIndex(idx map[string]map[string]*Connection, key string, c *Connection) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*Connection)
		idx[key] = set
	}
	set[c.ID] = c
}

func dropIndex(idx map[string]map[string]*Connection, key string, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Register adds c and joins it to its personal user room when authenticated.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	if uid := c.UserID(); uid != "" {
		addIndex(r.byUser, uid, c)
		for _, role := range c.Principal.Roles {
			addIndex(r.byRole, role, c)
		}
	}
}

// Unregister removes the entry. Unknown ids are a no-op, which makes
// duplicate disconnect events harmless.
func (r *Registry) Unregister(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		r.log.Debug().Str("connection_id", id).Msg("unregister of unknown connection ignored")
		return nil, false
	}
	delete(r.conns, id)
	if uid := c.UserID(); uid != "" {
		dropIndex(r.byUser, uid, id)
		for _, role := range c.Principal.Roles {
			dropIndex(r.byRole, role, id)
		}
	}
	return c, true
}

// Touch refreshes lastActivity for a keep-alive.
func (r *Registry) Touch(id string) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		r.log.Debug().Str("connection_id", id).Msg("touch of unknown connection ignored")
		return false
	}
	c.touch(r.clock.Now())
	return true
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func snapshot(set map[string]*Connection) []*Connection {
	list := make([]*Connection, 0, len(set))
	for _, c := range set {
		list = append(list, c)
	}
	return list
}

func (r *Registry) ByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userID])
}

func (r *Registry) ByRole(role string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byRole[role])
}

func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.conns)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount is the number of distinct authenticated users connected here.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Idle returns connections whose last activity is older than timeout.
func (r *Registry) Idle(timeout time.Duration) []*Connection {
	cutoff := r.clock.Now().Add(-timeout)

	var idle []*Connection
	for _, c := range r.All() {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	return idle
}
