package relay

import "sync"

// Registry tracks which room each live connection belongs to. State lives
// only for the process lifetime; nothing here is persisted.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Conn),
	}
}

// Join registers a connection as a member of its room. Idempotent per
// connection; a connection without a room is a no-op.
func (r *Registry) Join(c *Conn) {
	if c == nil || c.Room() == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[c.Room()]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[c.Room()] = members
	}
	members[c.ID()] = c
}

// Leave removes a connection's membership. Safe to call multiple times
// and for connections that never joined.
func (r *Registry) Leave(c *Conn) {
	if c == nil || c.Room() == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[c.Room()]
	if !ok {
		return
	}
	delete(members, c.ID())
	if len(members) == 0 {
		delete(r.rooms, c.Room())
	}
}

// Members returns a snapshot of the connections currently in a room.
func (r *Registry) Members(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Counts reports live room and connection totals for the health endpoint.
func (r *Registry) Counts() (rooms, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, members := range r.rooms {
		connections += len(members)
	}
	return len(r.rooms), connections
}
