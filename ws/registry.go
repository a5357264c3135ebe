package ws

import "sync"

// Registry maps room names to the sessions currently subscribed. It is
// purely ephemeral: rebuilt from live connections, never persisted, and an
// explicit instance injected into every consumer rather than process
// state.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]map[string]struct{}),
	}
}

// Subscribe adds the session to a room. Subscribing twice is a no-op.
func (r *Registry) Subscribe(s *Session, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		r.rooms[room] = members
	}
	members[s] = struct{}{}
	subs, ok := r.sessions[s]
	if !ok {
		subs = make(map[string]struct{})
		r.sessions[s] = subs
	}
	subs[room] = struct{}{}
}

// Unsubscribe removes the session from a room; idempotent.
func (r *Registry) Unsubscribe(s *Session, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(s, room)
}

// Remove drops the session and all its subscriptions. This is the single
// teardown path for disconnects.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.sessions[s] {
		r.dropLocked(s, room)
	}
	delete(r.sessions, s)
}

func (r *Registry) dropLocked(s *Session, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if subs, ok := r.sessions[s]; ok {
		delete(subs, room)
	}
}

// InRoom reports whether the session is currently subscribed to room.
func (r *Registry) InRoom(s *Session, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][s]
	return ok
}

// RoomSize returns the current subscriber count of a room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Deliver sends data to every session subscribed to any of the rooms at
// call time, at most once per session even when rooms overlap. It returns
// the number of sessions that accepted the frame.
func (r *Registry) Deliver(data []byte, rooms ...string) int {
	r.mu.RLock()
	targets := make(map[*Session]struct{})
	for _, room := range rooms {
		for s := range r.rooms[room] {
			targets[s] = struct{}{}
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for s := range targets {
		if s.Send(data) {
			delivered++
		}
	}
	return delivered
}
