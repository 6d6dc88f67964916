package stage

import (
	"sort"
	"sync"

	"github.com/crptk/audiolyze/internal/metrics"
)

// Registry is the process-wide index of connected users and live rooms.
// Per the design notes, it is the single place where cross-cutting global
// state lives; handlers never reach around it. Critical sections here are
// kept short: inserts, removes, and lookups only. Mutation of a Room's own
// fields happens under that Room's own lock, not the Registry's.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User
	rooms map[string]*Room
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]*User),
		rooms: make(map[string]*Room),
	}
}

func (r *Registry) addUser(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	metrics.ActiveWebSocketConnections.Inc()
}

func (r *Registry) removeUser(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; ok {
		delete(r.users, id)
		metrics.ActiveWebSocketConnections.Dec()
	}
}

func (r *Registry) getUser(id string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

func (r *Registry) addRoom(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID] = room
	metrics.ActiveRooms.Inc()
}

func (r *Registry) removeRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; ok {
		delete(r.rooms, id)
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(id)
		metrics.QueueDepth.DeleteLabelValues(id)
	}
}

func (r *Registry) getRoom(id string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// PublicRooms returns a point-in-time snapshot of every public room,
// suitable for the initial `connected` envelope and the public listing
// endpoint. Order is by creation time, oldest first.
func (r *Registry) PublicRooms() []publicRoomSummary {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].createdAt < rooms[j].createdAt })

	out := make([]publicRoomSummary, 0, len(rooms))
	for _, room := range rooms {
		if s, ok := room.publicSummary(); ok {
			out = append(out, s)
		}
	}
	return out
}
