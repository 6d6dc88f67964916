package stage

import (
	"encoding/json"

	k8sset "k8s.io/utils/set"
)

// RecipientClass selects which members of a room a broadcast targets.
type RecipientClass string

const (
	RecipientAll      RecipientClass = "all"
	RecipientAudience RecipientClass = "audience"
	RecipientHostOnly RecipientClass = "host"
)

var allClasses = k8sset.New(RecipientAll, RecipientAudience, RecipientHostOnly)

// broadcast marshals env once and fans it out to every member of the given
// class, excluding excludeID if non-empty. The recipient list is built
// under the room's lock and the actual sends happen outside it; a
// blocked or dead recipient's send is dropped, never blocking the others.
func (r *Room) broadcast(class RecipientClass, env outEnvelope, excludeID string) {
	if !allClasses.Has(class) {
		class = RecipientAll
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}

	r.mu.RLock()
	hostID := r.hostID
	recipients := r.recipientsLocked()
	r.mu.RUnlock()

	for _, u := range recipients {
		if u.ID == excludeID {
			continue
		}
		switch class {
		case RecipientHostOnly:
			if u.ID != hostID {
				continue
			}
		case RecipientAudience:
			if u.ID == hostID {
				continue
			}
		}
		u.enqueue(raw)
	}
}

// broadcastAll is shorthand for broadcast(RecipientAll, env, "").
func (r *Room) broadcastAll(env outEnvelope) {
	r.broadcast(RecipientAll, env, "")
}

// broadcastAudience is shorthand for broadcast(RecipientAudience, env, "").
func (r *Room) broadcastAudience(env outEnvelope) {
	r.broadcast(RecipientAudience, env, "")
}

// sendTo marshals env and enqueues it to a single user.
func sendTo(u *User, env outEnvelope) {
	if u == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	u.enqueue(raw)
}

// broadcastQueueUpdate emits the canonical queue_update envelope.
func (h *Hub) broadcastQueueUpdate(room *Room, queue []*QueueItem, suggestions []*Suggestion) {
	room.broadcastAll(out(OutQueueUpdate, map[string]any{
		"roomId":      room.ID,
		"queue":       queue,
		"suggestions": suggestions,
	}))
}

// broadcastPublicRooms pushes the current public listing to every connected
// user, matching the source's _broadcast_public_rooms.
func (h *Hub) broadcastPublicRooms() {
	listing := h.registry.PublicRooms()
	env := out(OutPublicRooms, map[string]any{"publicRooms": listing})
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.registry.mu.RLock()
	users := make([]*User, 0, len(h.registry.users))
	for _, u := range h.registry.users {
		users = append(users, u)
	}
	h.registry.mu.RUnlock()

	for _, u := range users {
		u.enqueue(raw)
	}
}
