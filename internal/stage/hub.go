package stage

import (
	"context"
	"sync"
	"time"

	"github.com/crptk/audiolyze/internal/ids"
	"github.com/crptk/audiolyze/internal/logging"
)

// BlobStore is the minimal interface the Hub needs to garbage-collect
// uploaded media on room destruction. Implemented by the upload package.
type BlobStore interface {
	Delete(ctx context.Context, servingURL string) error
}

type noopBlobStore struct{}

func (noopBlobStore) Delete(context.Context, string) error { return nil }

// Hub owns the Registry and drives room lifecycle transitions: creation,
// joining, visiting, returning, and the three distinct destroy/leave
// protocols from the room lifecycle section. It is the actor that the
// Connection pump and the message dispatcher both call into.
type Hub struct {
	registry *Registry
	blobs    BlobStore
	prefetch *PrefetchManager

	cleanupGracePeriod time.Duration
	cleanupMu          sync.Mutex
	pendingCleanups    map[string]*time.Timer
}

// NewHub builds a Hub. blobs may be nil, in which case uploaded-file
// garbage collection is a no-op (suitable for tests).
func NewHub(registry *Registry, blobs BlobStore, gracePeriod time.Duration) *Hub {
	if blobs == nil {
		blobs = noopBlobStore{}
	}
	return &Hub{
		registry:           registry,
		blobs:              blobs,
		cleanupGracePeriod: gracePeriod,
		pendingCleanups:    make(map[string]*time.Timer),
	}
}

// SetPrefetchManager wires the priority-queue background pre-fetcher. Set
// once during startup, after both the Hub and the manager exist (they
// reference each other).
func (h *Hub) SetPrefetchManager(p *PrefetchManager) { h.prefetch = p }

// Registry exposes the underlying registry for the HTTP edge (public
// listing endpoint) and the connection pump (user registration).
func (h *Hub) Registry() *Registry { return h.registry }

// RegisterConnection mints a new User for a freshly accepted connection and
// adds it to the registry.
func (h *Hub) RegisterConnection(conn wsConnection) *User {
	u := newUser(ids.New(), conn)
	h.registry.addUser(u)
	return u
}

// unregister removes a user from the registry entirely. Called only after
// every room cleanup step for that user has completed.
func (h *Hub) unregister(u *User) {
	h.registry.removeUser(u.ID)
}

// CreateRoom allocates a fresh room for user, tearing down any prior hosted
// or visited room first.
func (h *Hub) CreateRoom(ctx context.Context, user *User, name string) *Room {
	if hosted := user.HostedRoomID(); hosted != "" {
		if room, ok := h.registry.getRoom(hosted); ok {
			h.destroyRoom(ctx, room, "The host started a new stage")
		}
		user.setHostedRoomID("")
	}
	if visiting := user.InRoomID(); visiting != "" {
		if room, ok := h.registry.getRoom(visiting); ok {
			h.leaveCurrentRoom(ctx, user, room)
		}
	}

	room := newRoom(ids.New(), clamp(name, maxRoomNameLen), user.ID, user.Name(), time.Now())
	room.addMember(user)
	h.registry.addRoom(room)

	user.setHostedRoomID(room.ID)
	user.setInRoomID(room.ID)
	return room
}

// resolveJoinTarget resolves a join target, returning (room, errKind).
// errKind is empty when the room is a valid join target.
func (h *Hub) resolveJoinTarget(roomID string) (*Room, string) {
	room, ok := h.registry.getRoom(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !room.Summary().IsPublic {
		return nil, ErrRoomPrivate
	}
	return room, ""
}

// JoinRoom implements both join_room sub-cases. Returns the target room and
// an empty error kind on success; on failure it returns a nil room and the
// error kind, which the caller sends back in an error envelope.
func (h *Hub) JoinRoom(ctx context.Context, user *User, roomID string) (*Room, string) {
	target, errKind := h.resolveJoinTarget(roomID)
	if errKind != "" {
		return nil, errKind
	}
	if target.ID == user.InRoomID() {
		return target, ""
	}

	hosted := user.HostedRoomID()
	current := user.InRoomID()

	switch {
	case hosted == target.ID:
		// Host returning to their own room through join_room rather than
		// return_to_room: leave wherever they were visiting, then clear
		// the visiting flag the same way ReturnToRoom does.
		if current != "" && current != target.ID {
			if currentRoom, ok := h.registry.getRoom(current); ok {
				h.leaveCurrentRoom(ctx, user, currentRoom)
			}
		}
		target.setVisiting(false)
	case hosted != "":
		if hostedRoom, ok := h.registry.getRoom(hosted); ok {
			hostedRoom.setVisiting(true)
			hostedRoom.removeMember(user.ID)
			h.broadcastMemberChange(hostedRoom, OutUserLeft, hostedRoom.systemMessage(user.Name()+" stepped away"))
			h.refreshPublicListingIfPublic(hostedRoom)
		}
	case current != "" && current != target.ID:
		if currentRoom, ok := h.registry.getRoom(current); ok {
			h.leaveCurrentRoom(ctx, user, currentRoom)
		}
	}

	target.addMember(user)
	user.setInRoomID(target.ID)

	sysMsg := target.systemMessage(user.Name() + " joined the stage")
	target.appendChat(sysMsg)
	target.broadcast(RecipientAll, out(OutUserJoined, map[string]any{
		"members": target.memberListLocked0(),
		"message": sysMsg,
	}), user.ID)

	h.broadcastPublicRooms()
	h.notifyHostedRoomUpdate(target)
	return target, ""
}

// memberListLocked0 is a lock-acquiring convenience wrapper used from
// outside room.go where the caller does not already hold r.mu.
func (r *Room) memberListLocked0() []memberSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberListLocked()
}

// ReturnToRoom implements return_to_room: only valid if a hosted room
// exists.
func (h *Hub) ReturnToRoom(ctx context.Context, user *User) (*Room, bool) {
	hostedID := user.HostedRoomID()
	if hostedID == "" {
		return nil, false
	}
	room, ok := h.registry.getRoom(hostedID)
	if !ok {
		return nil, false
	}

	if visiting := user.InRoomID(); visiting != "" && visiting != hostedID {
		if visitedRoom, ok := h.registry.getRoom(visiting); ok {
			h.visitedLeave(visitedRoom, user)
		}
	}

	room.setVisiting(false)
	room.addMember(user)
	user.setInRoomID(hostedID)
	return room, true
}

// GoToMenu implements go_to_menu: detach the host from their own
// visualizer without destroying the room.
func (h *Hub) GoToMenu(ctx context.Context, user *User) (*Room, bool) {
	hostedID := user.HostedRoomID()
	if hostedID == "" {
		return nil, false
	}
	room, ok := h.registry.getRoom(hostedID)
	if !ok {
		return nil, false
	}

	if visiting := user.InRoomID(); visiting != "" && visiting != hostedID {
		if visitedRoom, ok := h.registry.getRoom(visiting); ok {
			h.leaveCurrentRoom(ctx, user, visitedRoom)
		}
	}

	room.setVisiting(true)
	room.removeMember(user.ID)
	user.setInRoomID("")
	h.refreshPublicListingIfPublic(room)
	return room, true
}

// EndRoom implements the host-only explicit end_room.
func (h *Hub) EndRoom(ctx context.Context, user *User) bool {
	hostedID := user.HostedRoomID()
	if hostedID == "" {
		return false
	}
	room, ok := h.registry.getRoom(hostedID)
	if !ok {
		return false
	}
	h.destroyRoom(ctx, room, "The host ended the stage")
	user.setHostedRoomID("")
	user.setInRoomID("")
	return true
}

// LeaveOutcome reports which of the three leave_room sub-paths ran, so the
// dispatcher knows what confirmation (if any) to send the leaver.
type LeaveOutcome int

const (
	LeaveNone LeaveOutcome = iota
	LeaveDestroyedHosted
	LeaveReturnedToHosted
	LeavePlain
)

// LeaveRoom implements the generic leave_room dispatch: destroy if the
// leaver is hosting, return-to-hosted if they have one elsewhere, else a
// plain visited-leave.
func (h *Hub) LeaveRoom(ctx context.Context, user *User) LeaveOutcome {
	current := user.InRoomID()
	if current == "" {
		return LeaveNone
	}
	hosted := user.HostedRoomID()

	if current == hosted {
		h.destroyRoom(ctx, h.mustGetRoom(current), "The host ended the stage")
		user.setHostedRoomID("")
		user.setInRoomID("")
		return LeaveDestroyedHosted
	}
	if hosted != "" {
		h.ReturnToRoom(ctx, user)
		return LeaveReturnedToHosted
	}
	if room, ok := h.registry.getRoom(current); ok {
		h.leaveCurrentRoom(ctx, user, room)
	}
	return LeavePlain
}

func (h *Hub) mustGetRoom(id string) *Room {
	room, _ := h.registry.getRoom(id)
	return room
}

// leaveCurrentRoom is the generic member-leave/host-departure protocol for
// a user's inRoomId: destroy if they are the host, otherwise a plain
// visited-leave.
func (h *Hub) leaveCurrentRoom(ctx context.Context, user *User, room *Room) {
	if requireHost(room, user.ID) {
		h.destroyRoom(ctx, room, "The host ended the stage")
		user.setHostedRoomID("")
		user.setInRoomID("")
		return
	}
	h.visitedLeave(room, user)
	user.setInRoomID("")
}

// visitedLeave is the protocol for a user leaving a room they do not host:
// remove from members, announce departure, refresh public listing. Never
// destroys the room.
func (h *Hub) visitedLeave(room *Room, user *User) {
	room.removeMember(user.ID)
	msg := room.systemMessage(user.Name() + " left the stage")
	room.appendChat(msg)
	h.broadcastMemberChange(room, OutUserLeft, msg)
	h.refreshPublicListingIfPublic(room)
	h.notifyHostedRoomUpdate(room)
}

func (h *Hub) broadcastMemberChange(room *Room, typ string, msg ChatMessage) {
	room.broadcastAll(out(typ, map[string]any{
		"members": room.memberListLocked0(),
		"message": msg,
	}))
}

func (h *Hub) refreshPublicListingIfPublic(room *Room) {
	if room.Summary().IsPublic {
		h.broadcastPublicRooms()
	}
}

// notifyHostedRoomUpdate pushes a hosted_room_updated envelope to a room's
// host when that room is in hostVisiting state, so the host's client (which
// may still show a mini-widget for their own room) stays current on
// audience-count/now-playing changes while they are elsewhere.
func (h *Hub) notifyHostedRoomUpdate(room *Room) {
	summary := room.Summary()
	if !summary.HostVisiting {
		return
	}
	if host, ok := h.registry.getUser(summary.HostID); ok {
		sendTo(host, out(OutHostedRoomUpdated, map[string]any{
			"hostedRoom": room.hostedSummary(),
		}))
	}
}

// destroyRoom runs the shared destruction sequence: delete owned uploaded
// media, notify remaining members, remove from the registry, refresh
// listings, and clear each departing member's room state.
func (h *Hub) destroyRoom(ctx context.Context, room *Room, reason string) {
	room.mu.RLock()
	src := room.audioSource
	recipients := room.recipientsLocked()
	room.mu.RUnlock()

	if src != nil && src.Kind == SourceUpload {
		if err := h.blobs.Delete(ctx, src.URL); err != nil {
			logging.Warn(logging.WithRoom(ctx, room.ID), "failed to delete uploaded media on room destruction")
		}
	}

	room.broadcastAll(out(OutRoomClosed, map[string]any{
		"roomId": room.ID,
		"reason": reason,
	}))

	for _, u := range recipients {
		if u.InRoomID() == room.ID {
			u.setInRoomID("")
		}
	}

	h.registry.removeRoom(room.ID)
	h.broadcastPublicRooms()
}

// HandleDisconnect runs the full cleanup sequence when a connection closes,
// gracefully or abruptly: visited-leave if applicable,
// destroy if hosting (after the cleanup grace period), member-leave
// otherwise, then deregister the user.
func (h *Hub) HandleDisconnect(ctx context.Context, user *User) {
	hosted := user.HostedRoomID()
	visiting := user.InRoomID()

	if visiting != "" && visiting != hosted {
		if room, ok := h.registry.getRoom(visiting); ok {
			h.visitedLeave(room, user)
		}
	}

	if hosted != "" {
		h.scheduleHostedRoomCleanup(hosted, user.ID)
	}

	h.unregister(user)
}

// scheduleHostedRoomCleanup gives a disconnected host's room a grace period
// to reconnect before destruction. There is no reconnect identity in this
// protocol (ephemeral, unauthenticated IDs), so the timer always fires; it
// exists to absorb a brief network blip before the room is torn down.
func (h *Hub) scheduleHostedRoomCleanup(roomID, hostID string) {
	h.cleanupMu.Lock()
	defer h.cleanupMu.Unlock()

	if existing, ok := h.pendingCleanups[roomID]; ok {
		existing.Stop()
	}

	if h.cleanupGracePeriod <= 0 {
		h.finalizeHostedRoomCleanup(roomID)
		return
	}

	h.pendingCleanups[roomID] = time.AfterFunc(h.cleanupGracePeriod, func() {
		h.finalizeHostedRoomCleanup(roomID)
	})
}

func (h *Hub) finalizeHostedRoomCleanup(roomID string) {
	h.cleanupMu.Lock()
	delete(h.pendingCleanups, roomID)
	h.cleanupMu.Unlock()

	room, ok := h.registry.getRoom(roomID)
	if !ok {
		return
	}
	h.destroyRoom(context.Background(), room, "The host has left the stage")
}
