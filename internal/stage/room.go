package stage

import (
	"time"

	"github.com/crptk/audiolyze/internal/ids"
	"github.com/crptk/audiolyze/internal/metrics"
)

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// audienceCountLocked computes |members| - (0 if visiting else 1), floored
// at 0 — the host never counts as audience: while they are away visiting
// another room they are not in the member set, so nothing is subtracted.
// Caller must hold r.mu.
func (r *Room) audienceCountLocked() int {
	n := len(r.members)
	if !r.hostVisiting {
		n--
	}
	if n < 0 {
		n = 0
	}
	return n
}

func (r *Room) memberListLocked() []memberSummary {
	out := make([]memberSummary, 0, len(r.members))
	for id, u := range r.members {
		out = append(out, memberSummary{ID: id, Name: u.Name(), IsHost: id == r.hostID})
	}
	return out
}

func (r *Room) summaryLocked() roomSummary {
	return roomSummary{
		ID:            r.ID,
		Name:          r.name,
		HostID:        r.hostID,
		HostName:      r.hostName,
		IsPublic:      r.isPublic,
		NowPlaying:    r.nowPlaying,
		HostVisiting:  r.hostVisiting,
		AudienceCount: r.audienceCountLocked(),
		Members:       r.memberListLocked(),
	}
}

// Summary returns the lightweight room view used for membership broadcasts.
func (r *Room) Summary() roomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summaryLocked()
}

// Full returns the complete snapshot sent to a joiner or returning host,
// including up to the 50 most recent chat messages.
func (r *Room) Full() roomFull {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages
	if len(msgs) > maxRecentChats {
		msgs = msgs[len(msgs)-maxRecentChats:]
	}
	msgsCopy := make([]ChatMessage, len(msgs))
	copy(msgsCopy, msgs)

	return roomFull{
		roomSummary:         r.summaryLocked(),
		AudioSource:         r.audioSource,
		AIParams:            r.aiParams,
		LastSync:            r.lastSync,
		HostVisualizerState: r.hostVisState,
		Queue:               append([]*QueueItem(nil), r.queue...),
		Suggestions:         append([]*Suggestion(nil), r.suggestions...),
		Messages:            msgsCopy,
	}
}

func (r *Room) publicSummary() (publicRoomSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.isPublic {
		return publicRoomSummary{}, false
	}
	return publicRoomSummary{
		ID:            r.ID,
		Name:          r.name,
		HostName:      r.hostName,
		NowPlaying:    r.nowPlaying,
		AudienceCount: r.audienceCountLocked(),
	}, true
}

func (r *Room) hostedSummary() hostedRoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return hostedRoomSummary{
		ID:            r.ID,
		Name:          r.name,
		NowPlaying:    r.nowPlaying,
		AudienceCount: r.audienceCountLocked(),
	}
}

func (r *Room) isHostLocked(userID string) bool {
	return userID == r.hostID
}

// IsHost reports whether userID is this room's host.
func (r *Room) IsHost(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isHostLocked(userID)
}

func (r *Room) setMembersMetric() {
	r.mu.RLock()
	n := len(r.members)
	id := r.ID
	r.mu.RUnlock()
	metrics.RoomMembers.WithLabelValues(id).Set(float64(n))
}

// addMember adds u to the room's member set. Caller holds no lock.
func (r *Room) addMember(u *User) {
	r.mu.Lock()
	r.members[u.ID] = u
	r.mu.Unlock()
	r.setMembersMetric()
}

// removeMember removes u from the room's member set and reports whether the
// room is now empty of members.
func (r *Room) removeMember(userID string) (empty bool) {
	r.mu.Lock()
	delete(r.members, userID)
	empty = len(r.members) == 0
	r.mu.Unlock()
	r.setMembersMetric()
	return empty
}

func (r *Room) memberIDsLocked() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// recipientsLocked returns a snapshot of the member Users currently
// registered to receive events for this room. Caller holds r.mu; the actual
// sends happen outside it.
func (r *Room) recipientsLocked() []*User {
	out := make([]*User, 0, len(r.members))
	for _, u := range r.members {
		out = append(out, u)
	}
	return out
}

func (r *Room) setVisiting(v bool) {
	r.mu.Lock()
	r.hostVisiting = v
	r.mu.Unlock()
}

func (r *Room) setPublic(v bool) {
	r.mu.Lock()
	r.isPublic = v
	r.mu.Unlock()
}

func (r *Room) setName(name string) {
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
}

func (r *Room) setNowPlaying(v any) {
	r.mu.Lock()
	r.nowPlaying = v
	r.mu.Unlock()
}

func (r *Room) setAudioSource(src *AudioSource, aiParams any) {
	r.mu.Lock()
	r.audioSource = src
	r.aiParams = aiParams
	r.lastSync = &SyncSnapshot{Timestamp: now()}
	r.hostVisState = nil
	r.mu.Unlock()
}

func (r *Room) setSync(snap *SyncSnapshot) {
	r.mu.Lock()
	r.lastSync = snap
	r.mu.Unlock()
}

// applyHostAction updates the slice of lastSync or hostVisualizerState a
// given host-action tag targets, so late joiners reconstruct consistent
// state. Visualizer-state actions are additive overlays keyed by name.
func (r *Room) applyHostAction(action string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch action {
	case "play_pause", "seek", "speed_change":
		if r.lastSync == nil {
			r.lastSync = &SyncSnapshot{}
		}
		r.lastSync.Timestamp = now()
		m, _ := payload.(map[string]any)
		if v, ok := m["currentTime"].(float64); ok {
			r.lastSync.CurrentTime = v
		}
		if v, ok := m["isPlaying"].(bool); ok {
			r.lastSync.IsPlaying = v
		}
		if v, ok := m["playbackSpeed"].(float64); ok {
			r.lastSync.PlaybackSpeed = v
		}
	case "shape_change", "environment_change", "eq_change", "anaglyph_toggle":
		state, _ := r.hostVisState.(map[string]any)
		if state == nil {
			state = make(map[string]any)
		}
		state[action] = payload
		r.hostVisState = state
	}
}

// appendChat appends a message, enforcing the 200/100 cap invariant.
func (r *Room) appendChat(msg ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if len(r.messages) > maxChatHistory {
		r.messages = append([]ChatMessage(nil), r.messages[len(r.messages)-chatHistoryTruncate:]...)
	}
}

func (r *Room) systemMessage(text string) ChatMessage {
	return ChatMessage{
		ID:        ids.New(),
		UserID:    "",
		Username:  "",
		Text:      text,
		Timestamp: now(),
		IsHost:    false,
		IsSystem:  true,
	}
}
