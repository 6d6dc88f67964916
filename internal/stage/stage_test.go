package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() (*Hub, *Dispatcher) {
	reg := NewRegistry()
	hub := NewHub(reg, nil, 0)
	return hub, NewDispatcher(hub, nil, nil)
}

// S1 — host/audience join with catch-up.
func TestScenario_JoinWithCatchup(t *testing.T) {
	hub, d := newTestHub()
	ctx := context.Background()

	a := newTestUser(hub, "A")
	d.Handle(ctx, a, envelope{Type: TypeCreateRoom, RoomName: "Party"})
	room := hub.mustGetRoom(a.HostedRoomID())

	d.Handle(ctx, a, envelope{Type: TypeTogglePublic})
	d.Handle(ctx, a, envelope{Type: TypeSetAudioSource, AudioSource: &AudioSource{Kind: SourceRemote, URL: "https://ex/t", Title: "Track"}})
	d.Handle(ctx, a, envelope{Type: TypeSyncState, CurrentTime: 42.0, IsPlaying: true, PlaybackSpeed: 1.0})

	b := newTestUser(hub, "B")
	d.Handle(ctx, b, envelope{Type: TypeJoinRoom, RoomID: room.ID})
	drain(b)

	msg := b.conn.(*fakeConn).last()
	require.NotNil(t, msg)
	assert.Equal(t, OutRoomJoined, msg["type"])
	roomField := msg["room"].(map[string]any)
	audioSource := roomField["audioSource"].(map[string]any)
	assert.Equal(t, "https://ex/t", audioSource["url"])
	lastSync := roomField["lastSync"].(map[string]any)
	assert.Equal(t, 42.0, lastSync["currentTime"])
	assert.Equal(t, true, lastSync["isPlaying"])
}

// S2 — host visit preserves room.
func TestScenario_HostVisitPreservesRoom(t *testing.T) {
	hub, d := newTestHub()
	ctx := context.Background()

	a := newTestUser(hub, "A")
	d.Handle(ctx, a, envelope{Type: TypeCreateRoom, RoomName: "r1"})
	r1 := hub.mustGetRoom(a.HostedRoomID())
	d.Handle(ctx, a, envelope{Type: TypeTogglePublic})

	c := newTestUser(hub, "C")
	d.Handle(ctx, c, envelope{Type: TypeJoinRoom, RoomID: r1.ID})

	b := newTestUser(hub, "B")
	d.Handle(ctx, b, envelope{Type: TypeCreateRoom, RoomName: "r2"})
	r2 := hub.mustGetRoom(b.HostedRoomID())
	d.Handle(ctx, b, envelope{Type: TypeTogglePublic})

	d.Handle(ctx, a, envelope{Type: TypeJoinRoom, RoomID: r2.ID})
	drain(a)

	summary := r1.Summary()
	assert.True(t, summary.HostVisiting)
	assert.Equal(t, 1, summary.AudienceCount)

	msg := a.conn.(*fakeConn).last()
	require.Equal(t, OutRoomJoined, msg["type"])
	assert.Contains(t, msg, "hostedRoom")
}

// S3 — queue advance.
func TestScenario_QueueAdvance(t *testing.T) {
	room := newRoom("r1", "room", "host", "Host", time.Now())
	room.queue = []*QueueItem{
		{ID: "X", Status: QueueStatusPlaying},
		{ID: "Y", Status: QueueStatusReady},
		{ID: "Z", Status: QueueStatusPending},
	}

	promoted := room.advanceQueue()
	require.NotNil(t, promoted)
	assert.Equal(t, "Y", promoted.ID)
	assert.Equal(t, QueueStatusPlayed, room.queue[0].Status)
	assert.Equal(t, QueueStatusPlaying, room.queue[1].Status)
	assert.Equal(t, QueueStatusPending, room.queue[2].Status)
}

// S4 — reorder respects the priority region.
func TestScenario_ReorderRespectsPriority(t *testing.T) {
	room := newRoom("r1", "room", "host", "Host", time.Now())
	room.queue = []*QueueItem{
		{ID: "A", Status: QueueStatusPlaying},
		{ID: "B", Status: QueueStatusReady},
		{ID: "C", Status: QueueStatusReady},
		{ID: "D", Status: QueueStatusPending},
		{ID: "E", Status: QueueStatusPending},
		{ID: "F", Status: QueueStatusPending},
	}

	room.reorderQueue([]string{"F", "D", "E"})

	ids := make([]string, len(room.queue))
	for i, it := range room.queue {
		ids[i] = it.ID
	}
	assert.Equal(t, []string{"A", "B", "C", "F", "D", "E"}, ids)
}

// S5 — suggestion approval appends a queue item and notifies both sides.
func TestScenario_SuggestionApproval(t *testing.T) {
	hub, d := newTestHub()
	ctx := context.Background()

	host := newTestUser(hub, "Host")
	d.Handle(ctx, host, envelope{Type: TypeCreateRoom, RoomName: "r1"})
	room := hub.mustGetRoom(host.HostedRoomID())
	d.Handle(ctx, host, envelope{Type: TypeTogglePublic})

	u := newTestUser(hub, "U")
	d.Handle(ctx, u, envelope{Type: TypeJoinRoom, RoomID: room.ID})
	drain(host)

	d.Handle(ctx, u, envelope{Type: TypeSuggestSong, Title: "Song", Source: SourceRemote, URL: "https://ex/s"})
	drain(host)
	hostMsg := host.conn.(*fakeConn).last()
	require.Equal(t, OutNewSuggestion, hostMsg["type"])
	sug := hostMsg["suggestion"].(map[string]any)
	sugID := sug["id"].(string)

	d.Handle(ctx, host, envelope{Type: TypeRespondSuggestion, SuggestionID: sugID, Approve: true})
	drain(u)

	// The suggester gets suggestion_response, then the room-wide queue_update.
	assert.Equal(t, OutQueueUpdate, u.conn.(*fakeConn).last()["type"])
	uMsg := u.conn.(*fakeConn).lastOfType(OutSuggestionResponse)
	require.Equal(t, OutSuggestionResponse, uMsg["type"])
	assert.Equal(t, true, uMsg["approved"])

	queue, _ := room.queueSnapshot()
	require.Len(t, queue, 1)
	assert.Equal(t, "Song", queue[0].Title)
	assert.Equal(t, "U", queue[0].AddedByName)
}

// S6 — host disconnect destroys the room.
func TestScenario_HostDisconnectDestroysRoom(t *testing.T) {
	hub, d := newTestHub()
	ctx := context.Background()

	host := newTestUser(hub, "A")
	d.Handle(ctx, host, envelope{Type: TypeCreateRoom, RoomName: "r1"})
	room := hub.mustGetRoom(host.HostedRoomID())
	d.Handle(ctx, host, envelope{Type: TypeTogglePublic})

	member := newTestUser(hub, "B")
	d.Handle(ctx, member, envelope{Type: TypeJoinRoom, RoomID: room.ID})

	hub.HandleDisconnect(ctx, host)
	drain(member)

	_, exists := hub.registry.getRoom(room.ID)
	assert.False(t, exists)

	// room_closed is followed by the public_rooms refresh.
	msg := member.conn.(*fakeConn).lastOfType(OutRoomClosed)
	require.Equal(t, OutRoomClosed, msg["type"])

	listing := hub.registry.PublicRooms()
	for _, r := range listing {
		assert.NotEqual(t, room.ID, r.ID)
	}
}

func TestChatHistoryCap(t *testing.T) {
	room := newRoom("r1", "room", "host", "Host", time.Now())
	for i := 0; i < 205; i++ {
		room.appendChat(ChatMessage{ID: string(rune(i))})
	}
	assert.LessOrEqual(t, len(room.messages), maxChatHistory)
}

func TestSuggestion_OnePendingPerUser(t *testing.T) {
	hub, d := newTestHub()
	ctx := context.Background()

	host := newTestUser(hub, "Host")
	d.Handle(ctx, host, envelope{Type: TypeCreateRoom, RoomName: "r1"})
	room := hub.mustGetRoom(host.HostedRoomID())
	d.Handle(ctx, host, envelope{Type: TypeTogglePublic})

	u := newTestUser(hub, "U")
	d.Handle(ctx, u, envelope{Type: TypeJoinRoom, RoomID: room.ID})

	d.Handle(ctx, u, envelope{Type: TypeSuggestSong, Title: "A", Source: SourceRemote, URL: "https://ex/a"})
	drain(u)
	d.Handle(ctx, u, envelope{Type: TypeSuggestSong, Title: "B", Source: SourceRemote, URL: "https://ex/b"})
	drain(u)

	msg := u.conn.(*fakeConn).last()
	assert.Equal(t, OutError, msg["type"])
	assert.Equal(t, ErrAlreadySuggest, msg["kind"])
}
