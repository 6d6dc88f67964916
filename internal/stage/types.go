// Package stage implements the Stage coordination server: rooms, one host
// per room driving synchronized playback/visualizer state for an audience,
// a priority song queue with background pre-fetch, chat, and suggestions.
//
// Cyclic references (room <-> user) are resolved the way the design notes
// require: a Room's ownership-critical fields (HostID, QueueItem.AddedBy)
// hold only IDs, and the member set holds non-owning *User pointers used
// purely for message delivery. A User is torn down only after it has been
// removed from every Room it appeared in.
package stage

import (
	"sync"
	"time"
)

// AudioSource is the concrete media audience members fetch, set by the host
// via set_audio_source.
type AudioSource struct {
	Kind  string `json:"kind"` // "upload" | "remote"
	URL   string `json:"url"`
	Title string `json:"title"`
}

// SyncSnapshot is the sync heartbeat's last known value, replayed verbatim
// to late joiners.
type SyncSnapshot struct {
	CurrentTime   float64 `json:"currentTime"`
	IsPlaying     bool    `json:"isPlaying"`
	PlaybackSpeed float64 `json:"playbackSpeed"`
	Timestamp     float64 `json:"timestamp"`
}

// ChatMessage is one entry in a room's bounded chat history.
type ChatMessage struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Username  string  `json:"username"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
	IsHost    bool    `json:"isHost"`
	IsSystem  bool    `json:"isSystem"`
}

// Queue item status values.
const (
	QueueStatusPending   = "pending"
	QueueStatusAnalyzing = "analyzing"
	QueueStatusReady     = "ready"
	QueueStatusPlaying   = "playing"
	QueueStatusPlayed    = "played"
)

// Download status values, tracking the priority-queue pre-fetcher.
const (
	DownloadStatusPending     = "pending"
	DownloadStatusDownloading = "downloading"
	DownloadStatusReady       = "ready"
	DownloadStatusFailed      = "failed"
)

// Source kinds shared by QueueItem, Suggestion, and AudioSource.
const (
	SourceUpload = "upload"
	SourceRemote = "remote"
)

// QueueItem is one entry in a room's song queue.
type QueueItem struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Source         string `json:"source"`
	URL            string `json:"url"`
	AddedBy        string `json:"addedBy"`
	AddedByName    string `json:"addedByName"`
	Status         string `json:"status"`
	AIParams       any    `json:"aiParams"`
	RemoteURL      string `json:"remoteUrl,omitempty"`
	DownloadStatus string `json:"downloadStatus"`
}

// Suggestion status values.
const (
	SuggestionPending  = "pending"
	SuggestionApproved = "approved"
	SuggestionRejected = "rejected"
)

// Suggestion is an audience-submitted candidate queue item awaiting host
// approval.
type Suggestion struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Source    string  `json:"source"`
	URL       string  `json:"url"`
	UserID    string  `json:"userId"`
	Username  string  `json:"username"`
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

// User is the per-connection record: one per live WebSocket, holding the
// outbound channel alongside identity and room membership state.
type User struct {
	ID   string
	conn wsConnection
	send chan []byte

	mu           sync.RWMutex
	name         string
	inRoomID     string
	hostedRoomID string
}

func newUser(id string, conn wsConnection) *User {
	return &User{
		ID:   id,
		conn: conn,
		send: make(chan []byte, 64),
	}
}

func (u *User) Name() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.name
}

func (u *User) setName(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.name = name
}

func (u *User) InRoomID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.inRoomID
}

func (u *User) setInRoomID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inRoomID = id
}

func (u *User) HostedRoomID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.hostedRoomID
}

func (u *User) setHostedRoomID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hostedRoomID = id
}

// enqueue enqueues a pre-marshaled envelope, dropping it if the outbound
// buffer is full rather than blocking the caller. Per-recipient transport
// failures are swallowed by design: the connection's own read
// loop is responsible for noticing and cleaning up.
func (u *User) enqueue(raw []byte) {
	select {
	case u.send <- raw:
	default:
	}
}

// Room is a live Stage: one host, zero or more audience members, chat
// history, audio/visualizer sync state, and a song queue.
type Room struct {
	ID   string
	mu   sync.RWMutex
	name string

	hostID   string
	hostName string

	isPublic     bool
	nowPlaying   any
	audioSource  *AudioSource
	aiParams     any
	lastSync     *SyncSnapshot
	hostVisState any
	hostVisiting bool

	members map[string]*User
	messages []ChatMessage
	queue    []*QueueItem
	suggestions []*Suggestion

	createdAt float64
}

const (
	maxChatHistory      = 200
	chatHistoryTruncate = 100
	maxRecentChats      = 50
	priorityRegionSize  = 3
)

func newRoom(id, name, hostID, hostName string, now time.Time) *Room {
	return &Room{
		ID:        id,
		name:      name,
		hostID:    hostID,
		hostName:  hostName,
		members:   make(map[string]*User),
		messages:  nil,
		queue:     nil,
		suggestions: nil,
		createdAt: float64(now.UnixNano()) / 1e9,
	}
}
