package stage

import (
	"context"
	"time"

	"github.com/crptk/audiolyze/internal/collab"
	"github.com/crptk/audiolyze/internal/ids"
	"github.com/crptk/audiolyze/internal/logging"
	"github.com/crptk/audiolyze/internal/metrics"
)

// messageLimiter is the subset of ratelimit.Limiter the dispatcher needs to
// throttle per-room chat/suggestion traffic. Kept as a narrow interface here
// (rather than importing ratelimit directly) so stage has no dependency on
// the HTTP-edge rate limiter package.
type messageLimiter interface {
	CheckMessage(ctx context.Context, roomID string) bool
}

// resolver is the subset of collab.Client the dispatcher needs to backfill a
// missing title on a remote queue/suggestion/audio-source entry.
type resolver interface {
	ResolveInfo(ctx context.Context, url string) (*collab.TrackInfo, *collab.PlaylistInfo, error)
}

// Dispatcher parses inbound envelopes, authorizes by role, mutates Room/User
// state through the Hub, and emits outbound messages. One Dispatcher is
// shared across all connections; per-connection sequencing is the
// responsibility of readPump, not this type.
type Dispatcher struct {
	hub     *Hub
	limiter messageLimiter
	resolve resolver
}

// NewDispatcher builds a Dispatcher bound to hub. limiter may be nil, in
// which case chat/suggestion traffic is never throttled; resolve may be nil,
// in which case a remote item with no client-supplied title simply keeps
// whatever (possibly empty) title it arrived with.
func NewDispatcher(hub *Hub, limiter messageLimiter, resolve resolver) *Dispatcher {
	return &Dispatcher{hub: hub, limiter: limiter, resolve: resolve}
}

// resolveTitle backfills title for a remote item that arrived without one
// by asking the collaborator to resolve it, mirroring the title sniff
// already done for local uploads. Local uploads already carry a
// tag-sniffed title before this is ever called, and non-remote sources have
// no collaborator to ask, so both are passed through untouched.
func (d *Dispatcher) resolveTitle(ctx context.Context, source, url, title string) string {
	if title != "" || source != SourceRemote || d.resolve == nil || url == "" {
		return title
	}
	track, _, err := d.resolve.ResolveInfo(ctx, url)
	if err != nil || track == nil || track.Title == "" {
		return title
	}
	return track.Title
}

// Handle processes one inbound envelope for user. Unknown types are ignored
// silently, per the forward-compatibility policy.
func (d *Dispatcher) Handle(ctx context.Context, user *User, env envelope) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.DispatcherEvents.WithLabelValues(env.Type, status).Inc()
		metrics.DispatcherDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}()

	switch env.Type {
	case TypeSetUsername:
		d.setUsername(ctx, user, env)
	case TypeCreateRoom:
		d.createRoom(ctx, user, env)
	case TypeJoinRoom:
		d.joinRoom(ctx, user, env)
	case TypeReturnToRoom:
		d.returnToRoom(ctx, user)
	case TypeEndRoom:
		d.endRoom(ctx, user)
	case TypeGoToMenu:
		d.goToMenu(ctx, user)
	case TypeLeaveRoom:
		d.leaveRoom(ctx, user)
	case TypeTogglePublic:
		d.togglePublic(ctx, user)
	case TypeRenameRoom:
		d.renameRoom(ctx, user, env)
	case TypeUpdateNowPlaying:
		d.updateNowPlaying(ctx, user, env)
	case TypeSetAudioSource:
		d.setAudioSource(ctx, user, env)
	case TypeSyncState:
		d.syncState(ctx, user, env)
	case TypeHostAction:
		d.hostAction(ctx, user, env)
	case TypeChatMessage:
		d.chatMessage(ctx, user, env)
	case TypeQueueAdd:
		d.queueAdd(ctx, user, env)
	case TypeQueueRemove:
		d.queueRemove(ctx, user, env)
	case TypeQueueReorder:
		d.queueReorder(ctx, user, env)
	case TypeQueueUpdateItem:
		d.queueUpdateItem(ctx, user, env)
	case TypeQueueAdvance:
		d.queueAdvance(ctx, user, env)
	case TypeSuggestSong:
		d.suggestSong(ctx, user, env)
	case TypeRespondSuggestion:
		d.respondSuggestion(ctx, user, env)
	default:
		status = "ignored"
		logging.Debug(ctx, "ignoring unknown envelope type")
	}
}

func (d *Dispatcher) currentRoom(user *User) (*Room, bool) {
	id := user.InRoomID()
	if id == "" {
		return nil, false
	}
	return d.hub.registry.getRoom(id)
}

func (d *Dispatcher) hostedRoom(user *User) (*Room, bool) {
	id := user.HostedRoomID()
	if id == "" {
		return nil, false
	}
	return d.hub.registry.getRoom(id)
}

func (d *Dispatcher) setUsername(ctx context.Context, user *User, env envelope) {
	name := clamp(env.Username, maxUsernameLen)
	user.setName(name)
	if room, ok := d.currentRoom(user); ok {
		room.broadcastAll(out(OutUserRenamed, map[string]any{
			"userId":  user.ID,
			"name":    name,
			"members": room.memberListLocked0(),
		}))
	}
	sendTo(user, out(OutUsernameSet, map[string]any{"username": name}))
}

func (d *Dispatcher) createRoom(ctx context.Context, user *User, env envelope) {
	room := d.hub.CreateRoom(ctx, user, env.RoomName)
	sendTo(user, out(OutRoomCreated, map[string]any{
		"room": room.Full(),
	}))
}

func (d *Dispatcher) joinRoom(ctx context.Context, user *User, env envelope) {
	room, errKind := d.hub.JoinRoom(ctx, user, env.RoomID)
	if errKind != "" {
		sendTo(user, errorEnvelope(errKind, "cannot join room"))
		return
	}
	full := room.Full()
	payload := map[string]any{"room": full}
	if hostedID := user.HostedRoomID(); hostedID != "" && hostedID != room.ID {
		if hostedRoom, ok := d.hub.registry.getRoom(hostedID); ok {
			payload["hostedRoom"] = hostedRoom.hostedSummary()
		}
	}
	sendTo(user, out(OutRoomJoined, payload))
}

func (d *Dispatcher) returnToRoom(ctx context.Context, user *User) {
	room, ok := d.hub.ReturnToRoom(ctx, user)
	if !ok {
		sendTo(user, errorEnvelope(ErrNoHostedRoom, "no hosted room to return to"))
		return
	}
	sendTo(user, out(OutReturnedToRoom, map[string]any{
		"room":             room.Full(),
		"needsAudioReload": true,
	}))
}

func (d *Dispatcher) endRoom(ctx context.Context, user *User) {
	if !requireHostedRoom(d, user) {
		return
	}
	d.hub.EndRoom(ctx, user)
}

func requireHostedRoom(d *Dispatcher, user *User) bool {
	_, ok := d.hostedRoom(user)
	return ok
}

func (d *Dispatcher) goToMenu(ctx context.Context, user *User) {
	room, ok := d.hub.GoToMenu(ctx, user)
	if !ok {
		return
	}
	sendTo(user, out(OutWentToMenu, map[string]any{
		"hostedRoom": room.hostedSummary(),
	}))
}

func (d *Dispatcher) leaveRoom(ctx context.Context, user *User) {
	if d.hub.LeaveRoom(ctx, user) == LeavePlain {
		sendTo(user, out(OutLeftRoom, map[string]any{}))
	}
}

func (d *Dispatcher) togglePublic(ctx context.Context, user *User) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	room.setPublic(!room.Summary().IsPublic)
	room.broadcastAll(out(OutRoomUpdated, map[string]any{"room": room.Summary()}))
	d.hub.broadcastPublicRooms()
}

func (d *Dispatcher) renameRoom(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	room.setName(clamp(env.RoomName, maxRoomNameLen))
	room.broadcastAll(out(OutRoomUpdated, map[string]any{"room": room.Summary()}))
	d.hub.refreshPublicListingIfPublic(room)
}

func (d *Dispatcher) updateNowPlaying(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	room.setNowPlaying(env.NowPlaying)
	room.broadcastAll(out(OutRoomUpdated, map[string]any{"room": room.Summary()}))
	d.hub.refreshPublicListingIfPublic(room)
}

func (d *Dispatcher) setAudioSource(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) || env.AudioSource == nil {
		return
	}
	src := env.AudioSource
	src.Title = d.resolveTitle(ctx, src.Kind, src.URL, src.Title)
	room.setAudioSource(src, env.AIParams)
	room.broadcastAudience(out(OutAudioSource, map[string]any{
		"audioSource": src,
		"aiParams":    env.AIParams,
	}))
}

func (d *Dispatcher) syncState(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	snap := &SyncSnapshot{
		CurrentTime:   env.CurrentTime,
		IsPlaying:     env.IsPlaying,
		PlaybackSpeed: env.PlaybackSpeed,
		Timestamp:     now(),
	}
	room.setSync(snap)
	room.broadcastAudience(out(OutSyncState, map[string]any{
		"currentTime":   snap.CurrentTime,
		"isPlaying":     snap.IsPlaying,
		"playbackSpeed": snap.PlaybackSpeed,
		"timestamp":     snap.Timestamp,
	}))
}

func (d *Dispatcher) hostAction(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) || env.Action == "" {
		return
	}
	room.applyHostAction(env.Action, env.Payload)
	room.broadcastAudience(out(OutHostAction, map[string]any{
		"action":  env.Action,
		"payload": env.Payload,
	}))
}

// rateLimited reports whether roomID is currently over its per-room message
// budget. A nil limiter (tests, or a deployment with rate limiting disabled)
// never throttles.
func (d *Dispatcher) rateLimited(ctx context.Context, roomID string) bool {
	return d.limiter != nil && !d.limiter.CheckMessage(ctx, roomID)
}

func (d *Dispatcher) chatMessage(ctx context.Context, user *User, env envelope) {
	room, ok := d.currentRoom(user)
	if !ok || d.rateLimited(ctx, room.ID) {
		return
	}
	text := clamp(env.Text, maxChatLen)
	if text == "" {
		return
	}
	msg := ChatMessage{
		ID:        ids.New(),
		UserID:    user.ID,
		Username:  user.Name(),
		Text:      text,
		Timestamp: now(),
		IsHost:    requireHost(room, user.ID),
	}
	room.appendChat(msg)
	room.broadcastAll(out(OutChatMessage, map[string]any{"message": msg}))
}

func (d *Dispatcher) queueAdd(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	title := d.resolveTitle(ctx, env.Source, env.URL, env.Title)
	item := &QueueItem{
		ID:             ids.New(),
		Title:          clamp(title, maxQueueTitle),
		Source:         env.Source,
		URL:            env.URL,
		AddedBy:        user.ID,
		AddedByName:    user.Name(),
		Status:         QueueStatusPending,
		RemoteURL:      env.URL,
		DownloadStatus: DownloadStatusPending,
	}
	if item.Source != SourceRemote {
		item.DownloadStatus = DownloadStatusReady
	}
	room.addQueueItem(item)
	d.broadcastQueueAndPrefetch(room)
}

func (d *Dispatcher) queueRemove(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	room.removeQueueItem(env.ItemID)
	d.broadcastQueueAndPrefetch(room)
}

func (d *Dispatcher) queueReorder(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	room.reorderQueue(env.OrderedIDs)
	d.broadcastQueueAndPrefetch(room)
}

func (d *Dispatcher) queueUpdateItem(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	room.updateQueueItem(env.ItemID, env.Status, env.AIParams, env.Status != "", env.AIParams != nil)
	d.broadcastQueueAndPrefetch(room)
}

func (d *Dispatcher) queueAdvance(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	promoted := room.advanceQueue()
	if promoted != nil {
		room.broadcastAll(out(OutQueuePlayNext, map[string]any{"item": promoted}))
	}
	d.broadcastQueueAndPrefetch(room)
}

func (d *Dispatcher) broadcastQueueAndPrefetch(room *Room) {
	queue, suggestions := room.queueSnapshot()
	d.hub.broadcastQueueUpdate(room, queue, suggestions)
	if d.hub.prefetch != nil {
		d.hub.prefetch.Trigger(room.ID)
	}
}

func (d *Dispatcher) suggestSong(ctx context.Context, user *User, env envelope) {
	room, ok := d.currentRoom(user)
	if !ok || requireHost(room, user.ID) || d.rateLimited(ctx, room.ID) {
		return
	}
	if room.hasPendingSuggestion(user.ID) {
		sendTo(user, errorEnvelope(ErrAlreadySuggest, "you already have a pending suggestion"))
		return
	}
	title := d.resolveTitle(ctx, env.Source, env.URL, env.Title)
	sug := &Suggestion{
		ID:        ids.New(),
		Title:     clamp(title, maxQueueTitle),
		Source:    env.Source,
		URL:       env.URL,
		UserID:    user.ID,
		Username:  user.Name(),
		Status:    SuggestionPending,
		Timestamp: now(),
	}
	room.addSuggestion(sug)

	if host, ok := d.hub.registry.getUser(room.hostIDSnapshot()); ok {
		sendTo(host, out(OutNewSuggestion, map[string]any{"suggestion": sug}))
	}
	sendTo(user, out(OutSuggestionSent, map[string]any{"suggestion": sug}))
}

func (d *Dispatcher) respondSuggestion(ctx context.Context, user *User, env envelope) {
	room, ok := d.hostedRoom(user)
	if !ok || !requireHost(room, user.ID) {
		return
	}
	status := SuggestionRejected
	if env.Approve {
		status = SuggestionApproved
	}
	sug, ok := room.resolveSuggestion(env.SuggestionID, status)
	if !ok {
		return
	}

	if env.Approve {
		item := &QueueItem{
			ID:             ids.New(),
			Title:          sug.Title,
			Source:         sug.Source,
			URL:            sug.URL,
			AddedBy:        sug.UserID,
			AddedByName:    sug.Username,
			Status:         QueueStatusPending,
			RemoteURL:      sug.URL,
			DownloadStatus: DownloadStatusPending,
		}
		if item.Source != SourceRemote {
			item.DownloadStatus = DownloadStatusReady
		}
		room.addQueueItem(item)
	}

	if suggester, ok := d.hub.registry.getUser(sug.UserID); ok {
		sendTo(suggester, out(OutSuggestionResponse, map[string]any{
			"suggestionId": sug.ID,
			"approved":     env.Approve,
		}))
	}
	d.broadcastQueueAndPrefetch(room)
}
