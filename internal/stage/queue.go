package stage

import (
	"context"
	"time"

	k8sset "k8s.io/utils/set"
	"go.uber.org/zap"

	"github.com/crptk/audiolyze/internal/ids"
	"github.com/crptk/audiolyze/internal/logging"
	"github.com/crptk/audiolyze/internal/metrics"
)

// queueSnapshot returns a deep-enough copy of the queue and suggestions for
// a queue_update broadcast.
func (r *Room) queueSnapshot() ([]*QueueItem, []*Suggestion) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*QueueItem(nil), r.queue...), append([]*Suggestion(nil), r.suggestions...)
}

func (r *Room) setQueueDepthMetric() {
	r.mu.RLock()
	n := len(r.queue)
	id := r.ID
	r.mu.RUnlock()
	metrics.QueueDepth.WithLabelValues(id).Set(float64(n))
}

// addQueueItem appends item to the tail of the queue.
func (r *Room) addQueueItem(item *QueueItem) {
	r.mu.Lock()
	r.queue = append(r.queue, item)
	r.mu.Unlock()
	r.setQueueDepthMetric()
}

// removeQueueItem removes the item with the given ID, unless it is
// currently playing.
func (r *Room) removeQueueItem(itemID string) {
	r.mu.Lock()
	for i, it := range r.queue {
		if it.ID == itemID && it.Status != QueueStatusPlaying {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.setQueueDepthMetric()
}

// priorityRegionEndLocked returns the index one past the priority region:
// the played* prefix plus up to the next three non-played items (a playing
// item counts as one of the three). Caller holds r.mu.
func priorityRegionEndLocked(queue []*QueueItem) int {
	i := 0
	for i < len(queue) && queue[i].Status == QueueStatusPlayed {
		i++
	}
	end := i + priorityRegionSize
	if end > len(queue) {
		end = len(queue)
	}
	return end
}

// reorderQueue applies orderedIDs to the suffix beyond the priority region
// only; unmentioned items keep their relative order, appended to the end.
func (r *Room) reorderQueue(orderedIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	boundary := priorityRegionEndLocked(r.queue)
	head := r.queue[:boundary]
	tail := r.queue[boundary:]

	byID := make(map[string]*QueueItem, len(tail))
	for _, it := range tail {
		byID[it.ID] = it
	}

	wanted := k8sset.New(orderedIDs...)
	newTail := make([]*QueueItem, 0, len(tail))
	for _, id := range orderedIDs {
		if it, ok := byID[id]; ok {
			newTail = append(newTail, it)
		}
	}
	for _, it := range tail {
		if !wanted.Has(it.ID) {
			newTail = append(newTail, it)
		}
	}

	r.queue = append(append([]*QueueItem(nil), head...), newTail...)
}

// updateQueueItem lets the host set status and/or aiParams on one item.
func (r *Room) updateQueueItem(itemID string, status string, aiParams any, hasStatus, hasAIParams bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.queue {
		if it.ID == itemID {
			if hasStatus {
				it.Status = status
			}
			if hasAIParams {
				it.AIParams = aiParams
			}
			return
		}
	}
}

// advanceQueue transitions the current playing item to played and promotes
// the first ready|pending item to playing. Returns the promoted item, if
// any.
func (r *Room) advanceQueue() *QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range r.queue {
		if it.Status == QueueStatusPlaying {
			it.Status = QueueStatusPlayed
			break
		}
	}
	for _, it := range r.queue {
		if it.Status == QueueStatusReady || it.Status == QueueStatusPending {
			it.Status = QueueStatusPlaying
			return it
		}
	}
	return nil
}

// priorityItemsNeedingDownload returns remote queue items now within the
// priority region whose URL is not yet localized and have a resolvable
// remote URL recorded.
func (r *Room) priorityItemsNeedingDownload() []*QueueItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	end := priorityRegionEndLocked(r.queue)
	var out []*QueueItem
	for _, it := range r.queue[:end] {
		if it.Source != SourceRemote {
			continue
		}
		if it.RemoteURL == "" {
			continue
		}
		if it.DownloadStatus == DownloadStatusReady || it.DownloadStatus == DownloadStatusDownloading {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (r *Room) markDownloading(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.queue {
		if it.ID == itemID {
			it.DownloadStatus = DownloadStatusDownloading
			return
		}
	}
}

func (r *Room) markDownloadResult(itemID, localURL string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.queue {
		if it.ID != itemID {
			continue
		}
		if ok {
			it.URL = localURL
			it.DownloadStatus = DownloadStatusReady
		} else {
			it.DownloadStatus = DownloadStatusFailed
		}
		return
	}
}

// downloader is the subset of collab.Client the pre-fetcher needs.
type downloader interface {
	DownloadAudio(ctx context.Context, remoteURL string) (string, error)
}

// downloadCache is the subset of cache.DownloadCache the pre-fetcher needs.
type downloadCache interface {
	Get(ctx context.Context, remoteURL string) (string, bool)
	Put(ctx context.Context, remoteURL, localURL string)
}

// PrefetchManager drives background pre-download of priority-region items.
// Grounded on the source's _predownload_priority_tracks: fire-and-forget,
// bounded by a per-track timeout, results delivered back to the owning
// room's state if the room still exists.
type PrefetchManager struct {
	hub      *Hub
	client   downloader
	cache    downloadCache
	timeout  time.Duration
}

// NewPrefetchManager builds a PrefetchManager.
func NewPrefetchManager(hub *Hub, client downloader, dc downloadCache, timeout time.Duration) *PrefetchManager {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &PrefetchManager{hub: hub, client: client, cache: dc, timeout: timeout}
}

// Trigger schedules a best-effort background pre-download for every
// priority-region item of room that needs one. Safe to call after every
// queue mutation; it is a no-op if nothing qualifies.
func (p *PrefetchManager) Trigger(roomID string) {
	if p == nil || p.client == nil {
		return
	}
	room, ok := p.hub.registry.getRoom(roomID)
	if !ok {
		return
	}
	items := room.priorityItemsNeedingDownload()
	for _, it := range items {
		go p.fetchOne(roomID, it.ID, it.RemoteURL)
	}
}

func (p *PrefetchManager) fetchOne(roomID, itemID, remoteURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	status := "success"
	defer func() {
		metrics.PredownloadDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	room, ok := p.hub.registry.getRoom(roomID)
	if !ok {
		status = "room_gone"
		return
	}
	room.markDownloading(itemID)

	if local, ok := p.cache.Get(ctx, remoteURL); ok {
		p.deliver(roomID, itemID, local, true)
		return
	}

	local, err := p.client.DownloadAudio(ctx, remoteURL)
	if err != nil {
		status = "failed"
		logging.Warn(logging.WithRoom(ctx, roomID), "priority pre-download failed", zap.Error(err))
		p.deliver(roomID, itemID, "", false)
		return
	}
	p.cache.Put(ctx, remoteURL, local)
	p.deliver(roomID, itemID, local, true)
}

// deliver submits the download outcome back to the owning room. Per the
// design notes, if the room is gone by the time the result arrives, it is
// dropped silently rather than erroring.
func (p *PrefetchManager) deliver(roomID, itemID, localURL string, ok bool) {
	room, found := p.hub.registry.getRoom(roomID)
	if !found {
		return
	}
	room.markDownloadResult(itemID, localURL, ok)
	room.setQueueDepthMetric()
	queue, suggestions := room.queueSnapshot()
	p.hub.broadcastQueueUpdate(room, queue, suggestions)
}

func newQueueItemID() string { return ids.New() }
