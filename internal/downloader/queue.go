// Package downloader is the in-memory download queue and its ranged
// multi-worker transfer engine.
package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicate  = errors.New("episode already queued")
	ErrNotFound   = errors.New("queue item not found")
	ErrNotPending = errors.New("only pending items can be removed")
	ErrNotActive  = errors.New("only downloading items can be cancelled")
)

// cancelledMsg is the error recorded on user-cancelled items.
const cancelledMsg = "Download cancelled by user"

// Status is a queue item's lifecycle state. completed and failed are
// terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Item is one queued episode download.
type Item struct {
	ID            string     `json:"id"`
	SeriesID      int64      `json:"seriesId"`
	SeasonID      int64      `json:"seasonId"`
	EpisodeID     int64      `json:"episodeId"`
	SeriesTitle   string     `json:"seriesTitle"`
	SeasonNumber  int        `json:"seasonNumber"`
	EpisodeNumber int        `json:"episodeNumber"`
	EpisodeTitle  string     `json:"episodeTitle"`
	DownloadURL   string     `json:"downloadUrl"`
	Status        Status     `json:"status"`
	Progress      float64    `json:"progress"`
	DownloadSpeed int64      `json:"downloadSpeed,omitempty"`
	AddedAt       time.Time  `json:"addedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (i *Item) terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// EnqueueParams identifies the episode and its download source.
type EnqueueParams struct {
	SeriesID      int64
	SeasonID      int64
	EpisodeID     int64
	SeriesTitle   string
	SeasonNumber  int
	EpisodeNumber int
	EpisodeTitle  string
	DownloadURL   string
}

// Snapshot is the queue state handed to the API and websocket clients.
type Snapshot struct {
	Items           []Item `json:"items"`
	MaxWorkers      int    `json:"maxWorkers"`
	QueueLength     int    `json:"queueLength"`
	ActiveDownloads int    `json:"activeDownloads"`
}

// Settings is the slice of runtime settings the queue reads.
// *settings.Service satisfies it.
type Settings interface {
	DownloadMaxWorkers(ctx context.Context) (int, error)
	ConcurrentDownloads(ctx context.Context) (int, error)
}

// Finalizer ingests a finished download into the library.
type Finalizer interface {
	Finalize(ctx context.Context, item Item, filePath string)
}

// Notifier receives download failure events. Success events are emitted by
// the finalizer once ingestion went through.
type Notifier interface {
	DownloadError(ctx context.Context, item Item, message string)
}

// Broadcaster pushes queue updates to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// Queue is the bounded in-memory download queue. Queue advancement is
// serial; transfers run on their own goroutines.
type Queue struct {
	settings  Settings
	finalizer Finalizer
	notifier  Notifier
	tempDir   string
	logger    zerolog.Logger

	mu         sync.Mutex
	items      []*Item
	cancels    map[string]context.CancelFunc
	processing bool
	hub        Broadcaster

	// transfer is swapped out in tests.
	transfer func(ctx context.Context, item Item) (string, error)
}

// NewQueue creates a download queue. tempDir holds per-item chunk
// directories and merged output files.
func NewQueue(set Settings, finalizer Finalizer, notifier Notifier, tempDir string, logger zerolog.Logger) *Queue {
	q := &Queue{
		settings:  set,
		finalizer: finalizer,
		notifier:  notifier,
		tempDir:   tempDir,
		logger:    logger.With().Str("component", "downloader").Logger(),
		cancels:   make(map[string]context.CancelFunc),
	}
	q.transfer = q.transferFile
	return q
}

// SetBroadcastHub wires the websocket hub for queue updates.
func (q *Queue) SetBroadcastHub(hub Broadcaster) {
	q.mu.Lock()
	q.hub = hub
	q.mu.Unlock()
}

// Enqueue adds a pending item, rejecting duplicates: at most one
// non-terminal item may exist per (series, season, episode).
func (q *Queue) Enqueue(params EnqueueParams) (string, error) {
	q.mu.Lock()
	for _, it := range q.items {
		if it.terminal() {
			continue
		}
		if it.SeriesID == params.SeriesID && it.SeasonID == params.SeasonID && it.EpisodeID == params.EpisodeID {
			q.mu.Unlock()
			return "", ErrDuplicate
		}
	}

	item := &Item{
		ID:            uuid.NewString(),
		SeriesID:      params.SeriesID,
		SeasonID:      params.SeasonID,
		EpisodeID:     params.EpisodeID,
		SeriesTitle:   params.SeriesTitle,
		SeasonNumber:  params.SeasonNumber,
		EpisodeNumber: params.EpisodeNumber,
		EpisodeTitle:  params.EpisodeTitle,
		DownloadURL:   params.DownloadURL,
		Status:        StatusPending,
		AddedAt:       time.Now(),
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.logger.Info().Str("id", item.ID).Str("series", item.SeriesTitle).
		Int("season", item.SeasonNumber).Int("episode", item.EpisodeNumber).
		Msg("download queued")
	q.broadcast()
	q.advance()
	return item.ID, nil
}

// HasActiveEpisode reports whether a non-terminal item exists for the given
// external episode id.
func (q *Queue) HasActiveEpisode(episodeID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.EpisodeID == episodeID && !it.terminal() {
			return true
		}
	}
	return false
}

// Remove deletes a pending item from the queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID != id {
			continue
		}
		if it.Status != StatusPending {
			return ErrNotPending
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return nil
	}
	return ErrNotFound
}

// Cancel aborts a downloading item: the transfer is signalled, the item is
// marked failed and its temp directory removed.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	item := q.find(id)
	if item == nil {
		q.mu.Unlock()
		return ErrNotFound
	}
	if item.Status != StatusDownloading {
		q.mu.Unlock()
		return ErrNotActive
	}
	cancel := q.cancels[id]
	q.markFailedLocked(item, cancelledMsg)
	snapshot := *item
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	os.RemoveAll(filepath.Join(q.tempDir, id))

	q.logger.Info().Str("id", id).Msg("download cancelled")
	q.emitError(snapshot, cancelledMsg)
	q.broadcast()
	q.advance()
	return nil
}

// Snapshot returns the queue items and the effective concurrency config.
func (q *Queue) Snapshot(ctx context.Context) Snapshot {
	maxWorkers, _ := q.settings.DownloadMaxWorkers(ctx)
	active := 0

	q.mu.Lock()
	items := make([]Item, len(q.items))
	for i, it := range q.items {
		items[i] = *it
		if it.Status == StatusDownloading {
			active++
		}
	}
	q.mu.Unlock()

	return Snapshot{
		Items:           items,
		MaxWorkers:      maxWorkers,
		QueueLength:     len(items),
		ActiveDownloads: active,
	}
}

func (q *Queue) find(id string) *Item {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// advance fills downloading slots up to concurrent_downloads. The
// processing flag keeps advancement serial across concurrent triggers.
func (q *Queue) advance() {
	limit, err := q.settings.ConcurrentDownloads(context.Background())
	if err != nil {
		q.logger.Warn().Err(err).Msg("failed to read concurrency limit")
		return
	}

	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true

	var started []*Item
	active := 0
	for _, it := range q.items {
		if it.Status == StatusDownloading {
			active++
		}
	}
	for _, it := range q.items {
		if active >= limit {
			break
		}
		if it.Status != StatusPending {
			continue
		}
		it.Status = StatusDownloading
		now := time.Now()
		it.StartedAt = &now
		started = append(started, it)
		active++
	}
	q.mu.Unlock()

	for _, it := range started {
		go q.runDownload(it.ID, *it)
	}
	if len(started) > 0 {
		q.broadcast()
	}

	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
}

// runDownload executes one transfer and drives the item to a terminal
// state.
func (q *Queue) runDownload(id string, item Item) {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancels[id] = cancel
	q.mu.Unlock()

	path, err := q.transfer(ctx, item)

	q.mu.Lock()
	delete(q.cancels, id)
	current := q.find(id)
	cancelled := current == nil || current.Status != StatusDownloading
	q.mu.Unlock()
	cancel()

	if cancelled {
		// Cancel already marked the item failed and cleaned up. A transfer
		// that raced the cancellation through the merge leaves an orphan
		// output file; the user asked for it to go, so it goes.
		if err == nil && path != "" {
			os.Remove(path)
		}
		return
	}
	if err != nil {
		q.fail(id, err.Error())
		return
	}
	q.complete(id)

	if q.finalizer != nil {
		q.finalizer.Finalize(context.Background(), item, path)
	}
	q.advance()
}

// progressUpdate records transfer progress. Progress never decreases.
func (q *Queue) progressUpdate(id string, percent float64, speed int64) {
	q.mu.Lock()
	item := q.find(id)
	if item == nil || item.Status != StatusDownloading {
		q.mu.Unlock()
		return
	}
	if percent > 100 {
		percent = 100
	}
	if percent > item.Progress {
		item.Progress = percent
	}
	item.DownloadSpeed = speed
	q.mu.Unlock()
	q.broadcast()
}

func (q *Queue) complete(id string) {
	q.mu.Lock()
	item := q.find(id)
	if item == nil || item.terminal() {
		q.mu.Unlock()
		return
	}
	item.Status = StatusCompleted
	item.Progress = 100
	item.DownloadSpeed = 0
	now := time.Now()
	item.CompletedAt = &now
	q.mu.Unlock()

	q.logger.Info().Str("id", id).Msg("download complete")
	q.broadcast()
}

func (q *Queue) fail(id string, message string) {
	q.mu.Lock()
	item := q.find(id)
	if item == nil || item.terminal() {
		q.mu.Unlock()
		return
	}
	q.markFailedLocked(item, message)
	snapshot := *item
	q.mu.Unlock()

	os.RemoveAll(filepath.Join(q.tempDir, id))
	q.logger.Error().Str("id", id).Str("error", message).Msg("download failed")
	q.emitError(snapshot, message)
	q.broadcast()
	q.advance()
}

func (q *Queue) markFailedLocked(item *Item, message string) {
	item.Status = StatusFailed
	item.Error = message
	item.DownloadSpeed = 0
	now := time.Now()
	item.CompletedAt = &now
}

func (q *Queue) emitError(item Item, message string) {
	if q.notifier == nil {
		return
	}
	q.notifier.DownloadError(context.Background(), item, message)
}

func (q *Queue) broadcast() {
	q.mu.Lock()
	hub := q.hub
	q.mu.Unlock()
	if hub == nil {
		return
	}
	hub.Broadcast("queue:update", q.Snapshot(context.Background()))
}
