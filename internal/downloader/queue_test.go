package downloader

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSettings struct {
	workers    int
	concurrent int
}

func (f *fakeSettings) DownloadMaxWorkers(ctx context.Context) (int, error) {
	return f.workers, nil
}

func (f *fakeSettings) ConcurrentDownloads(ctx context.Context) (int, error) {
	return f.concurrent, nil
}

type fakeFinalizer struct {
	mu    sync.Mutex
	items []Item
	paths []string
}

func (f *fakeFinalizer) Finalize(ctx context.Context, item Item, filePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	f.paths = append(f.paths, filePath)
}

type fakeNotifier struct {
	mu     sync.Mutex
	errors []string
}

func (f *fakeNotifier) DownloadError(ctx context.Context, item Item, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.errors...)
}

func waitForStatus(t *testing.T, q *Queue, id string, want Status) Item {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		for _, it := range q.Snapshot(context.Background()).Items {
			if it.ID == id && it.Status == want {
				return it
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("item %s never reached status %q", id, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPartition(t *testing.T) {
	const mib = 1024 * 1024

	ranges := partition(100*mib, 4)
	want := []byteRange{
		{0, 26214399},
		{26214400, 52428799},
		{52428800, 78643199},
		{78643200, 104857599},
	}
	if len(ranges) != len(want) {
		t.Fatalf("got %d ranges, want %d", len(ranges), len(want))
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, ranges[i], want[i])
		}
	}

	// Remainder goes to the last range.
	ranges = partition(10, 3)
	if ranges[2].end != 9 {
		t.Errorf("last range end = %d, want 9", ranges[2].end)
	}
	var covered int64
	for _, r := range ranges {
		covered += r.end - r.start + 1
	}
	if covered != 10 {
		t.Errorf("ranges cover %d bytes, want 10", covered)
	}

	// More workers than bytes collapses to per-byte ranges.
	if got := len(partition(2, 8)); got != 2 {
		t.Errorf("partition(2, 8) produced %d ranges, want 2", got)
	}
}

func TestTransferEndToEnd(t *testing.T) {
	payload := make([]byte, 100_000)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	var mu sync.Mutex
	var rangeHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			rangeHeaders = append(rangeHeaders, r.Header.Get("Range"))
			mu.Unlock()
		}
		w.Header().Set("Content-Disposition", `attachment; filename="episode.mp4"`)
		http.ServeContent(w, r, "episode.mp4", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	fin := &fakeFinalizer{}
	q := NewQueue(&fakeSettings{workers: 4, concurrent: 1}, fin, &fakeNotifier{}, t.TempDir(), zerolog.Nop())

	id, err := q.Enqueue(EnqueueParams{
		SeriesID: 1, SeasonID: 1, EpisodeID: 100,
		SeriesTitle: "Show", SeasonNumber: 1, EpisodeNumber: 4,
		DownloadURL: srv.URL + "/file",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	item := waitForStatus(t, q, id, StatusCompleted)
	if item.Progress != 100 {
		t.Errorf("progress = %v, want 100", item.Progress)
	}

	mu.Lock()
	headers := append([]string{}, rangeHeaders...)
	mu.Unlock()
	if len(headers) != 4 {
		t.Fatalf("got %d range requests, want 4: %v", len(headers), headers)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fin.mu.Lock()
		done := len(fin.paths) == 1
		fin.mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	fin.mu.Lock()
	defer fin.mu.Unlock()
	if len(fin.paths) != 1 {
		t.Fatal("finalizer was not invoked")
	}
	merged, err := os.ReadFile(fin.paths[0])
	if err != nil {
		t.Fatalf("read merged file: %v", err)
	}
	if sha256.Sum256(merged) != sha256.Sum256(payload) {
		t.Error("merged file differs from source payload")
	}
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	q := NewQueue(&fakeSettings{workers: 1, concurrent: 1}, nil, nil, t.TempDir(), zerolog.Nop())
	q.transfer = func(ctx context.Context, item Item) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	params := EnqueueParams{SeriesID: 1, SeasonID: 2, EpisodeID: 3, DownloadURL: "http://x"}
	id, err := q.Enqueue(params)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(params); err != ErrDuplicate {
		t.Fatalf("second Enqueue err = %v, want ErrDuplicate", err)
	}
	if !q.HasActiveEpisode(3) {
		t.Error("HasActiveEpisode(3) = false")
	}

	waitForStatus(t, q, id, StatusDownloading)
	if err := q.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Terminal items no longer block re-enqueueing.
	if _, err := q.Enqueue(params); err != nil {
		t.Fatalf("re-enqueue after failure: %v", err)
	}
}

func TestCancelMarksFailedAndCleansUp(t *testing.T) {
	tempDir := t.TempDir()
	notifier := &fakeNotifier{}
	q := NewQueue(&fakeSettings{workers: 2, concurrent: 1}, nil, notifier, tempDir, zerolog.Nop())

	started := make(chan string, 1)
	q.transfer = func(ctx context.Context, item Item) (string, error) {
		dir := tempDir + "/" + item.ID
		os.MkdirAll(dir, 0o755)
		started <- item.ID
		<-ctx.Done()
		return "", ctx.Err()
	}

	id, err := q.Enqueue(EnqueueParams{SeriesID: 1, SeasonID: 1, EpisodeID: 9, DownloadURL: "http://x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	if err := q.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	item := waitForStatus(t, q, id, StatusFailed)
	if item.Error != "Download cancelled by user" {
		t.Errorf("error = %q", item.Error)
	}
	if _, err := os.Stat(tempDir + "/" + id); !os.IsNotExist(err) {
		t.Error("chunk directory should be removed")
	}
	if msgs := notifier.messages(); len(msgs) != 1 || msgs[0] != "Download cancelled by user" {
		t.Errorf("notifier messages = %v", msgs)
	}
}

func TestCancelDuringMergeSkipsFinalize(t *testing.T) {
	tempDir := t.TempDir()
	fin := &fakeFinalizer{}
	q := NewQueue(&fakeSettings{workers: 1, concurrent: 1}, fin, &fakeNotifier{}, tempDir, zerolog.Nop())

	merged := tempDir + "/merged.mp4"
	started := make(chan struct{})
	release := make(chan struct{})
	mergedDone := make(chan struct{})
	q.transfer = func(ctx context.Context, item Item) (string, error) {
		close(started)
		// The merge ignores the cancelled context and still succeeds.
		<-release
		os.WriteFile(merged, []byte("payload"), 0o644)
		close(mergedDone)
		return merged, nil
	}

	id, err := q.Enqueue(EnqueueParams{SeriesID: 1, SeasonID: 1, EpisodeID: 5, DownloadURL: "http://x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	if err := q.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)
	<-mergedDone

	item := waitForStatus(t, q, id, StatusFailed)
	if item.Error != "Download cancelled by user" {
		t.Errorf("error = %q", item.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(merged); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("orphan merged file was not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	fin.mu.Lock()
	defer fin.mu.Unlock()
	if len(fin.items) != 0 {
		t.Errorf("finalizer invoked for a cancelled download: %+v", fin.items)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	q := NewQueue(&fakeSettings{workers: 1, concurrent: 2}, nil, nil, t.TempDir(), zerolog.Nop())

	release := make(chan struct{})
	q.transfer = func(ctx context.Context, item Item) (string, error) {
		select {
		case <-release:
			return "", context.Canceled
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	var ids []string
	for i := int64(1); i <= 4; i++ {
		id, err := q.Enqueue(EnqueueParams{SeriesID: 1, SeasonID: 1, EpisodeID: i, DownloadURL: "http://x"})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	waitForStatus(t, q, ids[0], StatusDownloading)
	waitForStatus(t, q, ids[1], StatusDownloading)

	snap := q.Snapshot(context.Background())
	if snap.ActiveDownloads != 2 {
		t.Errorf("activeDownloads = %d, want 2", snap.ActiveDownloads)
	}
	for _, it := range snap.Items {
		if (it.ID == ids[2] || it.ID == ids[3]) && it.Status != StatusPending {
			t.Errorf("item %s = %q, want pending", it.ID, it.Status)
		}
	}

	// Failing an active download frees a slot for the next pending item.
	close(release)
	waitForStatus(t, q, ids[2], StatusDownloading)
}

func TestRemoveOnlyPending(t *testing.T) {
	q := NewQueue(&fakeSettings{workers: 1, concurrent: 1}, nil, nil, t.TempDir(), zerolog.Nop())
	q.transfer = func(ctx context.Context, item Item) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	first, _ := q.Enqueue(EnqueueParams{SeriesID: 1, SeasonID: 1, EpisodeID: 1, DownloadURL: "http://x"})
	second, _ := q.Enqueue(EnqueueParams{SeriesID: 1, SeasonID: 1, EpisodeID: 2, DownloadURL: "http://x"})

	waitForStatus(t, q, first, StatusDownloading)
	if err := q.Remove(first); err != ErrNotPending {
		t.Errorf("Remove(downloading) err = %v, want ErrNotPending", err)
	}
	if err := q.Remove(second); err != nil {
		t.Errorf("Remove(pending): %v", err)
	}
	if err := q.Remove("nope"); err != ErrNotFound {
		t.Errorf("Remove(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestProgressMonotonic(t *testing.T) {
	q := NewQueue(&fakeSettings{workers: 1, concurrent: 1}, nil, nil, t.TempDir(), zerolog.Nop())

	started := make(chan struct{})
	q.transfer = func(ctx context.Context, item Item) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}

	id, _ := q.Enqueue(EnqueueParams{SeriesID: 1, SeasonID: 1, EpisodeID: 1, DownloadURL: "http://x"})
	<-started
	waitForStatus(t, q, id, StatusDownloading)

	q.progressUpdate(id, 40, 1000)
	q.progressUpdate(id, 30, 900)
	q.progressUpdate(id, 120, 900)

	snap := q.Snapshot(context.Background())
	for _, it := range snap.Items {
		if it.ID == id && it.Progress != 100 {
			t.Errorf("progress = %v, want clamped to 100", it.Progress)
		}
	}
}
