package downloader

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	headTimeout = 10 * time.Second
	copyBufSize = 64 * 1024

	// Progress is reported roughly every tenth of a chunk.
	progressStep = 0.10
)

// byteRange is one contiguous slice of the file, inclusive on both ends.
type byteRange struct {
	start int64
	end   int64
}

// partition splits [0, size) into workers contiguous ranges. The last range
// absorbs the remainder.
func partition(size int64, workers int) []byteRange {
	if workers < 1 {
		workers = 1
	}
	if int64(workers) > size {
		workers = int(size)
	}
	chunk := size / int64(workers)

	ranges := make([]byteRange, workers)
	for i := range ranges {
		ranges[i].start = int64(i) * chunk
		ranges[i].end = ranges[i].start + chunk - 1
	}
	ranges[workers-1].end = size - 1
	return ranges
}

// transferFile downloads one item: HEAD for size and extension, parallel
// ranged GETs into chunk files, merge in index order. Cancellation is
// checked at entry, after the HEAD and after the chunk phase.
func (q *Queue) transferFile(ctx context.Context, item Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	size, ext, err := q.head(ctx, item.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("failed to probe download: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	workers, err := q.settings.DownloadMaxWorkers(ctx)
	if err != nil {
		return "", err
	}

	chunkDir := filepath.Join(q.tempDir, item.ID)
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create chunk dir: %w", err)
	}

	ranges := partition(size, workers)
	var totalDownloaded atomic.Int64
	started := time.Now()

	progress := func() {
		done := totalDownloaded.Load()
		elapsed := time.Since(started).Seconds()
		var speed int64
		if elapsed > 0 {
			speed = int64(float64(done) / elapsed)
		}
		q.progressUpdate(item.ID, float64(done)/float64(size)*100, speed)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		chunkPath := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d.tmp", i))
		g.Go(func() error {
			return q.downloadChunk(gctx, item.DownloadURL, chunkPath, r, &totalDownloaded, progress)
		})
	}
	if err := g.Wait(); err != nil {
		os.RemoveAll(chunkDir)
		return "", err
	}
	if err := ctx.Err(); err != nil {
		os.RemoveAll(chunkDir)
		return "", err
	}

	outPath := filepath.Join(q.tempDir, strings.ReplaceAll(uuid.NewString(), "-", "")+ext)
	if err := mergeChunks(outPath, chunkDir, len(ranges)); err != nil {
		os.RemoveAll(chunkDir)
		os.Remove(outPath)
		return "", fmt.Errorf("failed to merge chunks: %w", err)
	}
	os.RemoveAll(chunkDir)

	q.progressUpdate(item.ID, 100, 0)
	return outPath, nil
}

// head probes the URL for its size and file extension. The extension comes
// from the Content-Disposition filename when present, else the URL path.
func (q *Queue) head(ctx context.Context, url string) (int64, string, error) {
	hctx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, "", fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if resp.ContentLength <= 0 {
		return 0, "", fmt.Errorf("server reported no content length")
	}

	ext := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			ext = path.Ext(params["filename"])
		}
	}
	if ext == "" {
		if u := strings.SplitN(url, "?", 2)[0]; u != "" {
			ext = path.Ext(u)
		}
	}
	if ext == "" {
		ext = ".mp4"
	}
	return resp.ContentLength, ext, nil
}

// downloadChunk streams one byte range to disk, updating the aggregate
// counter and reporting progress roughly every tenth of the chunk.
func (q *Queue) downloadChunk(ctx context.Context, url, dest string, r byteRange, total *atomic.Int64, progress func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.start, r.end))

	// No client timeout: chunk streams can legitimately run for minutes.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("range request returned %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	chunkSize := r.end - r.start + 1
	var written, lastReport int64
	step := int64(float64(chunkSize) * progressStep)
	if step < 1 {
		step = 1
	}

	buf := make([]byte, copyBufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return err
			}
			written += int64(n)
			total.Add(int64(n))
			if written-lastReport >= step {
				lastReport = written
				progress()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if written != chunkSize {
		return fmt.Errorf("short chunk: got %d bytes, want %d", written, chunkSize)
	}
	return f.Sync()
}

// mergeChunks concatenates chunk files in index order into outPath.
func mergeChunks(outPath, chunkDir string, count int) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	for i := 0; i < count; i++ {
		chunk, err := os.Open(filepath.Join(chunkDir, fmt.Sprintf("chunk_%d.tmp", i)))
		if err != nil {
			return err
		}
		_, err = io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			return err
		}
	}
	return out.Sync()
}
