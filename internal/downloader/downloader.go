// Package downloader is the download worker pool (DL) from spec.md §4.5: it
// stages a video's media bytes into the local asset directory, under a
// bounded worker pool, a per-channel slot of one to prevent reordering, and
// a global disk-budget guard.
package downloader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/chainmirror/synch/internal/errs"
	"github.com/chainmirror/synch/internal/store"
)

// MediaSource fetches a video's media bytes to destPath and reports the
// number of bytes written. The default implementation shells out to an
// external fetcher binary; tests substitute a fake.
type MediaSource interface {
	FetchMedia(ctx context.Context, v store.Video, destPath string) (int64, error)
}

// VideoLister is the subset of store.Store DL reads its input set from.
type VideoLister interface {
	ListUnsyncedVideos(ctx context.Context, limit int) ([]store.Video, error)
}

// VideoStore is the subset of store.Store DL writes results to.
type VideoStore interface {
	PutVideo(ctx context.Context, v store.Video) error
}

// diskBudget tracks bytes committed to the asset directory against
// limits.storage (spec.md §4.5's "global disk-budget check").
type diskBudget struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

func newDiskBudget(limit int64) *diskBudget {
	return &diskBudget{limit: limit}
}

func (d *diskBudget) hasRoom() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limit <= 0 || d.used < d.limit
}

func (d *diskBudget) commit(n int64) {
	d.mu.Lock()
	d.used += n
	d.mu.Unlock()
}

// channelSlots enforces the per-channel semaphore of one from spec.md §4.5
// ("a per-channel semaphore of 1 prevents reordering").
type channelSlots struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newChannelSlots() *channelSlots {
	return &channelSlots{slots: make(map[string]chan struct{})}
}

func (c *channelSlots) acquire(ctx context.Context, channelID string) error {
	c.mu.Lock()
	ch, ok := c.slots[channelID]
	if !ok {
		ch = make(chan struct{}, 1)
		c.slots[channelID] = ch
	}
	c.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *channelSlots) release(channelID string) {
	c.mu.Lock()
	ch := c.slots[channelID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// Downloader implements DL.
type Downloader struct {
	source MediaSource
	lister VideoLister
	videos VideoStore

	assetDir string

	budget *diskBudget
	slots  *channelSlots
	sem    chan struct{} // global worker pool, generalized from the teacher's single global semaphore

	log *slog.Logger
}

// New builds a Downloader. maxWorkers and storageLimit come from
// limits.maxConcurrentDownloads / limits.storage (teacher's
// vod/concurrency.go: a global semaphore sized from configuration, default
// 1 for serial processing).
func New(source MediaSource, lister VideoLister, videos VideoStore, assetDir string, maxWorkers int, storageLimit int64, log *slog.Logger) *Downloader {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{
		source:   source,
		lister:   lister,
		videos:   videos,
		assetDir: assetDir,
		budget:   newDiskBudget(storageLimit),
		slots:    newChannelSlots(),
		sem:      make(chan struct{}, maxWorkers),
		log:      log,
	}
}

// RunCycle fetches DL's input set and stages each video's media concurrently,
// bounded by the worker pool and the per-channel slot.
func (d *Downloader) RunCycle(ctx context.Context, limit int) error {
	videos, err := d.lister.ListUnsyncedVideos(ctx, limit)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, v := range videos {
		v := v
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.downloadOne(ctx, v); err != nil {
				d.log.Error("video download failed", slog.String("component", "downloader"),
					slog.String("channelId", v.ChannelID), slog.String("videoId", v.VideoID), slog.Any("error", err))
			}
		}()
	}
	wg.Wait()
	return nil
}

func (d *Downloader) downloadOne(ctx context.Context, v store.Video) error {
	if !d.budget.hasRoom() {
		d.log.Warn("disk budget exhausted, skipping download", slog.String("component", "downloader"),
			slog.String("channelId", v.ChannelID), slog.String("videoId", v.VideoID))
		return nil
	}

	if err := d.slots.acquire(ctx, v.ChannelID); err != nil {
		return err
	}
	defer d.slots.release(v.ChannelID)

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()

	destDir := filepath.Join(d.assetDir, v.ChannelID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	destPath := filepath.Join(destDir, v.VideoID+".bin")

	var size int64
	fetch := func() error {
		var ferr error
		size, ferr = d.source.FetchMedia(ctx, v, destPath)
		if ferr != nil {
			classified := classifyDownloadErr(ferr)
			if !errs.Retryable(classified) {
				return backoff.Permanent(classified)
			}
			return classified
		}
		return nil
	}

	err := backoff.Retry(fetch, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
	if err == nil {
		v.LocalMediaPath = destPath
		v.DownloadedBytes = size
		v.DownloadRetryCount = 0
		d.budget.commit(size)
		return d.videos.PutVideo(ctx, v)
	}

	if errs.TerminalForVideo(err) && store.CanTransition(v.State, store.StateVideoUnavailable) {
		v.State = store.StateVideoUnavailable
		return d.videos.PutVideo(ctx, v)
	}

	v.DownloadRetryCount++
	return d.videos.PutVideo(ctx, v)
}

// classifyDownloadErr maps a media-fetch error into the §7 error kinds,
// generalized from the teacher's ClassifyDownloadError substring matching.
func classifyDownloadErr(err error) error {
	if err == nil {
		return nil
	}
	if classified := errs.KindOf(err); classified != errs.Unknown {
		return err
	}

	lower := strings.ToLower(err.Error())

	fatalSubstrs := []string{
		"403", "404", "not found", "unavailable", "deleted",
		"no longer available", "does not exist", "forbidden",
		"login required", "unauthorized", "private video",
	}
	for _, s := range fatalSubstrs {
		if strings.Contains(lower, s) {
			return errs.Wrap(errs.VideoNotFound, "media fetch failed permanently", err)
		}
	}

	retryableSubstrs := []string{
		"connection reset", "connection refused", "timeout", "timed out",
		"eof", "broken pipe", "500", "502", "503", "504", "temporary failure",
	}
	for _, s := range retryableSubstrs {
		if strings.Contains(lower, s) {
			return errs.Wrap(errs.NotConnected, "media fetch failed transiently", err)
		}
	}

	return errs.Wrap(errs.Unknown, "media fetch failed with an unclassified error", err)
}

// ActiveWorkers reports how many download slots are currently occupied,
// mirroring the teacher's GetActiveDownloads.
func (d *Downloader) ActiveWorkers() int { return len(d.sem) }

// MaxWorkers reports the worker pool's configured capacity.
func (d *Downloader) MaxWorkers() int { return cap(d.sem) }
