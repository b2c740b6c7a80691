// Package uploader implements UP (spec.md §4.7): resolve a video's storage
// bag, rank candidate buckets, upload media then thumbnail with failover,
// and add each historical video's bytes to the channel's
// historicalVideoSyncedSize.
package uploader

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/chainmirror/synch/internal/indexer"
	"github.com/chainmirror/synch/internal/store"
	"github.com/chainmirror/synch/internal/storagenode"
)

// IndexerClient is the subset of indexer.Client UP depends on.
type IndexerClient interface {
	GetChannelByID(ctx context.Context, id string) (indexer.Channel, error)
	ListStorageBuckets(ctx context.Context) ([]indexer.StorageBucket, error)
}

// StorageClient is the subset of storagenode.Client UP depends on.
type StorageClient interface {
	Upload(ctx context.Context, bucketURL string, bagID string, asset storagenode.Asset) (storagenode.UploadResult, error)
	Ping(ctx context.Context, bucketURL string) (time.Duration, error)
}

// VideoLister is the subset of store.Store UP depends on to find work.
type VideoLister interface {
	ListPendingUploadVideos(ctx context.Context, limit int) ([]store.Video, error)
}

// ChannelStore is the subset of store.Store UP depends on for enrollment
// and historical-size accounting.
type ChannelStore interface {
	GetChannelByJoystreamID(ctx context.Context, joystreamChannelID string) (store.Channel, bool, error)
	PutChannel(ctx context.Context, c store.Channel) error
}

// VideoStore is the subset of store.Store UP depends on to persist results.
type VideoStore interface {
	PutVideo(ctx context.Context, v store.Video) error
}

// Uploader implements UP.
type Uploader struct {
	indexer IndexerClient
	storage StorageClient
	lister  VideoLister
	channels ChannelStore
	videos  VideoStore

	latency *cache.Cache

	log *slog.Logger
}

const latencyCacheTTL = 10 * time.Minute

// New builds an Uploader wired to its collaborators.
func New(idx IndexerClient, storage StorageClient, lister VideoLister, channels ChannelStore, videos VideoStore, log *slog.Logger) *Uploader {
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		indexer:  idx,
		storage:  storage,
		lister:   lister,
		channels: channels,
		videos:   videos,
		latency:  cache.New(latencyCacheTTL, 2*latencyCacheTTL),
		log:      log,
	}
}

// RunCycle drains up to limit pending-upload videos across all channels.
func (u *Uploader) RunCycle(ctx context.Context, limit int) error {
	videos, err := u.lister.ListPendingUploadVideos(ctx, limit)
	if err != nil {
		return err
	}
	for _, v := range videos {
		if err := u.uploadOne(ctx, v); err != nil {
			u.log.Error("upload failed", slog.String("component", "uploader"),
				slog.String("channelId", v.ChannelID), slog.String("videoId", v.VideoID), slog.Any("error", err))
		}
	}
	return nil
}

// uploadOne resolves the video's storage bag, ranks candidates, and
// attempts upload of media then thumbnail, failing over per spec.md §4.7.
func (u *Uploader) uploadOne(ctx context.Context, v store.Video) error {
	if v.JoystreamVideo == nil {
		return u.markFailed(ctx, v)
	}

	ch, err := u.indexer.GetChannelByID(ctx, v.JoystreamChannelID)
	if err != nil {
		return err
	}

	buckets, err := u.indexer.ListStorageBuckets(ctx)
	if err != nil {
		return err
	}
	ranked := u.rankBuckets(buckets)

	mediaAsset := storagenode.Asset{DataObjectID: v.JoystreamVideo.AssetIDs[0], Path: v.LocalMediaPath}
	thumbAsset := storagenode.Asset{DataObjectID: v.JoystreamVideo.AssetIDs[1], Path: v.ThumbnailURL}

	for _, b := range ranked {
		if !b.AcceptingBags {
			continue
		}
		start := time.Now()
		mediaRes, err := u.storage.Upload(ctx, b.OperatorURL, ch.BagID, mediaAsset)
		u.recordLatency(b.ID, time.Since(start))
		if err != nil || !is2xx(mediaRes.StatusCode) {
			continue // transport error or rejection: try the next bucket
		}

		start = time.Now()
		thumbRes, err := u.storage.Upload(ctx, b.OperatorURL, ch.BagID, thumbAsset)
		u.recordLatency(b.ID, time.Since(start))
		if err != nil || !is2xx(thumbRes.StatusCode) {
			continue
		}

		return u.markSucceeded(ctx, v, ch)
	}

	return u.markFailed(ctx, v)
}

func is2xx(status int) bool { return status >= 200 && status < 300 }

// rankBuckets sorts candidates by free bytes descending, then free object
// count descending, then measured latency ascending — the catabalancer
// multi-key sort.Slice idiom generalized from media-node scoring to storage-
// bucket scoring.
func (u *Uploader) rankBuckets(buckets []indexer.StorageBucket) []indexer.StorageBucket {
	ranked := make([]indexer.StorageBucket, len(buckets))
	copy(ranked, buckets)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].FreeBytes != ranked[j].FreeBytes {
			return ranked[i].FreeBytes > ranked[j].FreeBytes
		}
		if ranked[i].FreeObjects != ranked[j].FreeObjects {
			return ranked[i].FreeObjects > ranked[j].FreeObjects
		}
		return u.cachedLatency(ranked[i].ID) < u.cachedLatency(ranked[j].ID)
	})
	return ranked
}

func (u *Uploader) cachedLatency(bucketID string) time.Duration {
	if v, ok := u.latency.Get(bucketID); ok {
		return v.(time.Duration)
	}
	return 0
}

func (u *Uploader) recordLatency(bucketID string, d time.Duration) {
	u.latency.SetDefault(bucketID, d)
}

// ProbeBuckets measures response time against every known storage bucket
// and feeds the result into the same latency cache rankBuckets consults,
// independent of actual upload traffic — the out-of-band response-time
// probe OR runs on its own interval (spec.md §4.8), so a bucket's tertiary
// ranking key recovers even when nothing is currently being uploaded to it.
// A bucket that fails to respond is recorded at a penalty latency rather
// than left stale, so a dead bucket sinks in the ranking instead of
// retaining whatever latency it last measured while healthy.
func (u *Uploader) ProbeBuckets(ctx context.Context) error {
	buckets, err := u.indexer.ListStorageBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		d, err := u.storage.Ping(ctx, b.OperatorURL)
		if err != nil {
			u.log.Warn("storage node probe failed", slog.String("component", "uploader"),
				slog.String("bucketId", b.ID), slog.Any("error", err))
			u.recordLatency(b.ID, probePenaltyLatency)
			continue
		}
		u.recordLatency(b.ID, d)
	}
	return nil
}

// probePenaltyLatency is recorded for a bucket whose probe errored, so it
// ranks behind every bucket that actually answered rather than keeping
// whatever latency it last measured while healthy.
const probePenaltyLatency = 10 * time.Second

func (u *Uploader) markSucceeded(ctx context.Context, v store.Video, ch indexer.Channel) error {
	if !store.CanTransition(v.State, store.StateUploadSucceeded) {
		return nil
	}
	v.State = store.StateUploadSucceeded
	v.UpdatedAt = time.Now().UTC()
	if err := u.videos.PutVideo(ctx, v); err != nil {
		return err
	}
	return u.accountHistoricalSize(ctx, v)
}

// accountHistoricalSize increments the channel's historicalVideoSyncedSize
// when the video's publish date precedes the channel's enrollment, per
// spec.md §4.7.
func (u *Uploader) accountHistoricalSize(ctx context.Context, v store.Video) error {
	channel, found, err := u.channels.GetChannelByJoystreamID(ctx, v.JoystreamChannelID)
	if err != nil || !found {
		return err
	}
	if !v.PublishedAt.Before(channel.CreatedAt) {
		return nil
	}
	channel.HistoricalVideoSyncedSize += v.DownloadedBytes
	channel.UpdatedAt = time.Now().UTC()
	return u.channels.PutChannel(ctx, channel)
}

func (u *Uploader) markFailed(ctx context.Context, v store.Video) error {
	if !store.CanTransition(v.State, store.StateUploadFailed) {
		return nil
	}
	v.State = store.StateUploadFailed
	v.UpdatedAt = time.Now().UTC()
	return u.videos.PutVideo(ctx, v)
}
