// Package poller is the metadata poller (MP) from spec.md §4.4: for every
// eligible channel, reserve quota, fetch the upload list, and reconcile it
// into the state store without ever regressing a video's lifecycle state.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chainmirror/synch/internal/errs"
	"github.com/chainmirror/synch/internal/platform"
	"github.com/chainmirror/synch/internal/quota"
	"github.com/chainmirror/synch/internal/store"
)

// MetadataClient is the subset of platform.Client MP depends on.
type MetadataClient interface {
	ListUploads(ctx context.Context, ch platform.Channel) ([]platform.VideoMeta, error)
}

// QuotaReserver is the subset of quota.Accountant MP depends on.
type QuotaReserver interface {
	ReserveOrQuotaError(ctx context.Context, pool quota.Pool, n int64) error
}

// ChannelStore is the subset of store.Store MP depends on for channels.
type ChannelStore interface {
	PutChannel(ctx context.Context, c store.Channel) error
}

// VideoStore is the subset of store.Store MP depends on for videos.
type VideoStore interface {
	GetVideo(ctx context.Context, channelID, videoID string) (store.Video, bool, error)
	PutVideo(ctx context.Context, v store.Video) error
}

// Poller implements MP.
type Poller struct {
	metadata MetadataClient
	quota    QuotaReserver
	channels ChannelStore
	videos   VideoStore
	log      *slog.Logger
}

// New builds a Poller wired to its collaborators.
func New(metadata MetadataClient, q QuotaReserver, channels ChannelStore, videos VideoStore, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{metadata: metadata, quota: q, channels: channels, videos: videos, log: log}
}

func newBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
}

// RunCycle polls every channel in order. It implements the §7 propagation
// policy at the cycle level: a QuotaLimitExceeded error aborts the whole
// cycle immediately (not the process); every other per-channel error is
// logged and the cycle continues with the next channel.
func (p *Poller) RunCycle(ctx context.Context, channels []store.Channel) error {
	for _, ch := range channels {
		err := p.SyncChannel(ctx, ch)
		if err == nil {
			continue
		}
		if errs.IsQuotaExhausted(err) {
			p.log.Warn("sync pool exhausted, aborting poll cycle", slog.String("component", "poller"))
			return nil
		}
		p.log.Error("channel sync failed", slog.String("component", "poller"),
			slog.String("channelId", ch.ChannelID), slog.Any("error", err))
	}
	return nil
}

// SyncChannel runs MP's per-channel procedure from spec.md §4.4.
func (p *Poller) SyncChannel(ctx context.Context, ch store.Channel) error {
	if err := p.quota.ReserveOrQuotaError(ctx, quota.PoolSync, 1); err != nil {
		return err
	}

	var metas []platform.VideoMeta
	fetch := func() error {
		var err error
		metas, err = p.metadata.ListUploads(ctx, platform.Channel{
			UserID:            ch.UserID,
			ChannelID:         ch.ChannelID,
			AccessToken:       ch.AccessToken,
			RefreshToken:      ch.RefreshToken,
			UploadsPlaylistID: ch.UploadsPlaylistID,
		})
		if err != nil && !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(fetch, newBackoff()); err != nil {
		if errs.TerminalForChannel(err) {
			ch.YppStatus = "Suspended::AuthFailed"
			ch.SuspendReason = err.Error()
			ch.UpdatedAt = time.Now().UTC()
			return p.channels.PutChannel(ctx, ch)
		}
		return err
	}

	for _, meta := range metas {
		if err := p.reconcileVideo(ctx, ch, meta); err != nil {
			p.log.Error("video reconcile failed", slog.String("component", "poller"),
				slog.String("channelId", ch.ChannelID), slog.String("videoId", meta.VideoID), slog.Any("error", err))
		}
	}
	return nil
}

// reconcileVideo inserts a New record for a video not yet in SS, refreshes
// mutable attributes on an existing one without regressing state, and
// transitions to VideoUnavailable when the upstream reports removal — but
// only along a valid edge, so an already on-chain video is left untouched.
func (p *Poller) reconcileVideo(ctx context.Context, ch store.Channel, meta platform.VideoMeta) error {
	existing, found, err := p.videos.GetVideo(ctx, ch.ChannelID, meta.VideoID)
	if err != nil {
		return err
	}

	if meta.Removed {
		if !found {
			return nil
		}
		if !store.CanTransition(existing.State, store.StateVideoUnavailable) {
			return nil
		}
		existing.State = store.StateVideoUnavailable
		return p.videos.PutVideo(ctx, existing)
	}

	if !found {
		v := store.Video{
			ChannelID:            ch.ChannelID,
			VideoID:              meta.VideoID,
			Title:                meta.Title,
			Description:          meta.Description,
			DurationSeconds:      meta.DurationSeconds,
			ThumbnailURL:         meta.ThumbnailURL,
			PublishedAt:          meta.PublishedAt,
			UploadStatus:         meta.UploadStatus,
			PrivacyStatus:        meta.PrivacyStatus,
			LiveBroadcastContent: meta.LiveBroadcastContent,
			License:              meta.License,
			ViewCount:            meta.ViewCount,
			JoystreamChannelID:   ch.JoystreamChannelID,
			Category:             ch.DefaultCategory,
			Language:             ch.LanguageTag,
			State:                store.StateNew,
		}
		return p.videos.PutVideo(ctx, v)
	}

	// Refresh mutable attributes only; state, joystreamVideo, and counts are
	// left exactly as they are (never regress state).
	existing.Title = meta.Title
	existing.Description = meta.Description
	existing.ViewCount = meta.ViewCount
	existing.PrivacyStatus = meta.PrivacyStatus
	existing.UploadStatus = meta.UploadStatus
	existing.LiveBroadcastContent = meta.LiveBroadcastContent
	return p.videos.PutVideo(ctx, existing)
}
