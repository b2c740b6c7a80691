// Package store is the durable state store (SS) from spec.md §4.1: primary-
// key point access, named secondary-index scans, and best-effort batch
// writes over Postgres, with per-table serialization matching §5's
// "no external call under a critical section" rule.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chainmirror/synch/internal/errs"
)

// Store wraps a *sql.DB with one mutex per table, acquired only across the
// single round-trip for one statement — never across an external call, per
// spec.md §5.
type Store struct {
	db *sql.DB

	channelsMu  sync.Mutex
	videosMu    sync.Mutex
	whitelistMu sync.Mutex
}

// Open dials Postgres via jackc/pgx/v5's stdlib adapter, mirroring the
// teacher's db.Connect.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies idempotent schema changes, adapted from the teacher's
// migratePostgres for the channel/video/whitelist entities of spec.md §3.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			title TEXT,
			description TEXT,
			thumbnail_url TEXT,
			access_token TEXT,
			refresh_token TEXT,
			uploads_playlist_id TEXT,
			joystream_channel_id TEXT,
			language_tag TEXT,
			default_category TEXT,
			should_be_ingested BOOLEAN DEFAULT FALSE,
			allow_operator_ingestion BOOLEAN DEFAULT FALSE,
			perform_unauthorized_sync BOOLEAN DEFAULT FALSE,
			ypp_status TEXT NOT NULL DEFAULT 'Unverified',
			referrer_channel_id TEXT,
			suspend_reason TEXT,
			historical_video_synced_size BIGINT DEFAULT 0,
			last_acted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (user_id, channel_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_joystream_created ON channels(joystream_channel_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_referrer ON channels(referrer_channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_phantom_created ON channels(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_last_acted_at ON channels(last_acted_at)`,
		`CREATE TABLE IF NOT EXISTS videos (
			channel_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			title TEXT,
			description TEXT,
			duration_seconds INTEGER,
			thumbnail_url TEXT,
			published_at TIMESTAMPTZ,
			upload_status TEXT,
			privacy_status TEXT,
			live_broadcast_content TEXT,
			license TEXT,
			container TEXT,
			view_count BIGINT,
			joystream_channel_id TEXT,
			category TEXT,
			language TEXT,
			state TEXT NOT NULL DEFAULT 'New',
			joystream_video_id TEXT,
			joystream_asset_media TEXT,
			joystream_asset_thumbnail TEXT,
			local_media_path TEXT,
			downloaded_bytes BIGINT DEFAULT 0,
			download_retry_count INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (channel_id, video_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_state_updated ON videos(state, updated_at)`,
		`CREATE TABLE IF NOT EXISTS whitelist_channels (
			handle TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("state store migrate step %d: %w", i, classifyErr(err))
		}
	}
	return nil
}

// classifyErr maps transport failures to errs.NotConnected (spec.md §4.1's
// failure model); every other error propagates via %w unchanged.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(errs.NotConnected, "state store unreachable", err)
	}
	return err
}

// PutChannel upserts a channel, patching every field except the primary key
// and createdAt; updatedAt is set server-side. No partial writes: a failed put leaves
// the prior record intact, since this is a single statement.
func (s *Store) PutChannel(ctx context.Context, c Channel) error {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	const q = `
		INSERT INTO channels (
			user_id, channel_id, title, description, thumbnail_url,
			access_token, refresh_token, uploads_playlist_id,
			joystream_channel_id, language_tag, default_category,
			should_be_ingested, allow_operator_ingestion, perform_unauthorized_sync,
			ypp_status, referrer_channel_id, suspend_reason, historical_video_synced_size, last_acted_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NOW(),NOW())
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			thumbnail_url = EXCLUDED.thumbnail_url,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			uploads_playlist_id = EXCLUDED.uploads_playlist_id,
			joystream_channel_id = EXCLUDED.joystream_channel_id,
			language_tag = EXCLUDED.language_tag,
			default_category = EXCLUDED.default_category,
			should_be_ingested = EXCLUDED.should_be_ingested,
			allow_operator_ingestion = EXCLUDED.allow_operator_ingestion,
			perform_unauthorized_sync = EXCLUDED.perform_unauthorized_sync,
			ypp_status = EXCLUDED.ypp_status,
			referrer_channel_id = EXCLUDED.referrer_channel_id,
			suspend_reason = EXCLUDED.suspend_reason,
			historical_video_synced_size = EXCLUDED.historical_video_synced_size,
			last_acted_at = EXCLUDED.last_acted_at,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, q,
		c.UserID, c.ChannelID, c.Title, c.Description, c.ThumbnailURL,
		c.AccessToken, c.RefreshToken, c.UploadsPlaylistID,
		c.JoystreamChannelID, c.LanguageTag, c.DefaultCategory,
		c.ShouldBeIngested, c.AllowOperatorIngestion, c.PerformUnauthorizedSync,
		c.YppStatus, c.ReferrerChannelID, c.SuspendReason, c.HistoricalVideoSyncedSize, c.LastActedAt,
	)
	return classifyErr(err)
}

// GetChannel is a point lookup; it returns (Channel{}, false, nil) if absent.
func (s *Store) GetChannel(ctx context.Context, userID, channelID string) (Channel, bool, error) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	const q = `
		SELECT user_id, channel_id, title, description, thumbnail_url,
			access_token, refresh_token, uploads_playlist_id,
			joystream_channel_id, language_tag, default_category,
			should_be_ingested, allow_operator_ingestion, perform_unauthorized_sync,
			ypp_status, referrer_channel_id, suspend_reason, historical_video_synced_size, last_acted_at,
			created_at, updated_at
		FROM channels WHERE user_id = $1 AND channel_id = $2`
	row := s.db.QueryRowContext(ctx, q, userID, channelID)
	var c Channel
	err := row.Scan(
		&c.UserID, &c.ChannelID, &c.Title, &c.Description, &c.ThumbnailURL,
		&c.AccessToken, &c.RefreshToken, &c.UploadsPlaylistID,
		&c.JoystreamChannelID, &c.LanguageTag, &c.DefaultCategory,
		&c.ShouldBeIngested, &c.AllowOperatorIngestion, &c.PerformUnauthorizedSync,
		&c.YppStatus, &c.ReferrerChannelID, &c.SuspendReason, &c.HistoricalVideoSyncedSize, &c.LastActedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, false, nil
	}
	if err != nil {
		return Channel{}, false, classifyErr(err)
	}
	return c, true, nil
}

// GetChannelByJoystreamID uses the joystreamChannelId-createdAt index
// (spec.md §6) to resolve a channel from a video's JoystreamChannelID alone
// — UP needs this because a pending-upload video only carries the
// on-chain channel id, not the (userId, channelId) primary key.
func (s *Store) GetChannelByJoystreamID(ctx context.Context, joystreamChannelID string) (Channel, bool, error) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	const q = `
		SELECT user_id, channel_id, title, description, thumbnail_url,
			access_token, refresh_token, uploads_playlist_id,
			joystream_channel_id, language_tag, default_category,
			should_be_ingested, allow_operator_ingestion, perform_unauthorized_sync,
			ypp_status, referrer_channel_id, suspend_reason, historical_video_synced_size, last_acted_at,
			created_at, updated_at
		FROM channels WHERE joystream_channel_id = $1
		ORDER BY created_at ASC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, joystreamChannelID)
	var c Channel
	err := row.Scan(
		&c.UserID, &c.ChannelID, &c.Title, &c.Description, &c.ThumbnailURL,
		&c.AccessToken, &c.RefreshToken, &c.UploadsPlaylistID,
		&c.JoystreamChannelID, &c.LanguageTag, &c.DefaultCategory,
		&c.ShouldBeIngested, &c.AllowOperatorIngestion, &c.PerformUnauthorizedSync,
		&c.YppStatus, &c.ReferrerChannelID, &c.SuspendReason, &c.HistoricalVideoSyncedSize, &c.LastActedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, false, nil
	}
	if err != nil {
		return Channel{}, false, classifyErr(err)
	}
	return c, true, nil
}

// ListSyncCandidates is CRV's (§4.3) channel scan: ordered by lastActedAt
// ascending (the last_acted_at index) and filtered to §3-invariant 3's
// eligible channels.
func (s *Store) ListSyncCandidates(ctx context.Context) ([]Channel, error) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	const q = `
		SELECT user_id, channel_id, title, description, thumbnail_url,
			access_token, refresh_token, uploads_playlist_id,
			joystream_channel_id, language_tag, default_category,
			should_be_ingested, allow_operator_ingestion, perform_unauthorized_sync,
			ypp_status, referrer_channel_id, suspend_reason, historical_video_synced_size, last_acted_at,
			created_at, updated_at
		FROM channels
		WHERE should_be_ingested AND allow_operator_ingestion AND ypp_status LIKE 'Verified::%'
		ORDER BY last_acted_at ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(
			&c.UserID, &c.ChannelID, &c.Title, &c.Description, &c.ThumbnailURL,
			&c.AccessToken, &c.RefreshToken, &c.UploadsPlaylistID,
			&c.JoystreamChannelID, &c.LanguageTag, &c.DefaultCategory,
			&c.ShouldBeIngested, &c.AllowOperatorIngestion, &c.PerformUnauthorizedSync,
			&c.YppStatus, &c.ReferrerChannelID, &c.SuspendReason, &c.HistoricalVideoSyncedSize, &c.LastActedAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, classifyErr(err)
		}
		out = append(out, c)
	}
	return out, classifyErr(rows.Err())
}

// BatchPutChannels is a best-effort bulk write: each failure is collected
// and the caller is expected to retry the returned subset until it is
// empty, per spec.md §4.1.
func (s *Store) BatchPutChannels(ctx context.Context, channels []Channel) (unprocessed []Channel, err error) {
	for _, c := range channels {
		if putErr := s.PutChannel(ctx, c); putErr != nil {
			unprocessed = append(unprocessed, c)
			err = putErr
		}
	}
	return unprocessed, err
}

// PutVideo upserts a video, patching every field except the primary key and
// createdAt; updatedAt is set server-side. CanTransition is not enforced here — callers (DL/OC/UP) decide
// the target state; the store just persists it, preserving invariant 1 by
// construction of the call sites rather than a database constraint.
func (s *Store) PutVideo(ctx context.Context, v Video) error {
	s.videosMu.Lock()
	defer s.videosMu.Unlock()

	var jvID, jvMedia, jvThumb sql.NullString
	if v.JoystreamVideo != nil {
		jvID = sql.NullString{String: v.JoystreamVideo.ID, Valid: true}
		jvMedia = sql.NullString{String: v.JoystreamVideo.AssetIDs[0], Valid: true}
		jvThumb = sql.NullString{String: v.JoystreamVideo.AssetIDs[1], Valid: true}
	}
	// An unstaged video is stored as NULL, which the input-set scans test for.
	localMediaPath := sql.NullString{String: v.LocalMediaPath, Valid: v.LocalMediaPath != ""}

	const q = `
		INSERT INTO videos (
			channel_id, video_id, title, description, duration_seconds, thumbnail_url,
			published_at, upload_status, privacy_status, live_broadcast_content,
			license, container, view_count, joystream_channel_id, category, language,
			state, joystream_video_id, joystream_asset_media, joystream_asset_thumbnail,
			local_media_path, downloaded_bytes, download_retry_count,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,NOW(),NOW())
		ON CONFLICT (channel_id, video_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			duration_seconds = EXCLUDED.duration_seconds,
			thumbnail_url = EXCLUDED.thumbnail_url,
			published_at = EXCLUDED.published_at,
			upload_status = EXCLUDED.upload_status,
			privacy_status = EXCLUDED.privacy_status,
			live_broadcast_content = EXCLUDED.live_broadcast_content,
			license = EXCLUDED.license,
			container = EXCLUDED.container,
			view_count = EXCLUDED.view_count,
			joystream_channel_id = EXCLUDED.joystream_channel_id,
			category = EXCLUDED.category,
			language = EXCLUDED.language,
			state = EXCLUDED.state,
			joystream_video_id = EXCLUDED.joystream_video_id,
			joystream_asset_media = EXCLUDED.joystream_asset_media,
			joystream_asset_thumbnail = EXCLUDED.joystream_asset_thumbnail,
			local_media_path = EXCLUDED.local_media_path,
			downloaded_bytes = EXCLUDED.downloaded_bytes,
			download_retry_count = EXCLUDED.download_retry_count,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, q,
		v.ChannelID, v.VideoID, v.Title, v.Description, v.DurationSeconds, v.ThumbnailURL,
		v.PublishedAt, v.UploadStatus, v.PrivacyStatus, v.LiveBroadcastContent,
		v.License, v.Container, v.ViewCount, v.JoystreamChannelID, v.Category, v.Language,
		string(v.State), jvID, jvMedia, jvThumb,
		localMediaPath, v.DownloadedBytes, v.DownloadRetryCount,
	)
	return classifyErr(err)
}

// GetVideo is a point lookup; it returns (Video{}, false, nil) if absent.
func (s *Store) GetVideo(ctx context.Context, channelID, videoID string) (Video, bool, error) {
	s.videosMu.Lock()
	defer s.videosMu.Unlock()
	return s.scanOneVideo(ctx, `
		SELECT channel_id, video_id, title, description, duration_seconds, thumbnail_url,
			published_at, upload_status, privacy_status, live_broadcast_content,
			license, container, view_count, joystream_channel_id, category, language,
			state, joystream_video_id, joystream_asset_media, joystream_asset_thumbnail,
			local_media_path, downloaded_bytes, download_retry_count,
			created_at, updated_at
		FROM videos WHERE channel_id = $1 AND video_id = $2`, channelID, videoID)
}

func (s *Store) scanOneVideo(ctx context.Context, q string, args ...interface{}) (Video, bool, error) {
	row := s.db.QueryRowContext(ctx, q, args...)
	v, err := scanVideoRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Video{}, false, nil
	}
	if err != nil {
		return Video{}, false, classifyErr(err)
	}
	return v, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVideoRow(row rowScanner) (Video, error) {
	var v Video
	var state string
	var jvID, jvMedia, jvThumb sql.NullString
	var localMediaPath sql.NullString
	err := row.Scan(
		&v.ChannelID, &v.VideoID, &v.Title, &v.Description, &v.DurationSeconds, &v.ThumbnailURL,
		&v.PublishedAt, &v.UploadStatus, &v.PrivacyStatus, &v.LiveBroadcastContent,
		&v.License, &v.Container, &v.ViewCount, &v.JoystreamChannelID, &v.Category, &v.Language,
		&state, &jvID, &jvMedia, &jvThumb,
		&localMediaPath, &v.DownloadedBytes, &v.DownloadRetryCount,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return Video{}, err
	}
	v.State = VideoState(state)
	v.LocalMediaPath = localMediaPath.String
	if jvID.Valid {
		v.JoystreamVideo = &JoystreamVideo{ID: jvID.String, AssetIDs: [2]string{jvMedia.String, jvThumb.String}}
	}
	return v, nil
}

// ListUnsyncedVideos implements the state-updatedAt index scan backing DL's
// input set (spec.md §4.5): New (download-eligible) ordered by updatedAt
// ascending, then VideoCreationFailed, then UploadFailed.
func (s *Store) ListUnsyncedVideos(ctx context.Context, limit int) ([]Video, error) {
	s.videosMu.Lock()
	defer s.videosMu.Unlock()

	const q = `
		SELECT channel_id, video_id, title, description, duration_seconds, thumbnail_url,
			published_at, upload_status, privacy_status, live_broadcast_content,
			license, container, view_count, joystream_channel_id, category, language,
			state, joystream_video_id, joystream_asset_media, joystream_asset_thumbnail,
			local_media_path, downloaded_bytes, download_retry_count,
			created_at, updated_at
		FROM videos
		WHERE (state = 'New' AND privacy_status = 'public' AND upload_status = 'processed' AND live_broadcast_content = 'none' AND local_media_path IS NULL)
			OR state = 'VideoCreationFailed'
			OR state = 'UploadFailed'
		ORDER BY
			CASE state WHEN 'New' THEN 0 WHEN 'VideoCreationFailed' THEN 1 ELSE 2 END,
			updated_at ASC
		LIMIT $1`
	return s.queryVideos(ctx, q, limit)
}

// ListPendingUploadVideos implements UP's input ordering (spec.md §4.7):
// UploadFailed first, then VideoCreated, each bucket by updatedAt ascending.
func (s *Store) ListPendingUploadVideos(ctx context.Context, limit int) ([]Video, error) {
	s.videosMu.Lock()
	defer s.videosMu.Unlock()

	const q = `
		SELECT channel_id, video_id, title, description, duration_seconds, thumbnail_url,
			published_at, upload_status, privacy_status, live_broadcast_content,
			license, container, view_count, joystream_channel_id, category, language,
			state, joystream_video_id, joystream_asset_media, joystream_asset_thumbnail,
			local_media_path, downloaded_bytes, download_retry_count,
			created_at, updated_at
		FROM videos
		WHERE state = 'UploadFailed' OR state = 'VideoCreated'
		ORDER BY
			CASE state WHEN 'UploadFailed' THEN 0 ELSE 1 END,
			updated_at ASC
		LIMIT $1`
	return s.queryVideos(ctx, q, limit)
}

// ListVideosPendingOnChain implements the OC input set: videos whose bytes
// have been staged by DL but not yet submitted on-chain.
func (s *Store) ListVideosPendingOnChain(ctx context.Context, channelID string, limit int) ([]Video, error) {
	s.videosMu.Lock()
	defer s.videosMu.Unlock()

	const q = `
		SELECT channel_id, video_id, title, description, duration_seconds, thumbnail_url,
			published_at, upload_status, privacy_status, live_broadcast_content,
			license, container, view_count, joystream_channel_id, category, language,
			state, joystream_video_id, joystream_asset_media, joystream_asset_thumbnail,
			local_media_path, downloaded_bytes, download_retry_count,
			created_at, updated_at
		FROM videos
		WHERE channel_id = $1 AND state = 'New' AND local_media_path IS NOT NULL AND downloaded_bytes > 0
		ORDER BY updated_at ASC
		LIMIT $2`
	return s.queryVideos(ctx, q, channelID, limit)
}

func (s *Store) queryVideos(ctx context.Context, q string, args ...interface{}) ([]Video, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []Video
	for rows.Next() {
		v, err := scanVideoRow(rows)
		if err != nil {
			return nil, classifyErr(err)
		}
		out = append(out, v)
	}
	return out, classifyErr(rows.Err())
}

// BatchPutVideos is a best-effort bulk write; unprocessed items are
// returned for the caller to retry until empty, per spec.md §4.1.
func (s *Store) BatchPutVideos(ctx context.Context, videos []Video) (unprocessed []Video, err error) {
	for _, v := range videos {
		if putErr := s.PutVideo(ctx, v); putErr != nil {
			unprocessed = append(unprocessed, v)
			err = putErr
		}
	}
	return unprocessed, err
}

// GetWhitelistEntry looks up a channel handle, consulted only during
// onboarding (spec.md §3); it is not part of the core's hot path.
func (s *Store) GetWhitelistEntry(ctx context.Context, handle string) (WhitelistEntry, bool, error) {
	s.whitelistMu.Lock()
	defer s.whitelistMu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT handle, created_at FROM whitelist_channels WHERE handle = $1`, handle)
	var w WhitelistEntry
	if err := row.Scan(&w.Handle, &w.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WhitelistEntry{}, false, nil
		}
		return WhitelistEntry{}, false, classifyErr(err)
	}
	return w, true, nil
}

// PutWhitelistEntry upserts a whitelist entry.
func (s *Store) PutWhitelistEntry(ctx context.Context, handle string) error {
	s.whitelistMu.Lock()
	defer s.whitelistMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist_channels (handle, created_at) VALUES ($1, NOW())
		ON CONFLICT (handle) DO NOTHING`, handle)
	return classifyErr(err)
}
